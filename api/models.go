package api

import (
	"time"

	"motionsync/clocksync"
	"motionsync/define"
	"motionsync/device"
	"motionsync/scheduler"
)

// ===== 通用响应模型 =====

// ApiResponse 统一 API 响应格式
type ApiResponse = define.ApiResponse

// ===== 设备管理相关模型 =====

// DeviceCreateRequest 创建设备请求，config 交给设备工厂解析
type DeviceCreateRequest struct {
	ID      string         `json:"id" binding:"required"`
	Model   string         `json:"model" binding:"required"`
	Config  map[string]any `json:"config"`
	Connect bool           `json:"connect,omitempty"`
}

// DeviceInfo 设备信息响应
type DeviceInfo struct {
	ID           string              `json:"id"`
	Model        string              `json:"model"`
	Name         string              `json:"name"`
	Capabilities device.Capabilities `json:"capabilities"`
	Preference   *device.Preference  `json:"preference,omitempty"`
	Status       device.DeviceStatus `json:"status"`
}

// DeviceListResponse 设备列表响应
type DeviceListResponse struct {
	Devices []DeviceInfo `json:"devices"`
	Total   int          `json:"total"`
}

// ===== 脚本与播放相关模型 =====

// ScriptLoadRequest 脚本加载请求：source 为文件路径或 URL，content 为脚本原文
type ScriptLoadRequest struct {
	Source  string `json:"source,omitempty"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ScriptInfo 已加载脚本的概要
type ScriptInfo struct {
	ID         string `json:"id"`
	LoadedFrom string `json:"loadedFrom"`
	Actions    int    `json:"actions"`
	DurationMs int    `json:"durationMs"`
	Inverted   bool   `json:"inverted"`
}

// PlaybackStartRequest 开始播放请求
type PlaybackStartRequest struct {
	TimeMs       int     `json:"timeMs"`
	PlaybackRate float64 `json:"playbackRate"`
	Loop         bool    `json:"loop"`
}

// PlaybackSyncRequest 校时请求
type PlaybackSyncRequest struct {
	TimeMs int     `json:"timeMs"`
	Filter float64 `json:"filter"`
}

// ===== 系统相关模型 =====

// SupportedModelsResponse 支持的设备型号响应
type SupportedModelsResponse struct {
	Models []string `json:"models"`
	Total  int      `json:"total"`
}

// SystemStatusResponse 系统状态响应
type SystemStatusResponse struct {
	TotalDevices     int                           `json:"totalDevices"`
	ConnectedDevices int                           `json:"connectedDevices"`
	SupportedModels  []string                      `json:"supportedModels"`
	Playback         scheduler.Status              `json:"playback"`
	Streaming        *StreamingStatus              `json:"streaming,omitempty"`
	ClockEstimates   map[string]clocksync.Estimate `json:"clockEstimates"`
	Uptime           time.Duration                 `json:"uptime"`
}

// StreamingStatus 流式服务连接状态
type StreamingStatus struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
}

// ScanRequest 扫描开关请求
type ScanRequest struct {
	Enabled bool `json:"enabled"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}
