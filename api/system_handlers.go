package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"motionsync/define"
	"motionsync/device"
)

// handleGetSupportedModels 获取支持的设备型号
func (s *Server) handleGetSupportedModels(c *gin.Context) {
	models := device.GetSupportedModels()
	respondOK(c, "", SupportedModelsResponse{
		Models: models,
		Total:  len(models),
	})
}

// handleGetSystemStatus 获取系统状态
func (s *Server) handleGetSystemStatus(c *gin.Context) {
	devices := s.deviceManager.GetAllDevices()
	connected := 0
	for _, dev := range devices {
		if dev.State() == define.ConnConnected {
			connected++
		}
	}

	respondOK(c, "", SystemStatusResponse{
		TotalDevices:     len(devices),
		ConnectedDevices: connected,
		SupportedModels:  device.GetSupportedModels(),
		Playback:         s.scheduler.Status(),
		Streaming:        s.streamingStatus(),
		ClockEstimates:   s.syncer.Estimates(),
		Uptime:           time.Since(s.startTime),
	})
}

// handleClockEstimates 各个端点的时钟偏移估计
func (s *Server) handleClockEstimates(c *gin.Context) {
	respondOK(c, "", s.syncer.Estimates())
}

func (s *Server) streamingStatus() *StreamingStatus {
	if s.streaming == nil {
		return nil
	}
	return &StreamingStatus{URL: s.streaming.URL(), Connected: s.streaming.Connected()}
}

// handleStreamingStatus 流式服务连接状态
func (s *Server) handleStreamingStatus(c *gin.Context) {
	status := s.streamingStatus()
	if status == nil {
		respondError(c, http.StatusNotFound, "未启用流式服务")
		return
	}
	respondOK(c, "", status)
}

// handleStreamingConnect 连接或重新连接流式服务
func (s *Server) handleStreamingConnect(c *gin.Context) {
	if s.streaming == nil {
		respondError(c, http.StatusNotFound, "未启用流式服务")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceRequestTimeout)
	defer cancel()
	if err := s.streaming.Connect(ctx); err != nil {
		respondError(c, statusForError(err), fmt.Sprintf("连接流式服务失败：%v", err))
		return
	}
	respondOK(c, "流式服务已连接", s.streamingStatus())
}

// handleStreamingScan 开始或停止扫描设备
func (s *Server) handleStreamingScan(c *gin.Context) {
	if s.streaming == nil {
		respondError(c, http.StatusNotFound, "未启用流式服务")
		return
	}

	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的扫描请求："+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceRequestTimeout)
	defer cancel()
	if err := s.streaming.SetScanning(ctx, req.Enabled); err != nil {
		respondError(c, statusForError(err), fmt.Sprintf("设置扫描失败：%v", err))
		return
	}

	msg := "已停止扫描"
	if req.Enabled {
		msg = "已开始扫描"
	}
	respondOK(c, msg, nil)
}

// handleHealthCheck 健康检查
func (s *Server) handleHealthCheck(c *gin.Context) {
	status := "healthy"
	if s.deviceManager == nil || s.scheduler == nil {
		status = "unhealthy"
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Version:   s.version,
	}

	httpStatus := http.StatusOK
	if status != "healthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, ApiResponse{
		Status: "success",
		Data:   response,
	})
}
