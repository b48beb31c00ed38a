package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"motionsync/clocksync"
	"motionsync/define"
	"motionsync/device/models"
	"motionsync/scheduler"
	"motionsync/timeline"
)

// Config 全局配置，启动时由 cli.ParseConfig 设置
var Config *define.Config

// DefaultConfig 没有配置文件时使用的默认值
func DefaultConfig() define.Config {
	return define.Config{
		Server: define.ServerConfig{
			Port:        "9099",
			CorsOrigins: []string{"*"},
		},
		Playback: define.PlaybackConfig{
			TickIntervalMs:    int(scheduler.DefaultTickInterval / time.Millisecond),
			EndToleranceMs:    timeline.DefaultEndToleranceMs,
			MinTravelMs:       timeline.DefaultMinTravelMs,
			FirstTravelMs:     timeline.DefaultFirstTravelMs,
			DispatchTimeoutMs: int(scheduler.DefaultDispatchTimeout / time.Millisecond),
			QueueSize:         scheduler.DefaultQueueSize,
		},
		ClockSync: define.ClockSyncConfig{
			Samples:         clocksync.DefaultSamples,
			KeepRatio:       clocksync.DefaultKeepRatio,
			SampleTimeoutMs: 2000,
		},
		Streaming: define.StreamingConfig{
			URL:              "ws://127.0.0.1:12345",
			ClientName:       "motionsync",
			Scan:             true,
			RequestTimeoutMs: 5000,
		},
		Preferences: map[string]define.PreferenceConfig{},
	}
}

// Load 读取 YAML 配置文件，文件不存在时返回默认配置
func Load(path string) (define.Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return define.Config{}, fmt.Errorf("读取配置文件失败：%w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return define.Config{}, fmt.Errorf("解析配置文件失败：%w", err)
	}
	if err := Normalize(&cfg); err != nil {
		return define.Config{}, err
	}
	return cfg, nil
}

// Normalize 补齐缺失的字段并检查设备配置
func Normalize(cfg *define.Config) error {
	def := DefaultConfig()
	if cfg.Server.Port == "" {
		cfg.Server.Port = def.Server.Port
	}
	if len(cfg.Server.CorsOrigins) == 0 {
		cfg.Server.CorsOrigins = def.Server.CorsOrigins
	}

	p := &cfg.Playback
	if p.TickIntervalMs <= 0 {
		p.TickIntervalMs = def.Playback.TickIntervalMs
	}
	if p.EndToleranceMs <= 0 {
		p.EndToleranceMs = def.Playback.EndToleranceMs
	}
	if p.MinTravelMs <= 0 {
		p.MinTravelMs = def.Playback.MinTravelMs
	}
	if p.FirstTravelMs <= 0 {
		p.FirstTravelMs = def.Playback.FirstTravelMs
	}
	if p.DispatchTimeoutMs <= 0 {
		p.DispatchTimeoutMs = def.Playback.DispatchTimeoutMs
	}
	if p.QueueSize <= 0 {
		p.QueueSize = def.Playback.QueueSize
	}

	c := &cfg.ClockSync
	if c.Samples <= 0 {
		c.Samples = def.ClockSync.Samples
	}
	if c.KeepRatio <= 0 || c.KeepRatio > 1 {
		c.KeepRatio = def.ClockSync.KeepRatio
	}
	if c.SampleTimeoutMs <= 0 {
		c.SampleTimeoutMs = def.ClockSync.SampleTimeoutMs
	}

	if cfg.Streaming.ClientName == "" {
		cfg.Streaming.ClientName = def.Streaming.ClientName
	}
	if cfg.Streaming.RequestTimeoutMs <= 0 {
		cfg.Streaming.RequestTimeoutMs = def.Streaming.RequestTimeoutMs
	}
	if cfg.Streaming.Enabled && cfg.Streaming.URL == "" {
		return errors.New("启用流式服务时必须配置 streaming.url")
	}

	seen := make([]string, 0, len(cfg.CloudDevices))
	for i, d := range cfg.CloudDevices {
		if d.ID == "" {
			return fmt.Errorf("第 %d 个云端设备缺少 id", i)
		}
		if slices.Contains(seen, d.ID) {
			return fmt.Errorf("云端设备 ID 重复：%s", d.ID)
		}
		seen = append(seen, d.ID)
		if d.BaseURL == "" {
			return fmt.Errorf("云端设备 %s 缺少 base_url", d.ID)
		}
		if d.ConnectionKey == "" {
			return fmt.Errorf("云端设备 %s 缺少 connection_key", d.ID)
		}
		if d.Mode == "" {
			cfg.CloudDevices[i].Mode = models.ModeDirect
		} else if d.Mode != models.ModeDirect && d.Mode != models.ModeStream {
			return fmt.Errorf("云端设备 %s 的模式无效：%s", d.ID, d.Mode)
		}
	}

	if cfg.Preferences == nil {
		cfg.Preferences = map[string]define.PreferenceConfig{}
	}
	return nil
}

// TimelineOptions 构建时间轴使用的参数
func TimelineOptions(cfg define.Config) timeline.Options {
	return timeline.Options{
		MinTravelMs:   cfg.Playback.MinTravelMs,
		FirstTravelMs: cfg.Playback.FirstTravelMs,
	}
}

// SchedulerConfig 转换为调度器参数
func SchedulerConfig(cfg define.Config) scheduler.Config {
	return scheduler.Config{
		TickInterval:    time.Duration(cfg.Playback.TickIntervalMs) * time.Millisecond,
		EndToleranceMs:  cfg.Playback.EndToleranceMs,
		DispatchTimeout: time.Duration(cfg.Playback.DispatchTimeoutMs) * time.Millisecond,
		QueueSize:       cfg.Playback.QueueSize,
	}
}

// ClockSyncConfig 转换为时钟同步参数
func ClockSyncConfig(cfg define.Config) clocksync.Config {
	return clocksync.Config{
		Samples:       cfg.ClockSync.Samples,
		KeepRatio:     cfg.ClockSync.KeepRatio,
		SampleTimeout: time.Duration(cfg.ClockSync.SampleTimeoutMs) * time.Millisecond,
	}
}

// StreamingConfig 转换为流式服务参数
func StreamingConfig(cfg define.Config) models.StreamingConfig {
	return models.StreamingConfig{
		URL:            cfg.Streaming.URL,
		ClientName:     cfg.Streaming.ClientName,
		Scan:           cfg.Streaming.Scan,
		RequestTimeout: time.Duration(cfg.Streaming.RequestTimeoutMs) * time.Millisecond,
	}
}

// CloudDeviceParams 生成设备工厂使用的参数表
func CloudDeviceParams(d define.CloudDeviceConfig, clockSync define.ClockSyncConfig) map[string]any {
	params := map[string]any{
		"id":             d.ID,
		"name":           d.Name,
		"base_url":       d.BaseURL,
		"connection_key": d.ConnectionKey,
		"app_key":        d.AppKey,
		"mode":           d.Mode,
		"buffer": models.BufferOptions{
			LookaheadMs:       d.BufferLookaheadMs,
			Batch:             d.BufferBatch,
			StarvingThreshold: d.BufferStarvingLimit,
		},
	}
	if d.LivenessIntervalMs > 0 {
		params["liveness_interval"] = time.Duration(d.LivenessIntervalMs) * time.Millisecond
	}
	if d.RequestTimeoutMs > 0 {
		params["request_timeout"] = time.Duration(d.RequestTimeoutMs) * time.Millisecond
	}
	if clockSync.ResyncIntervalMs > 0 {
		params["resync_interval"] = time.Duration(clockSync.ResyncIntervalMs) * time.Millisecond
	}
	return params
}
