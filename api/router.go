package api

import (
	"context"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"motionsync/clocksync"
	"motionsync/device"
	"motionsync/scheduler"
	"motionsync/timeline"
)

// StreamingController 流式服务的连接管理，未启用时为 nil
type StreamingController interface {
	URL() string
	Connected() bool
	Connect(ctx context.Context) error
	SetScanning(ctx context.Context, on bool) error
}

// Server API 服务器结构体
type Server struct {
	deviceManager *device.DeviceManager
	scheduler     *scheduler.Scheduler
	syncer        *clocksync.Synchronizer
	streaming     StreamingController
	timelineOpts  timeline.Options
	startTime     time.Time
	version       string

	mutex  sync.RWMutex
	script *ScriptInfo
}

// Option 修改 Server 的可选组件
type Option func(*Server)

// WithStreaming 挂载流式服务控制
func WithStreaming(ctrl StreamingController) Option {
	return func(s *Server) { s.streaming = ctrl }
}

// WithTimelineOptions 指定脚本构建时间轴时的参数
func WithTimelineOptions(opts timeline.Options) Option {
	return func(s *Server) { s.timelineOpts = opts }
}

// NewServer 创建新的 API 服务器实例
func NewServer(deviceManager *device.DeviceManager, sched *scheduler.Scheduler, syncer *clocksync.Synchronizer, opts ...Option) *Server {
	s := &Server{
		deviceManager: deviceManager,
		scheduler:     sched,
		syncer:        syncer,
		timelineOpts:  timeline.DefaultOptions(),
		startTime:     time.Now(),
		version:       "1.0.0",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewEngine 创建带 CORS 的 gin 引擎并注册路由
func NewEngine(s *Server, allowOrigins []string) *gin.Engine {
	r := gin.Default()

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowOrigins) == 0 || (len(allowOrigins) == 1 && allowOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = allowOrigins
		corsCfg.AllowCredentials = true
	}
	r.Use(cors.New(corsCfg))

	s.SetupRoutes(r)
	return r
}

// SetupRoutes 设置 API 路由
func (s *Server) SetupRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		// 设备管理路由
		devices := v1.Group("/devices")
		{
			devices.GET("", s.handleGetDevices)                         // 获取所有设备列表
			devices.POST("", s.handleCreateDevice)                      // 创建新设备
			devices.GET("/:deviceId", s.handleGetDevice)                // 获取设备详情
			devices.DELETE("/:deviceId", s.handleDeleteDevice)          // 删除设备
			devices.POST("/:deviceId/connect", s.handleConnectDevice)   // 连接设备
			devices.POST("/:deviceId/disconnect", s.handleDisconnect)   // 断开设备
			devices.POST("/:deviceId/stop", s.handleStopDevice)         // 让设备停止
			devices.GET("/:deviceId/preference", s.handleGetPreference) // 获取偏好
			devices.PUT("/:deviceId/preference", s.handleSetPreference) // 更新偏好
		}

		// 脚本与播放路由
		v1.POST("/script", s.handleLoadScript) // 加载脚本
		v1.GET("/script", s.handleGetScript)   // 当前脚本概要

		playback := v1.Group("/playback")
		{
			playback.POST("/start", s.handleStartPlayback)  // 开始播放
			playback.POST("/sync", s.handleSyncPlayback)    // 校时
			playback.POST("/stop", s.handleStopPlayback)    // 停止播放
			playback.GET("/status", s.handlePlaybackStatus) // 播放状态
		}

		// 流式服务路由
		streaming := v1.Group("/streaming")
		{
			streaming.GET("", s.handleStreamingStatus)           // 连接状态
			streaming.POST("/connect", s.handleStreamingConnect) // 重新连接
			streaming.POST("/scan", s.handleStreamingScan)       // 扫描开关
		}

		// 事件流
		v1.GET("/events", s.handleEvents)

		// 系统管理路由
		system := v1.Group("/system")
		{
			system.GET("/models", s.handleGetSupportedModels) // 获取支持的设备型号
			system.GET("/status", s.handleGetSystemStatus)    // 获取系统状态
			system.GET("/clock", s.handleClockEstimates)      // 时钟偏移估计
			system.GET("/health", s.handleHealthCheck)        // 健康检查
		}
	}
}
