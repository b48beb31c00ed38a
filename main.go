package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"motionsync/api"
	"motionsync/cli"
	"motionsync/clocksync"
	"motionsync/config"
	"motionsync/device"
	"motionsync/device/models"
	"motionsync/scheduler"
	"motionsync/script"
)

const shutdownTimeout = 5 * time.Second

// 初始化服务
func initService() {
	log.Printf("🔧 服务配置：")
	log.Printf("   - Web 端口: %s", config.Config.Server.Port)
	log.Printf("   - tick 间隔: %dms", config.Config.Playback.TickIntervalMs)
	log.Printf("   - 结束宽限: %dms", config.Config.Playback.EndToleranceMs)
	if config.Config.Streaming.Enabled {
		log.Printf("   - 流式服务: %s", config.Config.Streaming.URL)
	}
	log.Printf("   - 云端设备: %d 个", len(config.Config.CloudDevices))
}

func printUsage() {
	fmt.Println("Motion Script Sync Service")
	fmt.Println("Usage:")
	fmt.Println("  -config string          配置文件路径 (default: motionsync.yaml)")
	fmt.Println("  -port string            Web 服务的端口 (default: 9099)")
	fmt.Println("  -streaming-url string   流式设备服务的 WebSocket 地址")
	fmt.Println("  -script string          启动时加载的脚本文件或 URL")
	fmt.Println("  -cors-origins string    允许跨域的来源，用逗号分隔")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  MOTIONSYNC_CONFIG              配置文件路径")
	fmt.Println("  MOTIONSYNC_PORT                Web 服务的端口")
	fmt.Println("  MOTIONSYNC_STREAMING_URL       流式设备服务的 WebSocket 地址")
	fmt.Println("  MOTIONSYNC_SCRIPT              启动时加载的脚本")
	fmt.Println("  MOTIONSYNC_CORS_ORIGINS        允许跨域的来源")
	fmt.Println("  MOTIONSYNC_TICK_INTERVAL_MS    调度 tick 间隔")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  ./motionsync -streaming-url ws://127.0.0.1:12345 -script demo.funscript")
	fmt.Println("  MOTIONSYNC_PORT=8080 ./motionsync -config motionsync.yaml")
}

func main() {
	// 检查是否请求帮助
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		printUsage()
		return
	}

	// 解析配置
	cfg, err := cli.ParseConfig()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	config.Config = cfg

	log.Printf("🚀 启动脚本同步服务")
	initService()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := device.NewEventHub()
	manager := device.NewDeviceManager(hub)
	manager.SetPreferenceOverrides(cfg.Preferences)

	syncer := clocksync.New(config.ClockSyncConfig(*cfg))
	models.RegisterDeviceTypes(syncer, nil)

	// 创建配置中的云端设备
	for _, d := range cfg.CloudDevices {
		dev, err := device.CreateDevice("cloud", config.CloudDeviceParams(d, cfg.ClockSync))
		if err != nil {
			log.Printf("❌ 创建云端设备 %s 失败: %v", d.ID, err)
			continue
		}
		if err := manager.OnDeviceAdded(dev); err != nil {
			log.Printf("❌ 注册云端设备 %s 失败: %v", d.ID, err)
			continue
		}
		go func(dev device.Session) {
			connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := dev.Connect(connectCtx); err != nil {
				log.Printf("⚠️ 云端设备 %s 连接失败: %v", dev.GetID(), err)
			}
		}(dev)
	}

	sched := scheduler.New(config.SchedulerConfig(*cfg), manager, hub)

	serverOpts := []api.Option{api.WithTimelineOptions(config.TimelineOptions(*cfg))}
	var streamingHub *models.StreamingHub
	if cfg.Streaming.Enabled {
		streamingHub = models.NewStreamingHub(config.StreamingConfig(*cfg), manager, nil)
		serverOpts = append(serverOpts, api.WithStreaming(streamingHub))
		go func() {
			if err := streamingHub.Connect(ctx); err != nil {
				log.Printf("⚠️ 连接流式服务失败: %v", err)
			}
		}()
	}

	server := api.NewServer(manager, sched, syncer, serverOpts...)

	// 预加载脚本
	if cfg.ScriptSource != "" {
		doc, err := script.Load(ctx, cfg.ScriptSource)
		if err != nil {
			log.Printf("❌ 加载脚本 %s 失败: %v", cfg.ScriptSource, err)
		} else if _, err := server.LoadScript(ctx, doc); err != nil {
			log.Printf("❌ 构建时间轴失败: %v", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewEngine(server, cfg.Server.CorsOrigins),
	}

	go func() {
		log.Printf("🌐 服务运行在 http://localhost:%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ 服务启动失败: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		log.Printf("⚠️ 停止播放时出错: %v", err)
	}
	// 先关闭事件流，SSE 连接才会结束
	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ 关闭 HTTP 服务失败: %v", err)
	}
	if streamingHub != nil {
		if err := streamingHub.Close(); err != nil {
			log.Printf("⚠️ 关闭流式服务连接失败: %v", err)
		}
	}
	manager.DisconnectAll()
	log.Println("✅ 服务已退出")
}
