// motionplay 不启动 HTTP 服务，直接连接设备并播放一个脚本，播放结束或收到中断信号后退出。
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"motionsync/clocksync"
	"motionsync/config"
	"motionsync/device"
	"motionsync/device/models"
	"motionsync/scheduler"
	"motionsync/script"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "motionsync.yaml", "配置文件路径")
	scriptSource := flag.String("script", "", "要播放的脚本文件或 URL")
	streamingURL := flag.String("streaming-url", "", "流式设备服务的 WebSocket 地址")
	startMs := flag.Int("start", 0, "起始位置 (毫秒)")
	rate := flag.Float64("rate", 1, "播放速率")
	loop := flag.Bool("loop", false, "循环播放")
	discovery := flag.Duration("discovery", 5*time.Second, "等待设备出现的时间")
	flag.Parse()

	if *scriptSource == "" {
		log.Fatal("❌ 需要通过 -script 指定脚本")
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	if *streamingURL != "" {
		cfg.Streaming.Enabled = true
		cfg.Streaming.URL = *streamingURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 创建设备管理器
	manager := device.NewDeviceManager(nil)
	manager.SetPreferenceOverrides(cfg.Preferences)
	syncer := clocksync.New(config.ClockSyncConfig(cfg))
	models.RegisterDeviceTypes(syncer, nil)

	// 创建并连接云端设备
	for _, d := range cfg.CloudDevices {
		dev, err := device.CreateDevice("cloud", config.CloudDeviceParams(d, cfg.ClockSync))
		if err != nil {
			log.Printf("❌ 创建设备 %s 失败: %v", d.ID, err)
			continue
		}
		if err := manager.OnDeviceAdded(dev); err != nil {
			log.Printf("❌ 注册设备 %s 失败: %v", d.ID, err)
			continue
		}
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := dev.Connect(connectCtx); err != nil {
			log.Printf("⚠️ 连接设备 %s 失败: %v", d.ID, err)
		}
		cancel()
	}

	var streamingHub *models.StreamingHub
	if cfg.Streaming.Enabled {
		streamingHub = models.NewStreamingHub(config.StreamingConfig(cfg), manager, nil)
		if err := streamingHub.Connect(ctx); err != nil {
			log.Printf("⚠️ 连接流式服务失败: %v", err)
		}
	}

	defer func() {
		if streamingHub != nil {
			if err := streamingHub.Close(); err != nil {
				log.Printf("⚠️ 关闭流式服务连接失败: %v", err)
			}
		}
		manager.DisconnectAll()
	}()

	if !waitForTargets(ctx, manager, *discovery) {
		log.Println("❌ 没有可用的设备")
		return
	}

	// 加载脚本
	doc, err := script.Load(ctx, *scriptSource)
	if err != nil {
		log.Printf("❌ 加载脚本失败: %v", err)
		return
	}
	tl, err := doc.Timeline(config.TimelineOptions(cfg))
	if err != nil {
		log.Printf("❌ 构建时间轴失败: %v", err)
		return
	}

	events, unsubscribe := manager.Hub().Subscribe(64)
	defer unsubscribe()

	sched := scheduler.New(config.SchedulerConfig(cfg), manager, manager.Hub())
	if err := sched.Load(ctx, tl); err != nil {
		log.Printf("❌ 加载时间轴失败: %v", err)
		return
	}
	if err := sched.Start(*startMs, *rate, *loop); err != nil {
		log.Printf("❌ 开始播放失败: %v", err)
		return
	}

	// 等待播放结束或中断信号
	waitForFinish(ctx, events)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Printf("⚠️ 停止播放时出错: %v", err)
	}
	log.Println("✅ 已退出")
}

// waitForTargets 等待至少一个已连接且启用的设备
func waitForTargets(ctx context.Context, manager *device.DeviceManager, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if targets := manager.Targets(); len(targets) > 0 {
			log.Printf("🔍 发现 %d 个可用设备", len(targets))
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

func waitForFinish(ctx context.Context, events <-chan device.Event) {
	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 收到中断信号")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case device.EventPlaybackState:
				if ev.Message == "finished" {
					return
				}
			case device.EventDispatchError, device.EventError:
				log.Printf("⚠️ %s: %s", ev.DeviceID, ev.ErrorText())
			}
		}
	}
}
