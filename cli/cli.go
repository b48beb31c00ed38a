package cli

import (
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"motionsync/config"
	"motionsync/define"
)

// 解析配置：.env → 配置文件 → 命令行参数 → 环境变量
func ParseConfig() (*define.Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) (*define.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ 未找到 .env 文件，使用系统环境变量")
	}

	var (
		configPath   string
		port         string
		streamingURL string
		scriptSource string
		corsOrigins  string
	)
	fs.StringVar(&configPath, "config", "motionsync.yaml", "配置文件路径")
	fs.StringVar(&port, "port", "", "Web 服务的端口")
	fs.StringVar(&streamingURL, "streaming-url", "", "流式设备服务的 WebSocket 地址，设置后自动启用")
	fs.StringVar(&scriptSource, "script", "", "启动时加载的脚本文件或 URL")
	fs.StringVar(&corsOrigins, "cors-origins", "", "允许跨域的来源，用逗号分隔")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if envPath := os.Getenv("MOTIONSYNC_CONFIG"); envPath != "" {
		configPath = envPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	// 命令行参数覆盖配置文件
	if port != "" {
		cfg.Server.Port = port
	}
	if streamingURL != "" {
		cfg.Streaming.Enabled = true
		cfg.Streaming.URL = streamingURL
	}
	cfg.ScriptSource = scriptSource

	// 环境变量覆盖命令行参数
	if envPort := os.Getenv("MOTIONSYNC_PORT"); envPort != "" {
		cfg.Server.Port = envPort
	}
	if envURL := os.Getenv("MOTIONSYNC_STREAMING_URL"); envURL != "" {
		cfg.Streaming.Enabled = true
		cfg.Streaming.URL = envURL
	}
	if envScript := os.Getenv("MOTIONSYNC_SCRIPT"); envScript != "" {
		cfg.ScriptSource = envScript
	}
	if envOrigins := os.Getenv("MOTIONSYNC_CORS_ORIGINS"); envOrigins != "" {
		corsOrigins = envOrigins
	}
	if envTick := os.Getenv("MOTIONSYNC_TICK_INTERVAL_MS"); envTick != "" {
		if v, err := strconv.Atoi(envTick); err == nil && v > 0 {
			cfg.Playback.TickIntervalMs = v
		} else {
			log.Printf("⚠️ 忽略无效的 MOTIONSYNC_TICK_INTERVAL_MS: %s", envTick)
		}
	}

	// 解析跨域来源
	if corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		cfg.Server.CorsOrigins = cfg.Server.CorsOrigins[:0]
		for _, origin := range origins {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.CorsOrigins = append(cfg.Server.CorsOrigins, origin)
			}
		}
	}

	if err := config.Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
