package device

import (
	"context"
	"time"

	"motionsync/define"
	"motionsync/timeline"
)

// Session 代表一个已发现的设备会话，协议细节由具体实现负责
type Session interface {
	GetID() string                                  // 获取设备唯一标识
	GetModel() string                               // 获取会话类型 (例如 "streaming", "cloud")
	GetName() string                                // 设备显示名称
	Connect(ctx context.Context) error              // 连接设备
	Disconnect() error                              // 断开设备连接，总是成功
	State() define.ConnState                        // 当前连接状态
	Capabilities() Capabilities                     // 连接期间不变的能力集合
	Send(ctx context.Context, cmds []Command) error // 发送一组原始指令
	StopDevice(ctx context.Context) error           // 让设备安全停止
	Events() <-chan Event                           // 会话事件流
	GetStatus() DeviceStatus                        // 获取设备状态
}

// PlaybackAware 支持自行缓冲播放的会话实现该接口，调度器在开始和校时时通知它
type PlaybackAware interface {
	PlaybackStarted(ctx context.Context, tl *timeline.Timeline, startMs int, rate float64, loop bool) error
	PlaybackSynced(ctx context.Context, timeMs int, filter float64) error
}

// DeviceStatus 代表设备状态
type DeviceStatus struct {
	State      define.ConnState `json:"state"`
	PlayState  define.PlayState `json:"playState"`
	LastUpdate time.Time        `json:"lastUpdate"`
	ErrorCount int              `json:"errorCount"`
	LastError  string           `json:"lastError,omitempty"`
}
