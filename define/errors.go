package define

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("device not connected")
	ErrEmptyTimeline    = errors.New("timeline has no actions")
	ErrNoActiveDevices  = errors.New("no enabled device session")
	ErrNoClockSample    = errors.New("no usable clock sample")
)

// ConnectionError 握手或传输层失败，会话保持或回到 Disconnected
type ConnectionError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("设备 %s %s 连接失败：%v", e.DeviceID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError 报文格式错误或被对端拒绝，只影响单次调用
type ProtocolError struct {
	Op   string
	Code int
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s 协议错误 (code %d)：%v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s 协议错误：%v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimelineError 脚本为空或无效，播放在第一次 tick 之前被拒绝
type TimelineError struct {
	Source string
	Err    error
}

func (e *TimelineError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("时间轴无效：%v", e.Err)
	}
	return fmt.Sprintf("时间轴 %s 无效：%v", e.Source, e.Err)
}

func (e *TimelineError) Unwrap() error { return e.Err }

// CommandDispatchError 单个设备上的单条指令失败，不影响其他设备和调度循环
type CommandDispatchError struct {
	DeviceID    string
	ActionIndex int
	Err         error
}

func (e *CommandDispatchError) Error() string {
	return fmt.Sprintf("设备 %s 指令发送失败 (action %d)：%v", e.DeviceID, e.ActionIndex, e.Err)
}

func (e *CommandDispatchError) Unwrap() error { return e.Err }
