// Package devicetest 提供内存中的 device.Session 实现，供调度器和 API 测试使用。
package devicetest

import (
	"context"
	"sync"
	"time"

	"motionsync/define"
	"motionsync/device"
	"motionsync/timeline"
)

// SendCall 一次 Send 调用的记录
type SendCall struct {
	Commands []device.Command
	At       time.Time
}

// Session 记录所有调用的假会话
type Session struct {
	ID    string
	Model string
	Caps  device.Capabilities

	SendErr    error
	StopErr    error
	ConnectErr error
	// SendDelay 模拟慢设备
	SendDelay time.Duration

	mu       sync.Mutex
	state    define.ConnState
	sends    []SendCall
	stops    int
	started  []int
	synced   []int
	emitter  *device.Emitter
	sendHook func([]device.Command)
}

// NewSession 创建一个已连接、只有线性执行器的假会话
func NewSession(id string) *Session {
	return &Session{
		ID:      id,
		Model:   "fake",
		Caps:    device.NewCapabilities([]device.Feature{{Kind: define.ActuatorLinear, Index: 0}}),
		state:   define.ConnConnected,
		emitter: device.NewEmitter(id, 16),
	}
}

// OnSend 每次 Send 时回调
func (s *Session) OnSend(hook func([]device.Command)) {
	s.mu.Lock()
	s.sendHook = hook
	s.mu.Unlock()
}

func (s *Session) GetID() string    { return s.ID }
func (s *Session) GetModel() string { return s.Model }
func (s *Session) GetName() string  { return "Fake " + s.ID }

func (s *Session) Connect(ctx context.Context) error {
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.SetState(define.ConnConnected)
	return nil
}

func (s *Session) Disconnect() error {
	s.SetState(define.ConnDisconnected)
	return nil
}

// SetState 修改连接状态并发出事件
func (s *Session) SetState(state define.ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.emitter.ConnectionState(state, nil)
}

func (s *Session) State() define.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Capabilities() device.Capabilities { return s.Caps }

func (s *Session) Send(ctx context.Context, cmds []device.Command) error {
	if s.SendDelay > 0 {
		select {
		case <-time.After(s.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.sends = append(s.sends, SendCall{Commands: append([]device.Command(nil), cmds...), At: time.Now()})
	hook := s.sendHook
	s.mu.Unlock()
	if hook != nil {
		hook(cmds)
	}
	return s.SendErr
}

func (s *Session) StopDevice(ctx context.Context) error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return s.StopErr
}

func (s *Session) Events() <-chan device.Event { return s.emitter.Events() }

// Emit 模拟会话主动发出的事件
func (s *Session) Emit(ev device.Event) { s.emitter.Emit(ev) }

func (s *Session) GetStatus() device.DeviceStatus {
	return device.DeviceStatus{State: s.State(), LastUpdate: time.Now()}
}

// Sends 返回 Send 调用记录的副本
func (s *Session) Sends() []SendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendCall(nil), s.sends...)
}

// Stops 返回 StopDevice 被调用的次数
func (s *Session) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// AwareSession 额外实现 device.PlaybackAware 的假会话
type AwareSession struct {
	*Session
}

func NewAwareSession(id string) *AwareSession {
	return &AwareSession{Session: NewSession(id)}
}

func (s *AwareSession) PlaybackStarted(ctx context.Context, tl *timeline.Timeline, startMs int, rate float64, loop bool) error {
	s.mu.Lock()
	s.started = append(s.started, startMs)
	s.mu.Unlock()
	return nil
}

func (s *AwareSession) PlaybackSynced(ctx context.Context, timeMs int, filter float64) error {
	s.mu.Lock()
	s.synced = append(s.synced, timeMs)
	s.mu.Unlock()
	return nil
}

// Started 返回 PlaybackStarted 收到的起始时间
func (s *AwareSession) Started() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.started...)
}

// Synced 返回 PlaybackSynced 收到的时间
func (s *AwareSession) Synced() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.synced...)
}

var (
	_ device.Session       = (*Session)(nil)
	_ device.PlaybackAware = (*AwareSession)(nil)
)
