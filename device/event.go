package device

import (
	"sync"
	"time"

	"motionsync/define"
)

// EventType 事件类型
type EventType string

const (
	EventConnectionState EventType = "connection_state"
	EventPlaybackState   EventType = "playback_state"
	EventDeviceAdded     EventType = "device_added"
	EventDeviceRemoved   EventType = "device_removed"
	EventDispatchError   EventType = "dispatch_error"
	EventError           EventType = "error"
	EventDeviceStatus    EventType = "device_status"
)

// Event 会话或调度器发出的离散事件
type Event struct {
	Type      EventType        `json:"type"`
	DeviceID  string           `json:"deviceId,omitempty"`
	State     define.ConnState `json:"state"`
	PlayState define.PlayState `json:"playState"`
	Message   string           `json:"message,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
	Err       error            `json:"-"`
	Time      time.Time        `json:"time"`
}

// ErrorText 错误描述，便于序列化
func (e Event) ErrorText() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// EventHub 把各个会话的事件汇总为一个可订阅的流
type EventHub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewEventHub() *EventHub { return &EventHub{subs: make(map[int]chan Event)} }

// Publish 非阻塞地发给所有订阅者，订阅者来不及消费时丢弃
func (h *EventHub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe 返回事件通道和取消函数
func (h *EventHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Close 关闭所有订阅
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Emitter 会话内部使用的事件出口，缓冲区满时丢弃，保证发送方不会阻塞
type Emitter struct {
	deviceID string
	ch       chan Event
}

func NewEmitter(deviceID string, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 32
	}
	return &Emitter{deviceID: deviceID, ch: make(chan Event, buffer)}
}

func (e *Emitter) Events() <-chan Event { return e.ch }

func (e *Emitter) Emit(ev Event) {
	if ev.DeviceID == "" {
		ev.DeviceID = e.deviceID
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case e.ch <- ev:
	default:
	}
}

func (e *Emitter) ConnectionState(state define.ConnState, err error) {
	e.Emit(Event{Type: EventConnectionState, State: state, Err: err})
}
