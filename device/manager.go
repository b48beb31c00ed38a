package device

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"motionsync/define"
)

// Target 调度器在一个 tick 内使用的会话与偏好快照
type Target struct {
	Session    Session
	Preference Preference
}

type managedSession struct {
	session Session
	stop    chan struct{}
}

// DeviceManager 管理设备会话和用户偏好，并把会话事件汇总到 EventHub
type DeviceManager struct {
	devices     map[string]*managedSession
	preferences map[string]Preference
	overrides   map[string]define.PreferenceConfig
	hub         *EventHub
	mutex       sync.RWMutex
}

func NewDeviceManager(hub *EventHub) *DeviceManager {
	if hub == nil {
		hub = NewEventHub()
	}
	return &DeviceManager{
		devices:     make(map[string]*managedSession),
		preferences: make(map[string]Preference),
		overrides:   make(map[string]define.PreferenceConfig),
		hub:         hub,
	}
}

// SetPreferenceOverrides 设置配置文件中的偏好覆盖，设备首次出现时叠加在默认偏好上
func (m *DeviceManager) SetPreferenceOverrides(overrides map[string]define.PreferenceConfig) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id, o := range overrides {
		m.overrides[id] = o
	}
}

// Hub 返回事件汇总器
func (m *DeviceManager) Hub() *EventHub { return m.hub }

// OnDeviceAdded 注册新发现的设备，没有预设偏好时按能力生成默认偏好
func (m *DeviceManager) OnDeviceAdded(sess Session) error {
	m.mutex.Lock()
	id := sess.GetID()
	if _, exists := m.devices[id]; exists {
		m.mutex.Unlock()
		return fmt.Errorf("设备 %s 已存在", id)
	}

	managed := &managedSession{session: sess, stop: make(chan struct{})}
	m.devices[id] = managed
	if _, ok := m.preferences[id]; !ok {
		pref := DefaultPreference(sess.Capabilities())
		if o, ok := m.overrides[id]; ok {
			pref = pref.Apply(o)
		}
		m.preferences[id] = pref
	}
	m.mutex.Unlock()

	go m.forward(managed)

	m.hub.Publish(Event{
		Type:     EventDeviceAdded,
		DeviceID: id,
		Message:  sess.GetName(),
		Data:     map[string]any{"model": sess.GetModel(), "capabilities": sess.Capabilities()},
	})
	log.Printf("✅ 设备 %s (%s) 已注册", id, sess.GetModel())
	return nil
}

// OnDeviceRemoved 断开并移除设备；偏好保留，设备再次出现时沿用
func (m *DeviceManager) OnDeviceRemoved(id string) error {
	m.mutex.Lock()
	managed, exists := m.devices[id]
	if !exists {
		m.mutex.Unlock()
		return fmt.Errorf("设备 %s 不存在", id)
	}
	delete(m.devices, id)
	m.mutex.Unlock()

	if err := managed.session.Disconnect(); err != nil {
		log.Printf("⚠️ 移除设备 %s 时断开失败: %v", id, err)
	}
	close(managed.stop)

	m.hub.Publish(Event{Type: EventDeviceRemoved, DeviceID: id})
	log.Printf("🔌 设备 %s 已移除", id)
	return nil
}

// forward 把单个会话的事件转发到汇总器，直到设备被移除
func (m *DeviceManager) forward(managed *managedSession) {
	events := managed.session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.hub.Publish(ev)
		case <-managed.stop:
			return
		}
	}
}

// RegisterPreference 设置设备偏好，下一个 tick 生效
func (m *DeviceManager) RegisterPreference(id string, pref Preference) {
	m.mutex.Lock()
	m.preferences[id] = pref.Normalize()
	m.mutex.Unlock()
}

// Preference 返回设备偏好
func (m *DeviceManager) Preference(id string) (Preference, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	pref, ok := m.preferences[id]
	return pref, ok
}

func (m *DeviceManager) GetDevice(id string) (Session, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	managed, exists := m.devices[id]
	if !exists {
		return nil, fmt.Errorf("设备 %s 不存在", id)
	}
	return managed.session, nil
}

// GetAllDevices 按 ID 排序返回所有会话
func (m *DeviceManager) GetAllDevices() []Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	devices := make([]Session, 0, len(m.devices))
	for _, managed := range m.devices {
		devices = append(devices, managed.session)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].GetID() < devices[j].GetID() })
	return devices
}

// Targets 返回已连接且启用的会话及其偏好快照
func (m *DeviceManager) Targets() []Target {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	targets := make([]Target, 0, len(m.devices))
	for id, managed := range m.devices {
		pref := m.preferences[id]
		if !pref.Enabled {
			continue
		}
		if managed.session.State() != define.ConnConnected {
			continue
		}
		targets = append(targets, Target{Session: managed.session, Preference: pref})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Session.GetID() < targets[j].Session.GetID() })
	return targets
}

// DisconnectAll 断开所有会话，用于退出
func (m *DeviceManager) DisconnectAll() {
	for _, sess := range m.GetAllDevices() {
		if err := sess.Disconnect(); err != nil {
			log.Printf("⚠️ 断开设备 %s 失败: %v", sess.GetID(), err)
		}
	}
}
