package models

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"motionsync/communication"
	"motionsync/define"
	"motionsync/device"
)

// Registry 接收设备增删通知，device.DeviceManager 实现了它
type Registry interface {
	OnDeviceAdded(sess device.Session) error
	OnDeviceRemoved(id string) error
}

// StreamingConfig 流式服务连接参数
type StreamingConfig struct {
	URL            string
	ClientName     string
	Scan           bool
	RequestTimeout time.Duration
}

// StreamingHub 管理到流式服务的唯一连接，一个连接上挂多个设备会话
type StreamingHub struct {
	cfg      StreamingConfig
	registry Registry
	logger   *log.Logger

	connectMu sync.Mutex
	mu        sync.Mutex
	client    *communication.StreamingClient
	sessions  map[int]*StreamingSession
}

// NewStreamingHub 创建流式服务连接管理器
func NewStreamingHub(cfg StreamingConfig, registry Registry, logger *log.Logger) *StreamingHub {
	if cfg.ClientName == "" {
		cfg.ClientName = "motionsync"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &StreamingHub{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		sessions: make(map[int]*StreamingSession),
	}
}

// URL 流式服务地址
func (h *StreamingHub) URL() string { return h.cfg.URL }

// Connected 连接是否可用
func (h *StreamingHub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectedLocked()
}

func (h *StreamingHub) connectedLocked() bool {
	if h.client == nil {
		return false
	}
	select {
	case <-h.client.Done():
		return false
	default:
		return true
	}
}

// Connect 建立连接、握手并同步设备列表。已连接时直接返回
func (h *StreamingHub) Connect(ctx context.Context) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()
	if h.Connected() {
		return nil
	}

	client := communication.NewStreamingClient(h.cfg.URL, h.cfg.ClientName, h.logger)
	if _, err := client.Connect(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.client = client
	h.mu.Unlock()

	go h.watch(client)

	resp, err := h.request(ctx, client, communication.MsgRequestDeviceList, nil)
	if err != nil {
		_ = client.Close()
		return &define.ConnectionError{DeviceID: h.cfg.URL, Op: "device list", Err: err}
	}
	var list communication.DeviceList
	if err := resp.Decode(&list); err != nil {
		_ = client.Close()
		return &define.ConnectionError{DeviceID: h.cfg.URL, Op: "device list", Err: err}
	}
	for _, entry := range list.Devices {
		h.deviceAdded(entry)
	}

	if h.cfg.Scan {
		if _, err := h.request(ctx, client, communication.MsgStartScanning, nil); err != nil {
			h.logger.Printf("⚠️ 开始扫描失败: %v", err)
		}
	}

	h.logger.Printf("✅ 流式服务已就绪，发现 %d 个设备", len(list.Devices))
	return nil
}

func (h *StreamingHub) request(ctx context.Context, client *communication.StreamingClient, msgType string, fields any) (communication.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()
	return client.Request(ctx, msgType, fields)
}

// Request 在当前连接上发送请求，没有连接时返回 ErrNotConnected
func (h *StreamingHub) Request(ctx context.Context, msgType string, fields any) (communication.Message, error) {
	h.mu.Lock()
	client := h.client
	ok := h.connectedLocked()
	h.mu.Unlock()
	if !ok {
		return communication.Message{}, define.ErrNotConnected
	}
	return h.request(ctx, client, msgType, fields)
}

// StopAllDevices 让服务端停止所有设备
func (h *StreamingHub) StopAllDevices(ctx context.Context) error {
	_, err := h.Request(ctx, communication.MsgStopAllDevices, nil)
	return err
}

// SetScanning 打开或关闭设备扫描
func (h *StreamingHub) SetScanning(ctx context.Context, on bool) error {
	msgType := communication.MsgStopScanning
	if on {
		msgType = communication.MsgStartScanning
	}
	_, err := h.Request(ctx, msgType, nil)
	return err
}

// Session 按设备序号查找会话
func (h *StreamingHub) Session(index int) (*StreamingSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[index]
	return sess, ok
}

// Sessions 按序号排序返回所有会话
func (h *StreamingHub) Sessions() []*StreamingSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*StreamingSession, 0, len(h.sessions))
	for _, sess := range h.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// Close 停止所有设备并关闭连接
func (h *StreamingHub) Close() error {
	h.mu.Lock()
	client := h.client
	h.client = nil
	h.mu.Unlock()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()
	if _, err := client.Request(ctx, communication.MsgStopAllDevices, nil); err != nil {
		h.logger.Printf("⚠️ 关闭前停止所有设备失败: %v", err)
	}
	return client.Close()
}

// watch 处理推送消息；连接断开时把所有会话置为 Disconnected
func (h *StreamingHub) watch(client *communication.StreamingClient) {
	for {
		select {
		case msg := <-client.Push():
			h.handlePush(msg)
		case <-client.Done():
			h.connectionLost(client)
			return
		}
	}
}

func (h *StreamingHub) handlePush(msg communication.Message) {
	switch msg.Type {
	case communication.MsgDeviceAdded:
		var entry communication.DeviceEntry
		if err := msg.Decode(&entry); err != nil {
			h.logger.Printf("⚠️ %v", err)
			return
		}
		h.deviceAdded(entry)
	case communication.MsgDeviceRemoved:
		var body communication.DeviceRemoved
		if err := msg.Decode(&body); err != nil {
			h.logger.Printf("⚠️ %v", err)
			return
		}
		h.deviceRemoved(body.DeviceIndex)
	case communication.MsgScanningFinished:
		h.logger.Printf("🔍 设备扫描结束")
	default:
		h.logger.Printf("ℹ️ 忽略推送消息 %s", msg.Type)
	}
}

func (h *StreamingHub) deviceAdded(entry communication.DeviceEntry) {
	h.mu.Lock()
	sess, exists := h.sessions[entry.DeviceIndex]
	if !exists {
		sess = newStreamingSession(h, entry)
		h.sessions[entry.DeviceIndex] = sess
	}
	h.mu.Unlock()

	sess.setPresent(true)
	sess.setState(define.ConnConnected, nil)
	if exists || h.registry == nil {
		return
	}
	if err := h.registry.OnDeviceAdded(sess); err != nil {
		h.logger.Printf("⚠️ 注册设备 %s 失败: %v", sess.GetID(), err)
	}
}

func (h *StreamingHub) deviceRemoved(index int) {
	h.mu.Lock()
	sess, exists := h.sessions[index]
	delete(h.sessions, index)
	h.mu.Unlock()
	if !exists {
		return
	}

	sess.setPresent(false)
	sess.setState(define.ConnDisconnected, nil)
	if h.registry != nil {
		if err := h.registry.OnDeviceRemoved(sess.GetID()); err != nil {
			h.logger.Printf("⚠️ 移除设备 %s 失败: %v", sess.GetID(), err)
		}
	}
}

func (h *StreamingHub) connectionLost(client *communication.StreamingClient) {
	h.mu.Lock()
	if h.client == client {
		h.client = nil
	}
	sessions := make([]*StreamingSession, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	cause := client.Err()
	if errors.Is(cause, define.ErrConnectionClosed) {
		h.logger.Printf("🔌 流式服务连接已关闭")
	} else {
		h.logger.Printf("❌ 流式服务连接断开: %v", cause)
	}
	for _, sess := range sessions {
		sess.setPresent(false)
		sess.setState(define.ConnDisconnected, &define.ConnectionError{DeviceID: sess.GetID(), Op: "transport", Err: cause})
	}
}

// StreamingSession 流式服务上的一个设备
type StreamingSession struct {
	hub       *StreamingHub
	index     int
	name      string
	caps      device.Capabilities
	rotateCmd bool // 旋转通过 RotateCmd 下发，否则走 ScalarCmd
	emitter   *device.Emitter

	mutex   sync.RWMutex
	status  device.DeviceStatus
	present bool // 设备出现在当前连接的设备列表中
}

func newStreamingSession(hub *StreamingHub, entry communication.DeviceEntry) *StreamingSession {
	name := entry.DisplayName
	if name == "" {
		name = entry.DeviceName
	}
	caps, rotateCmd := capabilitiesFromEntry(entry)
	id := fmt.Sprintf("streaming-%d", entry.DeviceIndex)
	return &StreamingSession{
		hub:       hub,
		index:     entry.DeviceIndex,
		name:      name,
		caps:      caps,
		rotateCmd: rotateCmd,
		emitter:   device.NewEmitter(id, 32),
		status:    device.DeviceStatus{State: define.ConnDisconnected, LastUpdate: time.Now()},
	}
}

// capabilitiesFromEntry 从设备描述推导执行器列表
func capabilitiesFromEntry(entry communication.DeviceEntry) (device.Capabilities, bool) {
	var features []device.Feature
	for i, attrs := range entry.DeviceMessages[communication.MsgLinearCmd] {
		features = append(features, device.Feature{Kind: define.ActuatorLinear, Index: i, StepCount: attrs.StepCount})
	}

	rotations := entry.DeviceMessages[communication.MsgRotateCmd]
	for i, attrs := range rotations {
		features = append(features, device.Feature{Kind: define.ActuatorRotate, Index: i, StepCount: attrs.StepCount})
	}

	for i, attrs := range entry.DeviceMessages[communication.MsgScalarCmd] {
		var kind define.ActuatorKind
		switch attrs.ActuatorType {
		case "Vibrate":
			kind = define.ActuatorVibrate
		case "Oscillate":
			kind = define.ActuatorOscillate
		case "Rotate":
			if len(rotations) > 0 {
				continue
			}
			kind = define.ActuatorRotate
		default:
			continue
		}
		features = append(features, device.Feature{Kind: kind, Index: i, StepCount: attrs.StepCount})
	}
	return device.NewCapabilities(features), len(rotations) > 0
}

func (s *StreamingSession) GetID() string    { return fmt.Sprintf("streaming-%d", s.index) }
func (s *StreamingSession) GetModel() string { return "streaming" }
func (s *StreamingSession) GetName() string  { return s.name }

// Index 设备在流式服务上的序号
func (s *StreamingSession) Index() int { return s.index }

func (s *StreamingSession) Capabilities() device.Capabilities { return s.caps }

func (s *StreamingSession) Events() <-chan device.Event { return s.emitter.Events() }

func (s *StreamingSession) State() define.ConnState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status.State
}

func (s *StreamingSession) GetStatus() device.DeviceStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

func (s *StreamingSession) setState(state define.ConnState, err error) {
	s.mutex.Lock()
	changed := s.status.State != state
	s.status.State = state
	s.status.LastUpdate = time.Now()
	if err != nil {
		s.status.ErrorCount++
		s.status.LastError = err.Error()
	}
	s.mutex.Unlock()

	if changed || err != nil {
		s.emitter.ConnectionState(state, err)
	}
}

func (s *StreamingSession) setPresent(present bool) {
	s.mutex.Lock()
	s.present = present
	s.mutex.Unlock()
}

func (s *StreamingSession) isPresent() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.present
}

func (s *StreamingSession) recordError(err error) {
	s.mutex.Lock()
	s.status.ErrorCount++
	s.status.LastError = err.Error()
	s.status.LastUpdate = time.Now()
	s.mutex.Unlock()
}

// Connect 确保共享连接可用且设备仍在服务端列表中
func (s *StreamingSession) Connect(ctx context.Context) error {
	if s.State() == define.ConnConnected && s.hub.Connected() {
		return nil
	}
	s.setState(define.ConnConnecting, nil)

	if err := s.hub.Connect(ctx); err != nil {
		s.setState(define.ConnDisconnected, err)
		return err
	}
	if !s.isPresent() {
		err := &define.ConnectionError{DeviceID: s.GetID(), Op: "connect", Err: errors.New("设备已不在服务端列表中")}
		s.setState(define.ConnDisconnected, err)
		return err
	}

	s.setState(define.ConnConnected, nil)
	return nil
}

// Disconnect 尽力停止设备，然后标记为 Disconnected。共享连接由 hub 关闭
func (s *StreamingSession) Disconnect() error {
	if s.State() == define.ConnConnected {
		ctx, cancel := context.WithTimeout(context.Background(), s.hub.cfg.RequestTimeout)
		if err := s.StopDevice(ctx); err != nil {
			s.hub.logger.Printf("⚠️ 断开前停止设备 %s 失败: %v", s.GetID(), err)
		}
		cancel()
	}
	s.setState(define.ConnDisconnected, nil)
	return nil
}

// Send 把原始指令按类型合并为 LinearCmd / ScalarCmd / RotateCmd
func (s *StreamingSession) Send(ctx context.Context, cmds []device.Command) error {
	if s.State() != define.ConnConnected {
		return define.ErrNotConnected
	}

	var (
		vectors   []communication.VectorSubcommand
		scalars   []communication.ScalarSubcommand
		rotations []communication.RotationSubcommand
	)
	for _, cmd := range cmds {
		switch cmd.Kind {
		case define.ActuatorLinear:
			vectors = append(vectors, communication.VectorSubcommand{Index: cmd.Index, Duration: cmd.DurationMs, Position: cmd.Position})
		case define.ActuatorRotate:
			if s.rotateCmd {
				rotations = append(rotations, communication.RotationSubcommand{Index: cmd.Index, Speed: cmd.Intensity, Clockwise: cmd.Clockwise})
			} else {
				scalars = append(scalars, communication.ScalarSubcommand{Index: cmd.Index, Scalar: cmd.Intensity, ActuatorType: "Rotate"})
			}
		case define.ActuatorVibrate:
			scalars = append(scalars, communication.ScalarSubcommand{Index: cmd.Index, Scalar: cmd.Intensity, ActuatorType: "Vibrate"})
		case define.ActuatorOscillate:
			scalars = append(scalars, communication.ScalarSubcommand{Index: cmd.Index, Scalar: cmd.Intensity, ActuatorType: "Oscillate"})
		}
	}

	var errs []error
	if len(vectors) > 0 {
		errs = append(errs, s.request(ctx, communication.MsgLinearCmd, communication.LinearCmd{DeviceIndex: s.index, Vectors: vectors}))
	}
	if len(scalars) > 0 {
		errs = append(errs, s.request(ctx, communication.MsgScalarCmd, communication.ScalarCmd{DeviceIndex: s.index, Scalars: scalars}))
	}
	if len(rotations) > 0 {
		errs = append(errs, s.request(ctx, communication.MsgRotateCmd, communication.RotateCmd{DeviceIndex: s.index, Rotations: rotations}))
	}
	return errors.Join(errs...)
}

// StopDevice 发送 StopDeviceCmd
func (s *StreamingSession) StopDevice(ctx context.Context) error {
	return s.request(ctx, communication.MsgStopDeviceCmd, communication.DeviceIndexBody{DeviceIndex: s.index})
}

func (s *StreamingSession) request(ctx context.Context, msgType string, fields any) error {
	if _, err := s.hub.Request(ctx, msgType, fields); err != nil {
		s.recordError(err)
		return fmt.Errorf("设备 %s 发送 %s 失败：%w", s.GetID(), msgType, err)
	}
	return nil
}

var _ device.Session = (*StreamingSession)(nil)
