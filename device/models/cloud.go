package models

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"motionsync/clocksync"
	"motionsync/communication"
	"motionsync/define"
	"motionsync/device"
	"motionsync/timeline"
)

const (
	ModeDirect = "direct"
	ModeStream = "stream"

	// 连续多少次存活检查失败后视为断开
	livenessFailures = 3
)

// CloudConfig 云端设备参数
type CloudConfig struct {
	ID               string
	Name             string
	Mode             string // direct: 调度器逐个下发定位指令；stream: 使用设备点缓冲
	LivenessInterval time.Duration
	ResyncInterval   time.Duration
	RequestTimeout   time.Duration
	TopUpInterval    time.Duration
	Buffer           BufferOptions
}

// CloudSession 通过云端中继控制的单个设备
type CloudSession struct {
	cfg    CloudConfig
	client communication.CloudCommunicator
	syncer *clocksync.Synchronizer
	logger *log.Logger

	emitter *device.Emitter
	caps    device.Capabilities

	mutex     sync.RWMutex
	status    device.DeviceStatus
	info      communication.DeviceInfo
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	buffer    *StreamBuffer
	streaming bool
	topUp     chan struct{}
}

// NewCloudSession 创建云端设备会话
func NewCloudSession(cfg CloudConfig, client communication.CloudCommunicator, syncer *clocksync.Synchronizer, logger *log.Logger) *CloudSession {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.TopUpInterval <= 0 {
		cfg.TopUpInterval = time.Second
	}
	cfg.Buffer = cfg.Buffer.withDefaults()
	if logger == nil {
		logger = log.Default()
	}

	return &CloudSession{
		cfg:     cfg,
		client:  client,
		syncer:  syncer,
		logger:  logger,
		emitter: device.NewEmitter(cfg.ID, 32),
		caps:    device.NewCapabilities([]device.Feature{{Kind: define.ActuatorLinear, Index: 0}}),
		status:  device.DeviceStatus{State: define.ConnDisconnected, LastUpdate: time.Now()},
		topUp:   make(chan struct{}, 1),
	}
}

// NewCloudSessionFromConfig 设备工厂使用的构造函数
func NewCloudSessionFromConfig(config map[string]any, syncer *clocksync.Synchronizer, logger *log.Logger) (device.Session, error) {
	id, ok := config["id"].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("缺少设备 ID 配置")
	}
	baseURL, ok := config["base_url"].(string)
	if !ok || baseURL == "" {
		return nil, fmt.Errorf("缺少中继服务 URL 配置")
	}
	connectionKey, ok := config["connection_key"].(string)
	if !ok || connectionKey == "" {
		return nil, fmt.Errorf("缺少连接密钥配置")
	}
	appKey, _ := config["app_key"].(string)
	name, _ := config["name"].(string)
	mode, _ := config["mode"].(string)
	if mode != "" && mode != ModeDirect && mode != ModeStream {
		return nil, fmt.Errorf("未知的云端模式: %s", mode)
	}

	cfg := CloudConfig{ID: id, Name: name, Mode: mode}
	cfg.LivenessInterval = durationParam(config, "liveness_interval")
	cfg.ResyncInterval = durationParam(config, "resync_interval")
	cfg.RequestTimeout = durationParam(config, "request_timeout")
	if v, ok := config["buffer"].(BufferOptions); ok {
		cfg.Buffer = v
	}

	client := communication.NewRelayClient(baseURL, connectionKey, appKey, cfg.RequestTimeout)
	sess := NewCloudSession(cfg, client, syncer, logger)
	sess.logger.Printf("✅ 云端设备 %s (%s) 创建成功", id, sess.cfg.Mode)
	return sess, nil
}

// durationParam 读取时长参数：time.Duration 直接使用，JSON 数字按毫秒解释
func durationParam(config map[string]any, key string) time.Duration {
	switch v := config[key].(type) {
	case time.Duration:
		return v
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	case int:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

func (s *CloudSession) GetID() string    { return s.cfg.ID }
func (s *CloudSession) GetModel() string { return "cloud" }
func (s *CloudSession) GetName() string  { return s.cfg.Name }

// Mode 返回 direct 或 stream
func (s *CloudSession) Mode() string { return s.cfg.Mode }

func (s *CloudSession) Capabilities() device.Capabilities { return s.caps }

func (s *CloudSession) Events() <-chan device.Event { return s.emitter.Events() }

func (s *CloudSession) State() define.ConnState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status.State
}

func (s *CloudSession) GetStatus() device.DeviceStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

// Info 连接时读取的固件信息
func (s *CloudSession) Info() communication.DeviceInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.info
}

func (s *CloudSession) endpoint() string {
	if relay, ok := s.client.(interface{ ServiceURL() string }); ok {
		return relay.ServiceURL() + "#" + s.cfg.ID
	}
	return s.cfg.ID
}

func (s *CloudSession) setState(state define.ConnState, err error) {
	s.mutex.Lock()
	s.status.State = state
	s.status.LastUpdate = time.Now()
	if err != nil {
		s.status.ErrorCount++
		s.status.LastError = err.Error()
	}
	s.mutex.Unlock()
	s.emitter.ConnectionState(state, err)
}

func (s *CloudSession) setPlayState(state define.PlayState) {
	s.mutex.Lock()
	changed := s.status.PlayState != state
	s.status.PlayState = state
	s.status.LastUpdate = time.Now()
	s.mutex.Unlock()
	if changed {
		s.emitter.Emit(device.Event{Type: device.EventPlaybackState, PlayState: state, State: s.State()})
	}
}

// Connect 时钟同步、检查设备在线、打开事件流并启动存活检查。
// 连接过程中调用 Disconnect 会取消正在进行的探测，Connect 以 Disconnected 结束
func (s *CloudSession) Connect(ctx context.Context) error {
	s.mutex.Lock()
	if s.status.State == define.ConnConnected || s.cancel != nil {
		s.mutex.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mutex.Unlock()
	s.setState(define.ConnConnecting, nil)

	// 单步请求同时受调用方 ctx 和会话生命周期约束
	stepCtx, stepCancel := context.WithCancel(ctx)
	defer stepCancel()
	stopAfter := context.AfterFunc(runCtx, stepCancel)
	defer stopAfter()

	fail := func(op string, err error) error {
		if runCtx.Err() != nil {
			op, err = "connect", fmt.Errorf("连接过程中被断开：%w", define.ErrConnectionClosed)
		}
		s.mutex.Lock()
		owned := s.cancel != nil && runCtx.Err() == nil
		if owned {
			s.cancel = nil
		}
		s.mutex.Unlock()
		cancel()
		connErr := &define.ConnectionError{DeviceID: s.cfg.ID, Op: op, Err: err}
		s.setState(define.ConnDisconnected, connErr)
		return connErr
	}

	offset, err := s.syncer.Sync(stepCtx, s.endpoint(), s.client)
	if err != nil || runCtx.Err() != nil {
		return fail("clock sync", err)
	}

	online, err := s.client.IsConnected(stepCtx)
	if err != nil || runCtx.Err() != nil {
		return fail("connected", err)
	}
	if !online {
		return fail("connected", define.ErrNotConnected)
	}

	if info, err := s.client.Info(stepCtx); err != nil {
		s.logger.Printf("⚠️ 读取设备 %s 信息失败: %v", s.cfg.ID, err)
	} else {
		s.mutex.Lock()
		s.info = info
		s.mutex.Unlock()
		s.logger.Printf("ℹ️ 设备 %s 固件 %s, 型号 %s", s.cfg.ID, info.FirmwareVersion, info.HardwareModel)
	}

	events, err := s.client.Subscribe(runCtx)
	if err != nil || runCtx.Err() != nil {
		return fail("event stream", err)
	}

	// 检查和启动后台任务在同一把锁内完成，teardown 拿到 cancel 之后不会再有新的 Add
	s.mutex.Lock()
	if runCtx.Err() != nil {
		s.mutex.Unlock()
		return fail("event stream", nil)
	}
	s.wg.Add(3)
	if s.cfg.ResyncInterval > 0 {
		s.wg.Add(1)
	}
	s.status.State = define.ConnConnected
	s.status.LastUpdate = time.Now()
	s.mutex.Unlock()

	go s.consumeEvents(runCtx, events)
	go s.livenessLoop(runCtx)
	go s.topUpLoop(runCtx)
	if s.cfg.ResyncInterval > 0 {
		go func() {
			defer s.wg.Done()
			s.syncer.Run(runCtx, s.endpoint(), s.client, s.cfg.ResyncInterval)
		}()
	}

	s.emitter.ConnectionState(define.ConnConnected, nil)
	s.logger.Printf("✅ 云端设备 %s 已连接 (时钟偏移 %.1fms, %s 模式)", s.cfg.ID, offset, s.cfg.Mode)
	return nil
}

// Disconnect 播放中先停止，再取消后台任务。无论传输层是否报错都回到 Disconnected
func (s *CloudSession) Disconnect() error {
	if s.State() == define.ConnConnected {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		if err := s.StopDevice(ctx); err != nil {
			s.logger.Printf("⚠️ 断开前停止设备 %s 失败: %v", s.cfg.ID, err)
		}
		cancel()
	}
	s.teardown()
	s.setState(define.ConnDisconnected, nil)
	s.logger.Printf("🔌 云端设备 %s 已断开", s.cfg.ID)
	return nil
}

func (s *CloudSession) teardown() {
	s.mutex.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.buffer = nil
	s.streaming = false
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// lost 传输层失败，从后台任务中调用，不能等待自身所在的 WaitGroup
func (s *CloudSession) lost(err error) {
	s.mutex.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.buffer = nil
	s.streaming = false
	s.mutex.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.logger.Printf("❌ 云端设备 %s 连接丢失: %v", s.cfg.ID, err)
	s.setState(define.ConnDisconnected, &define.ConnectionError{DeviceID: s.cfg.ID, Op: "transport", Err: err})
}

// Send 直接模式下把线性指令转换为定位请求，点缓冲模式忽略逐条指令
func (s *CloudSession) Send(ctx context.Context, cmds []device.Command) error {
	if s.State() != define.ConnConnected {
		return define.ErrNotConnected
	}
	// 点缓冲模式由设备自行播放，包括流建立之前的这段时间
	if s.cfg.Mode == ModeStream {
		return nil
	}

	var errs []error
	for _, cmd := range cmds {
		if cmd.Kind != define.ActuatorLinear {
			continue
		}
		if err := s.client.MoveTo(ctx, cmd.Position*100, cmd.DurationMs); err != nil {
			s.recordError(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopDevice 停止点缓冲播放或直接定位
func (s *CloudSession) StopDevice(ctx context.Context) error {
	s.mutex.Lock()
	streaming := s.streaming
	s.streaming = false
	s.buffer = nil
	s.mutex.Unlock()

	if streaming {
		state, err := s.client.StreamStop(ctx)
		if err != nil {
			s.recordError(err)
			return err
		}
		s.setPlayState(state.PlayState())
		return nil
	}
	if err := s.client.StopMotion(ctx); err != nil {
		s.recordError(err)
		return err
	}
	s.setPlayState(define.PlayStopped)
	return nil
}

func (s *CloudSession) isStreaming() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.streaming
}

func (s *CloudSession) recordError(err error) {
	s.mutex.Lock()
	s.status.ErrorCount++
	s.status.LastError = err.Error()
	s.status.LastUpdate = time.Now()
	s.mutex.Unlock()
}

// PlaybackStarted 点缓冲模式下：新建流、预装载点、按估计的服务器时间开始播放
func (s *CloudSession) PlaybackStarted(ctx context.Context, tl *timeline.Timeline, startMs int, rate float64, loop bool) error {
	if s.cfg.Mode != ModeStream {
		return nil
	}
	if s.State() != define.ConnConnected {
		return define.ErrNotConnected
	}

	streamID := uuid.NewString()
	if _, err := s.client.StreamSetup(ctx, streamID); err != nil {
		s.recordError(err)
		return fmt.Errorf("设备 %s 初始化点缓冲失败：%w", s.cfg.ID, err)
	}

	buffer := NewStreamBuffer(tl, startMs, loop, s.cfg.Buffer)
	points := buffer.Next(startMs)
	if _, err := s.client.StreamAdd(ctx, points, true, buffer.Tail()-len(points)); err != nil {
		s.recordError(err)
		return fmt.Errorf("设备 %s 上传点缓冲失败：%w", s.cfg.ID, err)
	}

	state, err := s.client.StreamPlay(ctx, communication.StreamPlay{
		StartTime:       startMs,
		ServerTime:      int64(s.syncer.EstimateRemoteNow(s.endpoint())),
		PlaybackRate:    rate,
		PauseOnStarving: true,
		Loop:            loop,
	})
	if err != nil {
		s.recordError(err)
		return fmt.Errorf("设备 %s 开始播放失败：%w", s.cfg.ID, err)
	}

	s.mutex.Lock()
	s.buffer = buffer
	s.streaming = true
	s.mutex.Unlock()
	s.setPlayState(state.PlayState())

	s.logger.Printf("▶️ 设备 %s 点缓冲播放 stream=%s 起点 %dms, 已装载 %d 点", s.cfg.ID, streamID, startMs, buffer.Tail())
	return nil
}

// PlaybackSynced 把外部时间源的校正转发给设备，filter 决定设备侧平滑的程度
func (s *CloudSession) PlaybackSynced(ctx context.Context, timeMs int, filter float64) error {
	if !s.isStreaming() {
		return nil
	}
	serverTime := int64(s.syncer.EstimateRemoteNow(s.endpoint()))
	if err := s.client.StreamSyncTime(ctx, timeMs, serverTime, filter); err != nil {
		s.recordError(err)
		return err
	}
	return nil
}

// requestTopUp 非阻塞地唤醒补点循环
func (s *CloudSession) requestTopUp() {
	select {
	case s.topUp <- struct{}{}:
	default:
	}
}

func (s *CloudSession) topUpLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TopUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.topUp:
		case <-ctx.Done():
			return
		}
		if err := s.fillBuffer(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("⚠️ 设备 %s 补充点缓冲失败: %v", s.cfg.ID, err)
		}
	}
}

// fillBuffer 读取设备缓冲状态，需要时上传下一批点
func (s *CloudSession) fillBuffer(ctx context.Context) error {
	s.mutex.RLock()
	buffer := s.buffer
	s.mutex.RUnlock()
	if buffer == nil || buffer.Done() {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	state, err := s.client.StreamState(reqCtx)
	if err != nil {
		return err
	}
	s.setPlayState(state.PlayState())
	if !buffer.NeedsTopUp(state) {
		return nil
	}

	tail := buffer.Tail()
	points := buffer.Next(state.CurrentTime)
	if len(points) == 0 {
		return nil
	}
	_, err = s.client.StreamAdd(reqCtx, points, false, tail)
	return err
}

func (s *CloudSession) livenessLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			online, err := s.client.IsConnected(reqCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err == nil && online {
				failures = 0
				continue
			}
			failures++
			if failures >= livenessFailures {
				if err == nil {
					err = define.ErrNotConnected
				}
				s.lost(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// consumeEvents 把服务端事件转换为会话事件
func (s *CloudSession) consumeEvents(ctx context.Context, events <-chan communication.ServerEvent) {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.lost(errors.New("事件流已关闭"))
				}
				return
			}
			s.handleServerEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *CloudSession) handleServerEvent(ev communication.ServerEvent) {
	switch ev.Event {
	case "device_disconnected":
		s.lost(define.ErrNotConnected)
	case "hsp_state_changed":
		var body communication.StreamState
		if err := ev.Decode(&body); err != nil {
			s.logger.Printf("⚠️ 解析 %s 事件失败: %v", ev.Event, err)
			return
		}
		state := body.PlayState()
		s.setPlayState(state)
		if state == define.PlayStarving {
			s.requestTopUp()
		}
	case "device_status", "battery_changed":
		data := map[string]any{}
		if err := ev.Decode(&data); err != nil {
			data["raw"] = ev.Data
		}
		s.emitter.Emit(device.Event{Type: device.EventDeviceStatus, State: s.State(), Message: ev.Event, Data: data})
	}
}

var (
	_ device.Session       = (*CloudSession)(nil)
	_ device.PlaybackAware = (*CloudSession)(nil)
)
