// Package scheduler 按固定间隔把时间轴位置推送给所有启用的设备会话。
//
// 每个 tick 根据已播放时间解析目标动作；目标没有变化时不发送任何指令。
// 每个会话有自己的有序发送队列，慢设备不会拖住 tick，也不会影响其他设备。
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"motionsync/define"
	"motionsync/device"
	"motionsync/timeline"
	"motionsync/translate"
)

const (
	DefaultTickInterval    = 25 * time.Millisecond
	MinTickInterval        = 20 * time.Millisecond
	MaxTickInterval        = 50 * time.Millisecond
	DefaultDispatchTimeout = 2 * time.Second
	DefaultQueueSize       = 16
)

// ErrNotPlaying 当前没有在播放
var ErrNotPlaying = errors.New("playback is not running")

// State 调度器状态
type State int

const (
	StateIdle State = iota
	StatePlaying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	switch text {
	case "playing":
		*s = StatePlaying
	case "stopped":
		*s = StateStopped
	default:
		*s = StateIdle
	}
	return nil
}

// Registry 提供每个 tick 的会话和偏好快照
type Registry interface {
	Targets() []device.Target
}

// Publisher 接收调度器事件
type Publisher interface {
	Publish(ev device.Event)
}

// Config 调度参数
type Config struct {
	TickInterval    time.Duration
	EndToleranceMs  int
	DispatchTimeout time.Duration
	QueueSize       int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.TickInterval < MinTickInterval {
		c.TickInterval = MinTickInterval
	}
	if c.TickInterval > MaxTickInterval {
		c.TickInterval = MaxTickInterval
	}
	if c.EndToleranceMs <= 0 {
		c.EndToleranceMs = timeline.DefaultEndToleranceMs
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// PlaybackState 单个会话的播放状态，由调度器独占
type PlaybackState struct {
	IsPlaying                 bool    `json:"isPlaying"`
	StartEpochMs              float64 `json:"startEpochMs"`
	PlaybackRate              float64 `json:"playbackRate"`
	Loop                      bool    `json:"loop"`
	LastDispatchedActionIndex int     `json:"lastDispatchedActionIndex"`
}

// Status 对外展示的调度器快照
type Status struct {
	State        State                    `json:"state"`
	Source       string                   `json:"source,omitempty"`
	Actions      int                      `json:"actions"`
	DurationMs   int                      `json:"durationMs"`
	ElapsedMs    float64                  `json:"elapsedMs"`
	CurrentIndex int                      `json:"currentIndex"`
	PlaybackRate float64                  `json:"playbackRate"`
	Loop         bool                     `json:"loop"`
	Sessions     map[string]PlaybackState `json:"sessions"`
}

type job struct {
	index int
	cmds  []device.Command
}

// worker 单个会话的有序发送队列
type worker struct {
	session device.Session
	jobs    chan job
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type sessionState struct {
	playback PlaybackState
	worker   *worker
	stops    *translate.StopFilter
}

// Scheduler 播放调度器
type Scheduler struct {
	cfg      Config
	registry Registry
	events   Publisher
	logger   *log.Logger
	now      func() time.Time

	mutex        sync.Mutex
	state        State
	tl           *timeline.Timeline
	startEpochMs float64
	rate         float64
	loop         bool
	lastIndex    int
	sessions     map[string]*sessionState
	stopChan     chan struct{}
	done         chan struct{}
}

// Option 修改 Scheduler 的可选参数
type Option func(*Scheduler)

// WithClock 替换本地时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger 指定日志输出
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New 创建调度器
func New(cfg Config, registry Registry, events Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		events:    events,
		logger:    log.Default(),
		now:       time.Now,
		rate:      1,
		lastIndex: -1,
		sessions:  make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) nowMs() float64 {
	return float64(s.now().UnixNano()) / float64(time.Millisecond)
}

func (s *Scheduler) publish(ev device.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

// Load 替换时间轴。播放中加载会先停止当前播放
func (s *Scheduler) Load(ctx context.Context, tl *timeline.Timeline) error {
	if tl == nil || tl.Len() == 0 {
		return &define.TimelineError{Err: define.ErrEmptyTimeline}
	}
	if s.State() == StatePlaying {
		if err := s.Stop(ctx); err != nil {
			s.logger.Printf("⚠️ 加载新脚本前停止播放失败: %v", err)
		}
	}

	s.mutex.Lock()
	s.tl = tl
	s.state = StateIdle
	s.lastIndex = -1
	s.mutex.Unlock()

	s.logger.Printf("📜 已加载时间轴 %s: %d 个动作, 时长 %dms", tl.LoadedFrom(), tl.Len(), tl.DurationMs())
	return nil
}

// Timeline 当前加载的时间轴，可能为 nil
func (s *Scheduler) Timeline() *timeline.Timeline {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.tl
}

// State 当前状态
func (s *Scheduler) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Start 从 timeMs 开始播放。需要非空时间轴和至少一个启用的会话
func (s *Scheduler) Start(timeMs int, rate float64, loop bool) error {
	if rate <= 0 {
		rate = 1
	}

	s.mutex.Lock()
	if s.tl == nil || s.tl.Len() == 0 {
		s.mutex.Unlock()
		return &define.TimelineError{Err: define.ErrEmptyTimeline}
	}
	s.mutex.Unlock()

	targets := s.registry.Targets()
	if len(targets) == 0 {
		return define.ErrNoActiveDevices
	}

	// 重新开始前先结束上一轮的 tick 和发送队列
	s.cancelTicker()
	s.stopWorkers()

	s.mutex.Lock()
	s.startEpochMs = s.nowMs() - float64(timeMs)/rate
	s.rate = rate
	s.loop = loop
	s.lastIndex = -1
	s.sessions = make(map[string]*sessionState, len(targets))
	for _, t := range targets {
		s.sessions[t.Session.GetID()] = s.newSessionState(t.Session)
	}
	s.state = StatePlaying
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	tl := s.tl
	go s.run(s.stopChan, s.done)
	s.mutex.Unlock()

	s.logger.Printf("▶️ 开始播放 %s: 起点 %dms, 速率 %.2f, 循环 %v, %d 个设备", tl.LoadedFrom(), timeMs, rate, loop, len(targets))
	s.publish(device.Event{Type: device.EventPlaybackState, PlayState: define.PlayPlaying, Message: "started"})

	for _, t := range targets {
		if aware, ok := t.Session.(device.PlaybackAware); ok {
			go s.notifyStarted(t.Session.GetID(), aware, tl, timeMs, rate, loop)
		}
	}
	return nil
}

func (s *Scheduler) newSessionState(sess device.Session) *sessionState {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		session: sess,
		jobs:    make(chan job, s.cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.runWorker(w)
	return &sessionState{
		playback: PlaybackState{
			IsPlaying:                 true,
			StartEpochMs:              s.startEpochMs,
			PlaybackRate:              s.rate,
			Loop:                      s.loop,
			LastDispatchedActionIndex: -1,
		},
		worker: w,
		stops:  translate.NewStopFilter(),
	}
}

func (s *Scheduler) notifyStarted(id string, aware device.PlaybackAware, tl *timeline.Timeline, timeMs int, rate float64, loop bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
	defer cancel()
	if err := aware.PlaybackStarted(ctx, tl, timeMs, rate, loop); err != nil {
		s.reportDispatchError(id, -1, err)
	}
}

func (s *Scheduler) run(stopChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// cancelTicker 停止 tick 循环并等待它退出
func (s *Scheduler) cancelTicker() {
	s.mutex.Lock()
	stopChan, done := s.stopChan, s.done
	s.stopChan = nil
	s.mutex.Unlock()

	if stopChan != nil {
		close(stopChan)
		<-done
	}
}

// stopWorkers 取消所有发送队列，进行中的发送随之取消
func (s *Scheduler) stopWorkers() {
	s.mutex.Lock()
	workers := make([]*worker, 0, len(s.sessions))
	for _, st := range s.sessions {
		st.playback.IsPlaying = false
		workers = append(workers, st.worker)
	}
	s.mutex.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
}

// Tick 执行一次调度。导出以便测试按确定的时间驱动
func (s *Scheduler) Tick() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StatePlaying || s.tl == nil {
		return
	}

	now := s.nowMs()
	elapsed := (now - s.startEpochMs) * s.rate

	if s.tl.Finished(int(elapsed), s.cfg.EndToleranceMs) {
		if !s.loop {
			s.finishLocked()
			return
		}
		// 循环：从头开始，不是跳转
		s.startEpochMs = now
		s.lastIndex = -1
		for _, st := range s.sessions {
			st.playback.StartEpochMs = now
			st.playback.LastDispatchedActionIndex = -1
		}
		elapsed = 0
		s.logger.Printf("🔁 时间轴播放完毕，重新开始")
	}

	resolved := s.tl.Lookup(int(elapsed))
	s.lastIndex = resolved.Index
	transition := translate.Transition{
		Pos:        resolved.Action.Pos,
		PrevPos:    resolved.Prev.Pos,
		DurationMs: int(float64(resolved.TravelMs) / s.rate),
	}

	for _, t := range s.registry.Targets() {
		id := t.Session.GetID()
		st, ok := s.sessions[id]
		if !ok {
			// 播放中新加入的会话
			st = s.newSessionState(t.Session)
			s.sessions[id] = st
		}
		if st.playback.LastDispatchedActionIndex == resolved.Index {
			continue
		}
		st.playback.LastDispatchedActionIndex = resolved.Index

		cmds := st.stops.Filter(translate.Translate(transition, t.Session.Capabilities(), t.Preference))
		if len(cmds) == 0 {
			continue
		}
		select {
		case st.worker.jobs <- job{index: resolved.Index, cmds: cmds}:
		default:
			// 丢弃的指令里可能有停止指令，下次需要重发
			st.stops.Reset()
			s.logger.Printf("⚠️ 设备 %s 发送队列已满，丢弃动作 %d", id, resolved.Index)
		}
	}
}

// finishLocked 时间轴自然结束：停止 tick，回到 Idle。调用方持有锁
func (s *Scheduler) finishLocked() {
	s.state = StateIdle
	if s.stopChan != nil {
		close(s.stopChan)
		s.stopChan = nil
	}
	for _, st := range s.sessions {
		st.playback.IsPlaying = false
		st.worker.cancel()
	}
	s.logger.Printf("🏁 时间轴播放结束")
	s.publish(device.Event{Type: device.EventPlaybackState, PlayState: define.PlayStopped, Message: "finished"})
}

func (s *Scheduler) runWorker(w *worker) {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			if w.ctx.Err() != nil {
				return
			}
			s.dispatch(w, j)
		}
	}
}

// dispatch 发送一组指令。失败只产生事件，不影响其他设备和 tick
func (s *Scheduler) dispatch(w *worker, j job) {
	id := w.session.GetID()
	defer func() {
		if r := recover(); r != nil {
			s.reportDispatchError(id, j.index, fmt.Errorf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(w.ctx, s.cfg.DispatchTimeout)
	defer cancel()
	if err := w.session.Send(ctx, j.cmds); err != nil && w.ctx.Err() == nil {
		s.reportDispatchError(id, j.index, err)
	}
}

func (s *Scheduler) reportDispatchError(id string, index int, err error) {
	dispatchErr := &define.CommandDispatchError{DeviceID: id, ActionIndex: index, Err: err}
	s.logger.Printf("❌ %v", dispatchErr)
	s.publish(device.Event{Type: device.EventDispatchError, DeviceID: id, Message: dispatchErr.Error(), Err: dispatchErr})
}

// SyncTime 按外部时间源重新锚定起点，不重置已发送的动作索引。
// filter 转发给支持平滑校正的会话
func (s *Scheduler) SyncTime(timeMs int, filter float64) error {
	s.mutex.Lock()
	if s.state != StatePlaying {
		s.mutex.Unlock()
		return ErrNotPlaying
	}
	s.startEpochMs = s.nowMs() - float64(timeMs)/s.rate
	sessions := make([]device.Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		st.playback.StartEpochMs = s.startEpochMs
		sessions = append(sessions, st.worker.session)
	}
	s.mutex.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sess := range sessions {
		aware, ok := sess.(device.PlaybackAware)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, aware device.PlaybackAware) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
			defer cancel()
			if err := aware.PlaybackSynced(ctx, timeMs, filter); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("设备 %s 校时失败：%w", id, err))
				mu.Unlock()
			}
		}(sess.GetID(), aware)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stop 先取消 tick，再并发让每个设备停止。单个设备失败不影响其他设备，所有错误合并返回
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mutex.Lock()
	wasPlaying := s.state == StatePlaying
	if wasPlaying {
		s.state = StateStopped
	}
	s.mutex.Unlock()

	s.cancelTicker()
	s.stopWorkers()

	s.mutex.Lock()
	seen := make(map[string]bool)
	var sessions []device.Session
	for id, st := range s.sessions {
		if st.worker.session.State() == define.ConnConnected {
			seen[id] = true
			sessions = append(sessions, st.worker.session)
		}
	}
	s.sessions = make(map[string]*sessionState)
	s.lastIndex = -1
	s.mutex.Unlock()

	for _, t := range s.registry.Targets() {
		if !seen[t.Session.GetID()] {
			sessions = append(sessions, t.Session)
		}
	}

	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, sess := range sessions {
		wg.Add(1)
		go func(i int, sess device.Session) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("设备 %s 停止时 panic: %v", sess.GetID(), r)
				}
			}()
			if err := sess.StopDevice(ctx); err != nil {
				errs[i] = fmt.Errorf("设备 %s 停止失败：%w", sess.GetID(), err)
			}
		}(i, sess)
	}
	wg.Wait()

	if wasPlaying {
		s.logger.Printf("⏹️ 播放已停止 (%d 个设备)", len(sessions))
		s.publish(device.Event{Type: device.EventPlaybackState, PlayState: define.PlayStopped, Message: "stopped"})
	}
	return errors.Join(errs...)
}

// Status 返回当前状态快照
func (s *Scheduler) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	status := Status{
		State:        s.state,
		CurrentIndex: s.lastIndex,
		PlaybackRate: s.rate,
		Loop:         s.loop,
		Sessions:     make(map[string]PlaybackState, len(s.sessions)),
	}
	if s.tl != nil {
		status.Source = s.tl.LoadedFrom()
		status.Actions = s.tl.Len()
		status.DurationMs = s.tl.DurationMs()
	}
	if s.state == StatePlaying {
		status.ElapsedMs = (s.nowMs() - s.startEpochMs) * s.rate
	}
	for id, st := range s.sessions {
		status.Sessions[id] = st.playback
	}
	return status
}
