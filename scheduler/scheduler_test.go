package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"motionsync/define"
	"motionsync/device"
	"motionsync/device/devicetest"
	"motionsync/timeline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock     *fakeClock
	manager   *device.DeviceManager
	scheduler *Scheduler
}

func newHarness(t *testing.T, sessions ...device.Session) *harness {
	t.Helper()
	clock := newFakeClock()
	manager := device.NewDeviceManager(nil)
	for _, sess := range sessions {
		if err := manager.OnDeviceAdded(sess); err != nil {
			t.Fatalf("OnDeviceAdded() error = %v", err)
		}
	}
	sched := New(Config{EndToleranceMs: 1000}, manager, manager.Hub(),
		WithClock(clock.Now), WithLogger(log.New(io.Discard, "", 0)))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
	return &harness{clock: clock, manager: manager, scheduler: sched}
}

// threeActions 0 -> 100 -> 0
func threeActions(t *testing.T) *timeline.Timeline {
	t.Helper()
	tl, err := timeline.New([]timeline.Action{{At: 0, Pos: 0}, {At: 1000, Pos: 100}, {At: 2000, Pos: 0}}, false, "test", timeline.DefaultOptions())
	if err != nil {
		t.Fatalf("timeline.New() error = %v", err)
	}
	return tl
}

func (h *harness) load(t *testing.T, tl *timeline.Timeline) {
	t.Helper()
	if err := h.scheduler.Load(context.Background(), tl); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func waitSends(t *testing.T, sess *devicetest.Session, n int) []devicetest.SendCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sends := sess.Sends()
		if len(sends) >= n {
			return sends
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: got %d sends, want %d", sess.ID, len(sends), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settle 等待后台 tick 和发送队列处理完
func settle() { time.Sleep(4 * MaxTickInterval) }

func TestStartRequiresTimelineAndDevices(t *testing.T) {
	h := newHarness(t)
	if err := h.scheduler.Start(0, 1, false); !errors.Is(err, define.ErrEmptyTimeline) {
		t.Fatalf("Start() without timeline error = %v", err)
	}
	var tlErr *define.TimelineError
	if err := h.scheduler.Load(context.Background(), nil); !errors.As(err, &tlErr) {
		t.Fatalf("Load(nil) error = %v", err)
	}

	h.load(t, threeActions(t))
	if err := h.scheduler.Start(0, 1, false); !errors.Is(err, define.ErrNoActiveDevices) {
		t.Fatalf("Start() without devices error = %v", err)
	}
	if h.scheduler.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", h.scheduler.State())
	}
}

func TestStartAt500TargetsSecondAction(t *testing.T) {
	sess := devicetest.NewSession("a")
	h := newHarness(t, sess)
	h.load(t, threeActions(t))

	if err := h.scheduler.Start(500, 1, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.scheduler.Tick()

	sends := waitSends(t, sess, 1)
	cmd := sends[0].Commands[0]
	if cmd.Kind != define.ActuatorLinear || cmd.Position != 1 || cmd.DurationMs != 1000 {
		t.Fatalf("first command = %v, want position 1 over 1000ms", cmd)
	}
	status := h.scheduler.Status()
	if status.CurrentIndex != 1 || status.State != StatePlaying {
		t.Fatalf("Status() = %+v", status)
	}
	if got := status.Sessions["a"].LastDispatchedActionIndex; got != 1 {
		t.Fatalf("LastDispatchedActionIndex = %d, want 1", got)
	}
}

func TestTickIsIdempotent(t *testing.T) {
	sess := devicetest.NewSession("a")
	h := newHarness(t, sess)
	h.load(t, threeActions(t))
	if err := h.scheduler.Start(0, 1, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.scheduler.Tick()
	h.scheduler.Tick()
	settle()
	if got := len(sess.Sends()); got != 1 {
		t.Fatalf("sends after repeated ticks = %d, want 1", got)
	}

	h.clock.Advance(1500 * time.Millisecond)
	h.scheduler.Tick()
	sends := waitSends(t, sess, 2)
	if sends[1].Commands[0].Position != 0 {
		t.Fatalf("second command = %v, want position 0", sends[1].Commands[0])
	}
}

func TestLoopRestartsAtSecondAction(t *testing.T) {
	sess := devicetest.NewSession("a")
	h := newHarness(t, sess)
	h.load(t, threeActions(t))
	if err := h.scheduler.Start(0, 1, true); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.scheduler.Tick()
	h.clock.Advance(1500 * time.Millisecond)
	h.scheduler.Tick()
	waitSends(t, sess, 2)

	h.clock.Advance(1501 * time.Millisecond)
	h.scheduler.Tick()

	sends := waitSends(t, sess, 3)
	if got := sends[2].Commands[0].Position; got != 1 {
		t.Fatalf("after loop reset position = %v, want 1 (index 1)", got)
	}
	status := h.scheduler.Status()
	if status.State != StatePlaying || status.CurrentIndex != 1 {
		t.Fatalf("Status() after loop = %+v", status)
	}
	if status.ElapsedMs != 0 {
		t.Fatalf("ElapsedMs after loop = %v, want 0", status.ElapsedMs)
	}
}

func TestNaturalEndReturnsToIdle(t *testing.T) {
	sess := devicetest.NewSession("a")
	h := newHarness(t, sess)
	events, cancel := h.manager.Hub().Subscribe(32)
	t.Cleanup(cancel)

	h.load(t, threeActions(t))
	if err := h.scheduler.Start(0, 1, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.clock.Advance(3001 * time.Millisecond)
	h.scheduler.Tick()

	if h.scheduler.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", h.scheduler.State())
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == device.EventPlaybackState && ev.Message == "finished" {
				return
			}
		case <-timeout:
			t.Fatal("no terminal playback event")
		}
	}
}

func TestStopCancelsTickerAndStopsEveryDevice(t *testing.T) {
	good := devicetest.NewSession("a")
	bad := devicetest.NewSession("b")
	boom := errors.New("boom")
	bad.StopErr = boom
	h := newHarness(t, good, bad)
	h.load(t, threeActions(t))

	if err := h.scheduler.Start(0, 1, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.scheduler.Tick()
	waitSends(t, good, 1)
	waitSends(t, bad, 1)

	err := h.scheduler.Stop(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Stop() error = %v, want boom", err)
	}
	if good.Stops() != 1 || bad.Stops() != 1 {
		t.Fatalf("Stops() = %d/%d, want 1/1", good.Stops(), bad.Stops())
	}
	if h.scheduler.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", h.scheduler.State())
	}

	before := len(good.Sends())
	h.clock.Advance(1500 * time.Millisecond)
	h.scheduler.Tick()
	settle()
	if got := len(good.Sends()); got != before {
		t.Fatalf("sends after Stop = %d, want %d", got, before)
	}
	if len(h.scheduler.Status().Sessions) != 0 {
		t.Fatal("Stop() should reset playback state")
	}
}

func TestDispatchErrorIsIsolated(t *testing.T) {
	failing := devicetest.NewSession("a")
	failing.SendErr = errors.New("write failed")
	healthy := devicetest.NewSession("b")
	h := newHarness(t, failing, healthy)
	events, cancel := h.manager.Hub().Subscribe(32)
	t.Cleanup(cancel)

	h.load(t, threeActions(t))
	if err := h.scheduler.Start(0, 1, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.scheduler.Tick()
	waitSends(t, healthy, 1)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != device.EventDispatchError {
				continue
			}
			var dispatchErr *define.CommandDispatchError
			if !errors.As(ev.Err, &dispatchErr) || dispatchErr.DeviceID != "a" || dispatchErr.ActionIndex != 1 {
				t.Fatalf("dispatch error event = %+v", ev)
			}
			if h.scheduler.State() != StatePlaying {
				t.Fatal("a failed command must not stop playback")
			}
			return
		case <-timeout:
			t.Fatal("no dispatch error event")
		}
	}
}

func TestSyncTimeDoesNotReplay(t *testing.T) {
	aware := devicetest.NewAwareSession("a")
	h := newHarness(t, aware)
	h.load(t, threeActions(t))
	if err := h.scheduler.Start(0, 1, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.scheduler.Tick()
	waitSends(t, aware.Session, 1)
	deadline := time.Now().Add(2 * time.Second)
	for len(aware.Started()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	h.clock.Advance(300 * time.Millisecond)
	if err := h.scheduler.SyncTime(900, 0.5); err != nil {
		t.Fatalf("SyncTime() error = %v", err)
	}
	h.scheduler.Tick()
	settle()
	if got := len(aware.Sends()); got != 1 {
		t.Fatalf("sends after SyncTime = %d, want 1", got)
	}
	if got := h.scheduler.Status().ElapsedMs; got != 900 {
		t.Fatalf("ElapsedMs = %v, want 900", got)
	}
	if synced := aware.Synced(); len(synced) != 1 || synced[0] != 900 {
		t.Fatalf("Synced() = %v", synced)
	}
	if started := aware.Started(); len(started) != 1 || started[0] != 0 {
		t.Fatalf("Started() = %v", started)
	}

	if err := h.scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.scheduler.SyncTime(0, 0); !errors.Is(err, ErrNotPlaying) {
		t.Fatalf("SyncTime() when stopped error = %v", err)
	}
}

func TestPlaybackRateScalesDuration(t *testing.T) {
	sess := devicetest.NewSession("a")
	h := newHarness(t, sess)
	h.load(t, threeActions(t))
	if err := h.scheduler.Start(0, 2, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.scheduler.Tick()
	sends := waitSends(t, sess, 1)
	if got := sends[0].Commands[0].DurationMs; got != 500 {
		t.Fatalf("DurationMs = %d, want 500", got)
	}

	h.clock.Advance(600 * time.Millisecond)
	h.scheduler.Tick()
	if got := h.scheduler.Status().CurrentIndex; got != 2 {
		t.Fatalf("CurrentIndex at 2x after 600ms = %d, want 2", got)
	}
}

func TestDisabledPreferenceTakesEffectNextTick(t *testing.T) {
	a := devicetest.NewSession("a")
	b := devicetest.NewSession("b")
	h := newHarness(t, a, b)
	h.load(t, threeActions(t))
	if err := h.scheduler.Start(0, 1, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pref, _ := h.manager.Preference("b")
	pref.Enabled = false
	h.manager.RegisterPreference("b", pref)

	h.scheduler.Tick()
	waitSends(t, a, 1)
	settle()
	if got := len(b.Sends()); got != 0 {
		t.Fatalf("disabled device received %d sends", got)
	}
}

func TestRepeatedStopsAreSentOnce(t *testing.T) {
	sess := devicetest.NewSession("vib")
	sess.Caps = device.NewCapabilities([]device.Feature{{Kind: define.ActuatorVibrate, Index: 0}})
	h := newHarness(t, sess)
	tl, err := timeline.New([]timeline.Action{
		{At: 0, Pos: 50}, {At: 1000, Pos: 50}, {At: 2000, Pos: 50}, {At: 3000, Pos: 50}, {At: 4000, Pos: 90},
	}, false, "test", timeline.DefaultOptions())
	if err != nil {
		t.Fatalf("timeline.New() error = %v", err)
	}
	h.load(t, tl)
	if err := h.scheduler.Start(0, 1, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.scheduler.Tick()
	waitSends(t, sess, 1)
	for n := 0; n < 2; n++ {
		h.clock.Advance(1000 * time.Millisecond)
		h.scheduler.Tick()
	}
	settle()
	if got := len(sess.Sends()); got != 1 {
		t.Fatalf("sends while holding still = %d, want 1", got)
	}

	h.clock.Advance(1000 * time.Millisecond)
	h.scheduler.Tick()
	sends := waitSends(t, sess, 2)
	if got := sends[1].Commands[0].Intensity; got == 0 {
		t.Fatalf("intensity after movement = %v, want non-zero", got)
	}
}
