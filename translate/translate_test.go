package translate

import (
	"math"
	"testing"

	"motionsync/define"
	"motionsync/device"
)

func allCaps() device.Capabilities {
	return device.NewCapabilities([]device.Feature{
		{Kind: define.ActuatorLinear, Index: 0},
		{Kind: define.ActuatorVibrate, Index: 1, StepCount: 20},
		{Kind: define.ActuatorRotate, Index: 2},
		{Kind: define.ActuatorOscillate, Index: 3},
	})
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTranslateDisabledEmitsNothing(t *testing.T) {
	pref := device.DefaultPreference(allCaps())
	pref.Enabled = false
	if cmds := Translate(Transition{Pos: 100, PrevPos: 0, DurationMs: 500}, allCaps(), pref); cmds != nil {
		t.Fatalf("Translate() = %v, want nil", cmds)
	}
}

func TestTranslateAllActuators(t *testing.T) {
	caps := allCaps()
	cmds := Translate(Transition{Pos: 80, PrevPos: 20, DurationMs: 400}, caps, device.DefaultPreference(caps))
	if len(cmds) != 4 {
		t.Fatalf("commands = %v, want 4", cmds)
	}

	linear := cmds[0]
	if linear.Kind != define.ActuatorLinear || !approx(linear.Position, 0.8) || linear.DurationMs != 400 {
		t.Fatalf("linear = %v", linear)
	}
	vibrate := cmds[1]
	if vibrate.Kind != define.ActuatorVibrate || !approx(vibrate.Intensity, 0.6) {
		t.Fatalf("vibrate = %v", vibrate)
	}
	rotate := cmds[2]
	if rotate.Kind != define.ActuatorRotate || !approx(rotate.Intensity, 0.6) || !rotate.Clockwise {
		t.Fatalf("rotate = %v", rotate)
	}
	if cmds[3].Kind != define.ActuatorOscillate || cmds[3].Index != 3 {
		t.Fatalf("oscillate = %v", cmds[3])
	}
}

func TestTranslateUnchangedPositionZeroIntensity(t *testing.T) {
	caps := allCaps()
	pref := device.DefaultPreference(caps)
	for _, pos := range []int{0, 37, 100} {
		for _, cmd := range Translate(Transition{Pos: pos, PrevPos: pos, DurationMs: 100}, caps, pref) {
			if cmd.Kind != define.ActuatorLinear && cmd.Intensity != 0 {
				t.Fatalf("pos %d: %v has non-zero intensity", pos, cmd)
			}
		}
	}
}

func TestTranslateDeadZone(t *testing.T) {
	if got := MovementIntensity(52, 50, 1); got != 0 {
		t.Fatalf("MovementIntensity(52, 50) = %v, want 0", got)
	}
	if got := MovementIntensity(60, 50, 0.4); got != 0 {
		t.Fatalf("scaled below dead zone = %v, want 0", got)
	}
	if got := MovementIntensity(60, 50, 1); !approx(got, 0.1) {
		t.Fatalf("MovementIntensity(60, 50) = %v, want 0.1", got)
	}
}

func TestTranslateStepQuantization(t *testing.T) {
	caps := device.NewCapabilities([]device.Feature{{Kind: define.ActuatorVibrate, Index: 0, StepCount: 4}})
	cmds := Translate(Transition{Pos: 63, PrevPos: 0}, caps, device.DefaultPreference(caps))
	if len(cmds) != 1 || !approx(cmds[0].Intensity, 0.75) {
		t.Fatalf("commands = %v, want intensity 0.75", cmds)
	}
}

func TestTranslateRangeAndInvert(t *testing.T) {
	caps := device.NewCapabilities([]device.Feature{{Kind: define.ActuatorLinear, Index: 0}})
	pref := device.DefaultPreference(caps)
	pref.RangeMin = 20
	pref.RangeMax = 60

	cmds := Translate(Transition{Pos: 100, PrevPos: 0, DurationMs: 250}, caps, pref)
	if !approx(cmds[0].Position, 0.6) {
		t.Fatalf("Position = %v, want 0.6", cmds[0].Position)
	}

	pref.Invert = true
	cmds = Translate(Transition{Pos: 100, PrevPos: 0, DurationMs: 250}, caps, pref)
	if !approx(cmds[0].Position, 0.2) {
		t.Fatalf("inverted Position = %v, want 0.2", cmds[0].Position)
	}

	if got := Position(150, device.Preference{RangeMax: 100}); got != 1 {
		t.Fatalf("Position(150) = %v, want clamped 1", got)
	}
}

func TestTranslateRotateDirection(t *testing.T) {
	caps := device.NewCapabilities([]device.Feature{{Kind: define.ActuatorRotate, Index: 0}})
	pref := device.DefaultPreference(caps)

	down := Translate(Transition{Pos: 10, PrevPos: 90}, caps, pref)
	if down[0].Clockwise {
		t.Fatalf("moving down should rotate counter-clockwise: %v", down[0])
	}
	pref.Invert = true
	inverted := Translate(Transition{Pos: 10, PrevPos: 90}, caps, pref)
	if !inverted[0].Clockwise {
		t.Fatalf("inverted downward move should rotate clockwise: %v", inverted[0])
	}
}

func TestTranslateRespectsCapabilityFlags(t *testing.T) {
	caps := device.NewCapabilities([]device.Feature{{Kind: define.ActuatorVibrate, Index: 0}})
	pref := device.DefaultPreference(caps)
	pref.UseLinear = true
	pref.UseVibrate = false
	if cmds := Translate(Transition{Pos: 100, PrevPos: 0}, caps, pref); len(cmds) != 0 {
		t.Fatalf("Translate() = %v, want none", cmds)
	}
}

func TestStopFilterDropsRepeatedStops(t *testing.T) {
	caps := device.NewCapabilities([]device.Feature{
		{Kind: define.ActuatorVibrate, Index: 0},
		{Kind: define.ActuatorRotate, Index: 1},
	})
	pref := device.DefaultPreference(caps)
	filter := NewStopFilter()

	hold := Transition{Pos: 50, PrevPos: 50, DurationMs: 100}
	move := Transition{Pos: 90, PrevPos: 50, DurationMs: 100}

	steps := []struct {
		tr   Transition
		want int
	}{
		{hold, 2}, // 第一次停止照常下发
		{hold, 0},
		{hold, 0},
		{move, 2},
		{hold, 2},
		{hold, 0},
	}
	for i, step := range steps {
		got := filter.Filter(Translate(step.tr, caps, pref))
		if len(got) != step.want {
			t.Fatalf("step %d: Filter() = %v, want %d commands", i, got, step.want)
		}
	}

	filter.Reset()
	if got := filter.Filter(Translate(hold, caps, pref)); len(got) != 2 {
		t.Fatalf("after Reset() Filter() = %v, want 2 commands", got)
	}
}

func TestStopFilterKeepsLinear(t *testing.T) {
	caps := device.NewCapabilities([]device.Feature{
		{Kind: define.ActuatorLinear, Index: 0},
		{Kind: define.ActuatorVibrate, Index: 1},
	})
	pref := device.DefaultPreference(caps)
	filter := NewStopFilter()

	hold := Transition{Pos: 30, PrevPos: 30, DurationMs: 100}
	filter.Filter(Translate(hold, caps, pref))
	got := filter.Filter(Translate(hold, caps, pref))
	if len(got) != 1 || got[0].Kind != define.ActuatorLinear {
		t.Fatalf("Filter() = %v, want only the linear command", got)
	}
}
