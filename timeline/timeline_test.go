package timeline

import (
	"errors"
	"testing"

	"motionsync/define"
)

func newTestTimeline(t *testing.T, actions []Action) *Timeline {
	t.Helper()

	tl, err := New(actions, false, "test", DefaultOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tl
}

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New(nil, false, "empty.funscript", DefaultOptions())
	if err == nil {
		t.Fatal("New() error = nil, want TimelineError")
	}
	var tlErr *define.TimelineError
	if !errors.As(err, &tlErr) {
		t.Fatalf("New() error = %T, want *define.TimelineError", err)
	}
	if !errors.Is(err, define.ErrEmptyTimeline) {
		t.Fatalf("New() error = %v, want ErrEmptyTimeline", err)
	}
}

func TestNewSortsAndInverts(t *testing.T) {
	tl, err := New([]Action{{At: 200, Pos: 10}, {At: 0, Pos: 100}, {At: 100, Pos: 130}}, true, "test", DefaultOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := []Action{{At: 0, Pos: 0}, {At: 100, Pos: 0}, {At: 200, Pos: 90}}
	got := tl.Actions()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("action %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLookupScenario(t *testing.T) {
	tl := newTestTimeline(t, []Action{{At: 0, Pos: 0}, {At: 1000, Pos: 100}, {At: 2000, Pos: 0}})

	res := tl.Lookup(500)
	if res.Index != 1 {
		t.Fatalf("Lookup(500).Index = %d, want 1", res.Index)
	}
	if res.Action != (Action{At: 1000, Pos: 100}) {
		t.Fatalf("Lookup(500).Action = %+v", res.Action)
	}
	if res.Prev != (Action{At: 0, Pos: 0}) {
		t.Fatalf("Lookup(500).Prev = %+v", res.Prev)
	}
	if res.TravelMs != 1000 {
		t.Fatalf("Lookup(500).TravelMs = %d, want 1000", res.TravelMs)
	}
}

func TestLookupBoundaries(t *testing.T) {
	tl := newTestTimeline(t, []Action{{At: 300, Pos: 20}, {At: 600, Pos: 80}, {At: 900, Pos: 40}})

	cases := []struct {
		elapsed int
		want    int
	}{
		{elapsed: -50, want: 0},
		{elapsed: 0, want: 0},
		{elapsed: 299, want: 0},
		{elapsed: 300, want: 1},
		{elapsed: 899, want: 2},
		{elapsed: 900, want: 2},
		{elapsed: 5000, want: 2},
	}
	for _, tc := range cases {
		if got := tl.Lookup(tc.elapsed).Index; got != tc.want {
			t.Fatalf("Lookup(%d).Index = %d, want %d", tc.elapsed, got, tc.want)
		}
	}

	if got := tl.Lookup(0).TravelMs; got != DefaultFirstTravelMs {
		t.Fatalf("Lookup(0).TravelMs = %d, want %d", got, DefaultFirstTravelMs)
	}
}

func TestLookupMonotonic(t *testing.T) {
	tl := newTestTimeline(t, []Action{
		{At: 0, Pos: 0}, {At: 120, Pos: 50}, {At: 120, Pos: 60}, {At: 400, Pos: 10},
		{At: 410, Pos: 90}, {At: 1000, Pos: 30}, {At: 1700, Pos: 70},
	})

	prev := -1
	for e := -100; e <= 2000; e += 7 {
		idx := tl.Lookup(e).Index
		if idx < prev {
			t.Fatalf("Lookup(%d).Index = %d, went backwards from %d", e, idx, prev)
		}
		prev = idx
	}
}

func TestLookupDuplicateTimestampsAndMinTravel(t *testing.T) {
	tl := newTestTimeline(t, []Action{{At: 0, Pos: 0}, {At: 100, Pos: 30}, {At: 100, Pos: 70}, {At: 130, Pos: 20}})

	if floor := tl.Floor(100); floor != 2 {
		t.Fatalf("Floor(100) = %d, want 2 (last duplicate)", floor)
	}

	res := tl.Lookup(50)
	if res.Index != 1 {
		t.Fatalf("Lookup(50).Index = %d, want 1", res.Index)
	}

	res = tl.Lookup(99)
	if res.TravelMs != 100 {
		t.Fatalf("Lookup(99).TravelMs = %d, want 100", res.TravelMs)
	}

	res = tl.Lookup(100)
	if res.Index != 3 || res.TravelMs != DefaultMinTravelMs {
		t.Fatalf("Lookup(100) = %+v, want index 3 with min travel", res)
	}
}

func TestSingleActionTimeline(t *testing.T) {
	tl := newTestTimeline(t, []Action{{At: 250, Pos: 60}})

	for _, e := range []int{0, 250, 10000} {
		res := tl.Lookup(e)
		if res.Index != 0 || res.TravelMs != DefaultFirstTravelMs {
			t.Fatalf("Lookup(%d) = %+v, want index 0 with default travel", e, res)
		}
	}
}

func TestFinished(t *testing.T) {
	tl := newTestTimeline(t, []Action{{At: 0, Pos: 0}, {At: 2000, Pos: 100}})

	if tl.Finished(3000, 1000) {
		t.Fatal("Finished(3000, 1000) = true, want false inside tolerance")
	}
	if !tl.Finished(3001, 1000) {
		t.Fatal("Finished(3001, 1000) = false, want true")
	}
}

func TestWindow(t *testing.T) {
	tl := newTestTimeline(t, []Action{{At: 0}, {At: 100}, {At: 200}, {At: 300}})

	start, end := tl.Window(100, 250)
	if start != 1 || end != 3 {
		t.Fatalf("Window(100, 250) = [%d, %d), want [1, 3)", start, end)
	}
}
