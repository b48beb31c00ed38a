// Package timeline 保存已加载脚本的动作序列，并按已播放时间解析当前目标动作。
package timeline

import (
	"fmt"
	"sort"

	"motionsync/define"
)

const (
	// DefaultMinTravelMs 相邻动作之间的最短运动时间
	DefaultMinTravelMs = 100
	// DefaultFirstTravelMs 第一个动作没有前驱，使用固定时长
	DefaultFirstTravelMs = 500
	// DefaultEndToleranceMs 最后一个动作之后的宽限时间
	DefaultEndToleranceMs = 1000
)

// Action 时间轴上的一个 (时间戳, 位置) 采样
type Action struct {
	At  int `json:"at"`
	Pos int `json:"pos"`
}

// Options 控制运动时长的计算
type Options struct {
	MinTravelMs   int
	FirstTravelMs int
}

// DefaultOptions 返回默认的时长参数
func DefaultOptions() Options {
	return Options{MinTravelMs: DefaultMinTravelMs, FirstTravelMs: DefaultFirstTravelMs}
}

// Timeline 不可变的动作序列。构建之后只读，多个会话可以并发读取
type Timeline struct {
	actions    []Action
	inverted   bool
	loadedFrom string
	opts       Options
}

// Resolved 一次查找的结果。Index 是"正在前往"的动作，而不是已经到达的动作
type Resolved struct {
	Index    int
	Action   Action
	Prev     Action
	TravelMs int
}

// New 构建时间轴：复制输入，按时间稳定排序，必要时一次性反转位置
func New(actions []Action, inverted bool, loadedFrom string, opts Options) (*Timeline, error) {
	if len(actions) == 0 {
		return nil, &define.TimelineError{Source: loadedFrom, Err: define.ErrEmptyTimeline}
	}
	if opts.MinTravelMs <= 0 {
		opts.MinTravelMs = DefaultMinTravelMs
	}
	if opts.FirstTravelMs <= 0 {
		opts.FirstTravelMs = DefaultFirstTravelMs
	}

	owned := make([]Action, len(actions))
	copy(owned, actions)
	for i, a := range owned {
		if a.At < 0 {
			return nil, &define.TimelineError{Source: loadedFrom, Err: fmt.Errorf("动作 %d 的时间戳为负数：%d", i, a.At)}
		}
		owned[i].Pos = clampPos(a.Pos)
		if inverted {
			owned[i].Pos = 100 - owned[i].Pos
		}
	}
	sort.SliceStable(owned, func(i, j int) bool { return owned[i].At < owned[j].At })

	return &Timeline{actions: owned, inverted: inverted, loadedFrom: loadedFrom, opts: opts}, nil
}

func clampPos(pos int) int {
	if pos < 0 {
		return 0
	}
	if pos > 100 {
		return 100
	}
	return pos
}

// Len 动作数量
func (t *Timeline) Len() int { return len(t.actions) }

// At 返回第 i 个动作
func (t *Timeline) At(i int) Action { return t.actions[i] }

// Last 最后一个动作
func (t *Timeline) Last() Action { return t.actions[len(t.actions)-1] }

// Inverted 加载时是否已反转
func (t *Timeline) Inverted() bool { return t.inverted }

// LoadedFrom 脚本来源
func (t *Timeline) LoadedFrom() string { return t.loadedFrom }

// DurationMs 最后一个动作的时间戳
func (t *Timeline) DurationMs() int { return t.Last().At }

// Actions 返回动作序列的副本
func (t *Timeline) Actions() []Action {
	out := make([]Action, len(t.actions))
	copy(out, t.actions)
	return out
}

// Floor 返回满足 At <= elapsedMs 的最大下标；早于第一个动作时返回 -1。
// 时间戳重复时落在最后一个重复项上。
func (t *Timeline) Floor(elapsedMs int) int {
	next := sort.Search(len(t.actions), func(i int) bool {
		return t.actions[i].At > elapsedMs
	})
	return next - 1
}

// Lookup 按已播放时间解析当前目标动作
func (t *Timeline) Lookup(elapsedMs int) Resolved {
	last := len(t.actions) - 1
	floor := t.Floor(elapsedMs)

	index := 0
	if floor >= 0 {
		index = floor + 1
		if index > last {
			index = last
		}
	}

	res := Resolved{Index: index, Action: t.actions[index]}
	if index == 0 {
		res.Prev = t.actions[0]
		res.TravelMs = t.opts.FirstTravelMs
		return res
	}

	res.Prev = t.actions[index-1]
	res.TravelMs = res.Action.At - res.Prev.At
	if res.TravelMs < t.opts.MinTravelMs {
		res.TravelMs = t.opts.MinTravelMs
	}
	return res
}

// Finished 是否已越过最后一个动作加宽限时间
func (t *Timeline) Finished(elapsedMs, toleranceMs int) bool {
	return elapsedMs > t.Last().At+toleranceMs
}

// Window 返回 At 位于 [fromMs, toMs] 之间的动作下标范围 [start, end)
func (t *Timeline) Window(fromMs, toMs int) (int, int) {
	start := sort.Search(len(t.actions), func(i int) bool { return t.actions[i].At >= fromMs })
	end := sort.Search(len(t.actions), func(i int) bool { return t.actions[i].At > toMs })
	return start, end
}
