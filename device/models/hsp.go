package models

import (
	"sort"

	"motionsync/communication"
	"motionsync/define"
	"motionsync/timeline"
)

const (
	DefaultBufferLookaheadMs = 10000
	DefaultBufferBatch       = 100
	DefaultStarvingThreshold = 30
)

// BufferOptions 点缓冲的填充参数
type BufferOptions struct {
	LookaheadMs       int // 最多提前装载多远的点
	Batch             int // 单次上传的最大点数
	StarvingThreshold int // 剩余点数低于该值时补充
}

func (o BufferOptions) withDefaults() BufferOptions {
	if o.LookaheadMs <= 0 {
		o.LookaheadMs = DefaultBufferLookaheadMs
	}
	if o.Batch <= 0 {
		o.Batch = DefaultBufferBatch
	}
	if o.StarvingThreshold <= 0 {
		o.StarvingThreshold = DefaultStarvingThreshold
	}
	return o
}

// StreamBuffer 跟踪一条时间轴已经上传到设备点缓冲的位置。
// tail 是已上传点的数量，也就是下一次上传使用的 tail_point_stream_index
type StreamBuffer struct {
	actions []timeline.Action
	opts    BufferOptions
	loop    bool
	next    int
	tail    int
}

// NewStreamBuffer 从 startMs 之前最近的一个动作开始装载，保证设备能插值到第一个目标
func NewStreamBuffer(tl *timeline.Timeline, startMs int, loop bool, opts BufferOptions) *StreamBuffer {
	actions := tl.Actions()
	start := sort.Search(len(actions), func(i int) bool { return actions[i].At > startMs }) - 1
	if start < 0 || loop {
		start = 0
	}
	return &StreamBuffer{actions: actions, opts: opts.withDefaults(), loop: loop, next: start}
}

// Next 返回 nowMs + lookahead 之内尚未上传的点，最多 Batch 个。
// 循环播放时设备需要完整的时间轴，忽略 lookahead
func (b *StreamBuffer) Next(nowMs int) []communication.StreamPoint {
	limit := nowMs + b.opts.LookaheadMs
	var points []communication.StreamPoint
	for b.next < len(b.actions) && len(points) < b.opts.Batch {
		a := b.actions[b.next]
		if !b.loop && a.At > limit && len(points) > 0 {
			break
		}
		points = append(points, communication.StreamPoint{T: a.At, X: a.Pos})
		b.next++
	}
	b.tail += len(points)
	return points
}

// Tail 已上传的点数
func (b *StreamBuffer) Tail() int { return b.tail }

// Done 时间轴已全部上传
func (b *StreamBuffer) Done() bool { return b.next >= len(b.actions) }

// NeedsTopUp 设备饥饿或剩余点数低于阈值时需要补充
func (b *StreamBuffer) NeedsTopUp(state communication.StreamState) bool {
	if b.Done() {
		return false
	}
	if state.PlayState() == define.PlayStarving {
		return true
	}
	remaining := b.tail - state.CurrentPoint
	return remaining < b.opts.StarvingThreshold
}
