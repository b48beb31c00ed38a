// Package clocksync 通过往返探测估计本地时钟与远端时钟之间的偏移。
package clocksync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"motionsync/define"
)

const (
	DefaultSamples   = 10
	DefaultKeepRatio = 0.8
	// 少于这个数量的样本不做剔除
	minSamplesForTrim = 4
)

// TimeSource 能够报告远端当前时间 (epoch 毫秒) 的端点
type TimeSource interface {
	ServerTime(ctx context.Context) (float64, error)
}

// TimeSourceFunc 把函数适配为 TimeSource
type TimeSourceFunc func(ctx context.Context) (float64, error)

func (f TimeSourceFunc) ServerTime(ctx context.Context) (float64, error) { return f(ctx) }

// Estimate 单个远端端点的时钟估计
type Estimate struct {
	OffsetMs        float64   `json:"offsetMs"`
	LastRoundTripMs float64   `json:"lastRoundTripMs"`
	SampleCount     int       `json:"sampleCount"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Sample 一次探测的结果
type Sample struct {
	RoundTripMs float64
	OffsetMs    float64
}

// Config 同步参数
type Config struct {
	Samples       int
	KeepRatio     float64
	SampleTimeout time.Duration
}

// Synchronizer 维护每个端点的偏移估计。估计只由探测过程写入
type Synchronizer struct {
	cfg    Config
	now    func() time.Time
	logger *log.Logger

	mu        sync.RWMutex
	estimates map[string]Estimate
}

// Option 修改 Synchronizer 的可选参数
type Option func(*Synchronizer)

// WithClock 替换本地时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithLogger 指定日志输出
func WithLogger(logger *log.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

// New 创建时钟同步器
func New(cfg Config, opts ...Option) *Synchronizer {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.KeepRatio <= 0 || cfg.KeepRatio > 1 {
		cfg.KeepRatio = DefaultKeepRatio
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = 2 * time.Second
	}

	s := &Synchronizer{
		cfg:       cfg,
		now:       time.Now,
		logger:    log.Default(),
		estimates: make(map[string]Estimate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) nowMs() float64 {
	return float64(s.now().UnixNano()) / float64(time.Millisecond)
}

// Sync 对端点做一轮探测并更新偏移。
// 没有可用样本时保留之前的估计；只有从未建立过估计时才返回错误。
func (s *Synchronizer) Sync(ctx context.Context, endpoint string, source TimeSource) (float64, error) {
	samples := make([]Sample, 0, s.cfg.Samples)

	for i := 0; i < s.cfg.Samples; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		sample, err := s.sampleOnce(ctx, source)
		if err != nil {
			s.logger.Printf("⚠️ 时钟探测 %s 第 %d 次失败: %v", endpoint, i+1, err)
			continue
		}
		samples = append(samples, sample)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, known := s.estimates[endpoint]
	if len(samples) == 0 {
		if !known {
			return 0, fmt.Errorf("时钟同步 %s 失败：%w", endpoint, define.ErrNoClockSample)
		}
		s.logger.Printf("ℹ️ 时钟探测 %s 无可用样本，保留偏移 %.1fms", endpoint, prev.OffsetMs)
		return prev.OffsetMs, nil
	}

	kept := SelectSamples(samples, s.cfg.KeepRatio)
	offset := MeanOffset(kept)
	s.estimates[endpoint] = Estimate{
		OffsetMs:        offset,
		LastRoundTripMs: samples[len(samples)-1].RoundTripMs,
		SampleCount:     prev.SampleCount + len(samples),
		UpdatedAt:       s.now(),
	}

	s.logger.Printf("🕒 时钟同步 %s: 偏移 %.1fms (样本 %d/%d)", endpoint, offset, len(kept), len(samples))
	return offset, nil
}

func (s *Synchronizer) sampleOnce(ctx context.Context, source TimeSource) (Sample, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, s.cfg.SampleTimeout)
	defer cancel()

	sent := s.nowMs()
	remote, err := source.ServerTime(sampleCtx)
	received := s.nowMs()
	if err != nil {
		return Sample{}, err
	}
	if remote <= 0 {
		return Sample{}, fmt.Errorf("远端时间无效：%v", remote)
	}

	rtd := received - sent
	remoteAtReceipt := rtd/2 + remote
	return Sample{RoundTripMs: rtd, OffsetMs: remoteAtReceipt - received}, nil
}

// SelectSamples 按往返延迟升序排序，保留延迟最低的 keepRatio 部分。
// 样本少于 4 个时全部保留。
func SelectSamples(samples []Sample, keepRatio float64) []Sample {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RoundTripMs < sorted[j].RoundTripMs })

	if len(sorted) < minSamplesForTrim {
		return sorted
	}
	keep := int(float64(len(sorted)) * keepRatio)
	if keep < 1 {
		keep = 1
	}
	return sorted[:keep]
}

// MeanOffset 样本偏移的算术平均
func MeanOffset(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.OffsetMs
	}
	return sum / float64(len(samples))
}

// Estimate 返回端点当前的估计
func (s *Synchronizer) Estimate(endpoint string) (Estimate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	est, ok := s.estimates[endpoint]
	return est, ok
}

// Estimates 所有端点估计的副本
func (s *Synchronizer) Estimates() map[string]Estimate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Estimate, len(s.estimates))
	for k, v := range s.estimates {
		out[k] = v
	}
	return out
}

// EstimateRemoteNow 本地时间加偏移，得到远端当前时间 (epoch 毫秒)
func (s *Synchronizer) EstimateRemoteNow(endpoint string) float64 {
	est, _ := s.Estimate(endpoint)
	return s.nowMs() + est.OffsetMs
}

// Forget 删除端点的估计
func (s *Synchronizer) Forget(endpoint string) {
	s.mu.Lock()
	delete(s.estimates, endpoint)
	s.mu.Unlock()
}

// Run 周期性重新探测，修正时钟漂移。ctx 取消时返回，不会阻塞播放循环
func (s *Synchronizer) Run(ctx context.Context, endpoint string, source TimeSource, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sync(ctx, endpoint, source); err != nil {
				s.logger.Printf("⚠️ 周期时钟同步 %s 失败: %v", endpoint, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
