// Package translate 把一次位置变化翻译为设备各执行器的原始指令。
//
// Translate 是纯函数：相同输入总是得到相同输出，不做任何 I/O。
package translate

import (
	"math"

	"motionsync/define"
	"motionsync/device"
)

// DeadZone 低于该强度的振动/旋转/摆动指令按 0 发送
const DeadZone = 0.05

// Transition 调度器解析出的一次位置变化
type Transition struct {
	Pos        int // 目标位置 0..100
	PrevPos    int // 上一个动作的位置 0..100
	DurationMs int // 运动时长
}

// Translate 按设备能力和用户偏好生成指令。设备未启用时返回 nil
func Translate(tr Transition, caps device.Capabilities, pref device.Preference) []device.Command {
	if !pref.Enabled {
		return nil
	}
	pref = pref.Normalize()

	target := Position(tr.Pos, pref)
	prev := Position(tr.PrevPos, pref)
	intensity := MovementIntensity(tr.Pos, tr.PrevPos, pref.Intensity)

	var cmds []device.Command
	if pref.UseLinear && caps.CanLinear {
		for _, f := range caps.FeaturesOf(define.ActuatorLinear) {
			cmds = append(cmds, device.NewLinearCommand(f.Index, quantize(target, f.StepCount), tr.DurationMs))
		}
	}
	if pref.UseVibrate && caps.CanVibrate {
		for _, f := range caps.FeaturesOf(define.ActuatorVibrate) {
			cmds = append(cmds, device.NewScalarCommand(define.ActuatorVibrate, f.Index, quantize(intensity, f.StepCount)))
		}
	}
	if pref.UseRotate && caps.CanRotate {
		clockwise := target >= prev
		for _, f := range caps.FeaturesOf(define.ActuatorRotate) {
			cmds = append(cmds, device.NewRotateCommand(f.Index, quantize(intensity, f.StepCount), clockwise))
		}
	}
	if pref.UseOscillate && caps.CanOscillate {
		for _, f := range caps.FeaturesOf(define.ActuatorOscillate) {
			cmds = append(cmds, device.NewScalarCommand(define.ActuatorOscillate, f.Index, quantize(intensity, f.StepCount)))
		}
	}
	return cmds
}

// Position 把 0..100 的位置归一化、按需反转，再缩放到偏好范围，结果为 0..1
func Position(pos int, pref device.Preference) float64 {
	normalized := clamp01(float64(pos) / 100)
	if pref.Invert {
		normalized = 1 - normalized
	}
	lo := float64(pref.RangeMin) / 100
	hi := float64(pref.RangeMax) / 100
	return clamp01(lo + normalized*(hi-lo))
}

// MovementIntensity 用位置变化幅度近似运动速度。位置不变或低于死区时为 0
func MovementIntensity(pos, prevPos int, scale float64) float64 {
	if pos == prevPos {
		return 0
	}
	delta := math.Abs(float64(pos-prevPos)) / 100
	intensity := clamp01(delta * scale)
	if intensity < DeadZone {
		return 0
	}
	return intensity
}

// quantize 对齐到执行器的离散档位，steps 为 0 时保持连续值
func quantize(v float64, steps int) float64 {
	if steps <= 0 {
		return v
	}
	return math.Round(v*float64(steps)) / float64(steps)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
