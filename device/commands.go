package device

import (
	"fmt"

	"motionsync/define"
)

// Command 发给单个执行器的原始指令
type Command struct {
	Kind       define.ActuatorKind `json:"kind"`
	Index      int                 `json:"index"`                // 执行器在设备上的序号
	Position   float64             `json:"position,omitempty"`   // 线性目标位置 0..1
	DurationMs int                 `json:"durationMs,omitempty"` // 线性运动时长
	Intensity  float64             `json:"intensity,omitempty"`  // 振动/旋转/摆动强度 0..1
	Clockwise  bool                `json:"clockwise,omitempty"`  // 旋转方向
}

func NewLinearCommand(index int, position float64, durationMs int) Command {
	return Command{Kind: define.ActuatorLinear, Index: index, Position: position, DurationMs: durationMs}
}

func NewScalarCommand(kind define.ActuatorKind, index int, intensity float64) Command {
	return Command{Kind: kind, Index: index, Intensity: intensity}
}

func NewRotateCommand(index int, speed float64, clockwise bool) Command {
	return Command{Kind: define.ActuatorRotate, Index: index, Intensity: speed, Clockwise: clockwise}
}

func (c Command) String() string {
	switch c.Kind {
	case define.ActuatorLinear:
		return fmt.Sprintf("Linear[%d] pos=%.2f dur=%dms", c.Index, c.Position, c.DurationMs)
	case define.ActuatorRotate:
		return fmt.Sprintf("Rotate[%d] speed=%.2f cw=%v", c.Index, c.Intensity, c.Clockwise)
	default:
		return fmt.Sprintf("%s[%d] %.2f", c.Kind, c.Index, c.Intensity)
	}
}
