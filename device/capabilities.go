package device

import "motionsync/define"

// Feature 设备上的一个执行器
type Feature struct {
	Kind      define.ActuatorKind `json:"kind"`
	Index     int                 `json:"index"`
	StepCount int                 `json:"stepCount"` // 离散档位数，0 表示连续
}

// Capabilities 连接时发现的能力集合
type Capabilities struct {
	CanLinear    bool      `json:"canLinear"`
	CanVibrate   bool      `json:"canVibrate"`
	CanRotate    bool      `json:"canRotate"`
	CanOscillate bool      `json:"canOscillate"`
	Features     []Feature `json:"features"`
}

// NewCapabilities 根据执行器列表推导能力标志
func NewCapabilities(features []Feature) Capabilities {
	caps := Capabilities{Features: append([]Feature(nil), features...)}
	for _, f := range features {
		switch f.Kind {
		case define.ActuatorLinear:
			caps.CanLinear = true
		case define.ActuatorVibrate:
			caps.CanVibrate = true
		case define.ActuatorRotate:
			caps.CanRotate = true
		case define.ActuatorOscillate:
			caps.CanOscillate = true
		}
	}
	return caps
}

// FeaturesOf 返回指定类型的执行器
func (c Capabilities) FeaturesOf(kind define.ActuatorKind) []Feature {
	var out []Feature
	for _, f := range c.Features {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Empty 没有任何可用执行器
func (c Capabilities) Empty() bool {
	return !c.CanLinear && !c.CanVibrate && !c.CanRotate && !c.CanOscillate
}
