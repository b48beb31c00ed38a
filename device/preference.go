package device

import "motionsync/define"

// Preference 用户对单个设备的偏好，随时可以修改
type Preference struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	UseLinear    bool    `json:"useLinear" yaml:"use_linear"`
	UseVibrate   bool    `json:"useVibrate" yaml:"use_vibrate"`
	UseRotate    bool    `json:"useRotate" yaml:"use_rotate"`
	UseOscillate bool    `json:"useOscillate" yaml:"use_oscillate"`
	Invert       bool    `json:"invert" yaml:"invert"`
	Intensity    float64 `json:"intensity" yaml:"intensity"` // 0..1
	RangeMin     int     `json:"rangeMin" yaml:"range_min"`  // 0..100
	RangeMax     int     `json:"rangeMax" yaml:"range_max"`  // 0..100
}

// DefaultPreference 发现设备时根据能力生成默认偏好
func DefaultPreference(caps Capabilities) Preference {
	return Preference{
		Enabled:      !caps.Empty(),
		UseLinear:    caps.CanLinear,
		UseVibrate:   caps.CanVibrate,
		UseRotate:    caps.CanRotate,
		UseOscillate: caps.CanOscillate,
		Intensity:    1,
		RangeMin:     0,
		RangeMax:     100,
	}
}

// Normalize 把数值限制在合法范围内，RangeMin 大于 RangeMax 时交换
func (p Preference) Normalize() Preference {
	if p.Intensity < 0 {
		p.Intensity = 0
	}
	if p.Intensity > 1 {
		p.Intensity = 1
	}
	p.RangeMin = clampPercent(p.RangeMin)
	p.RangeMax = clampPercent(p.RangeMax)
	if p.RangeMin > p.RangeMax {
		p.RangeMin, p.RangeMax = p.RangeMax, p.RangeMin
	}
	return p
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Apply 用配置中的覆盖项修改偏好
func (p Preference) Apply(o define.PreferenceConfig) Preference {
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&p.Enabled, o.Enabled)
	setBool(&p.UseLinear, o.UseLinear)
	setBool(&p.UseVibrate, o.UseVibrate)
	setBool(&p.UseRotate, o.UseRotate)
	setBool(&p.UseOscillate, o.UseOscillate)
	setBool(&p.Invert, o.Invert)
	if o.Intensity != nil {
		p.Intensity = *o.Intensity
	}
	if o.RangeMin != nil {
		p.RangeMin = *o.RangeMin
	}
	if o.RangeMax != nil {
		p.RangeMax = *o.RangeMax
	}
	return p.Normalize()
}
