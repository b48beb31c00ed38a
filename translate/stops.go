package translate

import (
	"motionsync/define"
	"motionsync/device"
)

type actuatorKey struct {
	kind  define.ActuatorKind
	index int
}

// StopFilter 去掉重复的停止指令：同一执行器已经发过 0 强度后，
// 后续的 0 强度指令不再下发，直到它重新收到非 0 强度。线性指令总是保留。
//
// 每个设备一个实例，不是并发安全的。
type StopFilter struct {
	stopped map[actuatorKey]bool
}

func NewStopFilter() *StopFilter {
	return &StopFilter{stopped: make(map[actuatorKey]bool)}
}

// Filter 返回需要下发的指令，并记录各执行器的停止状态
func (f *StopFilter) Filter(cmds []device.Command) []device.Command {
	out := cmds[:0:0]
	for _, cmd := range cmds {
		if cmd.Kind == define.ActuatorLinear {
			out = append(out, cmd)
			continue
		}
		key := actuatorKey{kind: cmd.Kind, index: cmd.Index}
		if cmd.Intensity == 0 {
			if f.stopped[key] {
				continue
			}
			f.stopped[key] = true
		} else {
			f.stopped[key] = false
		}
		out = append(out, cmd)
	}
	return out
}

// Reset 忘记所有停止状态，下一次 0 强度指令会重新下发
func (f *StopFilter) Reset() {
	clear(f.stopped)
}
