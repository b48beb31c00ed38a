package define

// API 响应结构体
type ApiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// 执行器类型，与流式协议中的 ActuatorType 字段取值一致
type ActuatorKind string

const (
	ActuatorLinear    ActuatorKind = "Linear"
	ActuatorVibrate   ActuatorKind = "Vibrate"
	ActuatorRotate    ActuatorKind = "Rotate"
	ActuatorOscillate ActuatorKind = "Oscillate"
)
