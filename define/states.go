package define

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ConnState 设备连接状态
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s ConnState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *ConnState) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	switch text {
	case "connecting":
		*s = ConnConnecting
	case "connected":
		*s = ConnConnected
	default:
		*s = ConnDisconnected
	}
	return nil
}

// PlayState 播放状态。核心逻辑只使用这个枚举，原始协议码只在协议边界解析
type PlayState int

const (
	PlayNotInitialized PlayState = iota
	PlayPlaying
	PlayStopped
	PlayPaused
	PlayStarving
)

var playStateNames = map[PlayState]string{
	PlayNotInitialized: "not_initialized",
	PlayPlaying:        "playing",
	PlayStopped:        "stopped",
	PlayPaused:         "paused",
	PlayStarving:       "starving",
}

func (s PlayState) String() string {
	if name, ok := playStateNames[s]; ok {
		return name
	}
	return "not_initialized"
}

func (s PlayState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *PlayState) UnmarshalJSON(data []byte) error {
	*s = ParsePlayState(data)
	return nil
}

// PlayStateFromString 解析字符串形式的播放状态，未知值返回 PlayNotInitialized
func PlayStateFromString(raw string) PlayState {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if n, err := strconv.Atoi(raw); err == nil {
		return playStateFromCode(n)
	}
	for state, name := range playStateNames {
		if name == raw {
			return state
		}
	}
	return PlayNotInitialized
}

// ParsePlayState 解析协议中的播放状态字段，整数码和字符串都可以
func ParsePlayState(raw json.RawMessage) PlayState {
	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		return playStateFromCode(code)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return PlayStateFromString(text)
	}
	return PlayNotInitialized
}

func playStateFromCode(code int) PlayState {
	state := PlayState(code)
	if _, ok := playStateNames[state]; !ok {
		return PlayNotInitialized
	}
	return state
}
