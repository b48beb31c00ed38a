package communication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"motionsync/define"
)

// RelayError 云端中继返回的错误体
type RelayError struct {
	Code      int    `json:"code"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Connected bool   `json:"connected"`
}

func (e *RelayError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// envelope 所有 REST 响应的外层结构 {result?, error?}
type envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RelayError     `json:"error,omitempty"`
}

// DeviceInfo 设备固件信息
type DeviceInfo struct {
	FirmwareVersion string `json:"fw_version"`
	HardwareModel   string `json:"hw_model_name"`
	SessionID       string `json:"session_id,omitempty"`
}

// StreamPoint 点缓冲中的一个点，t 为毫秒，x 为 0..100
type StreamPoint struct {
	T int `json:"t"`
	X int `json:"x"`
}

// StreamPlay 开始播放点缓冲的参数
type StreamPlay struct {
	StartTime       int     `json:"start_time"`
	ServerTime      int64   `json:"server_time"`
	PlaybackRate    float64 `json:"playback_rate"`
	PauseOnStarving bool    `json:"pause_on_starving"`
	Loop            bool    `json:"loop"`
}

// StreamState 设备端点缓冲的状态
type StreamState struct {
	RawPlayState          json.RawMessage `json:"play_state"`
	Points                int             `json:"points"`
	MaxPoints             int             `json:"max_points"`
	CurrentPoint          int             `json:"current_point"`
	CurrentTime           int             `json:"current_time"`
	Loop                  bool            `json:"loop"`
	PlaybackRate          float64         `json:"playback_rate"`
	StreamID              string          `json:"stream_id"`
	TailPointStreamIndex  int             `json:"tail_point_stream_index"`
	TailStarvingThreshold int             `json:"tail_point_stream_index_threshold"`
}

// PlayState 在协议边界把原始播放码转换为枚举
func (s StreamState) PlayState() define.PlayState {
	if len(s.RawPlayState) == 0 {
		return define.PlayNotInitialized
	}
	return define.ParsePlayState(s.RawPlayState)
}

// CloudCommunicator 定义了与云端中继服务进行通信的接口
type CloudCommunicator interface {
	// ServerTime 获取中继服务器时间 (epoch 毫秒)
	ServerTime(ctx context.Context) (float64, error)
	// IsConnected 设备是否在线
	IsConnected(ctx context.Context) (bool, error)
	// Info 设备信息
	Info(ctx context.Context) (DeviceInfo, error)
	// MoveTo 直接定位：在 durationMs 内移动到 position (0..100)
	MoveTo(ctx context.Context, position float64, durationMs int) error
	// StopMotion 停止直接定位
	StopMotion(ctx context.Context) error

	StreamSetup(ctx context.Context, streamID string) (StreamState, error)
	StreamAdd(ctx context.Context, points []StreamPoint, flush bool, tailIndex int) (StreamState, error)
	StreamPlay(ctx context.Context, play StreamPlay) (StreamState, error)
	StreamStop(ctx context.Context) (StreamState, error)
	StreamSyncTime(ctx context.Context, currentTime int, serverTime int64, filter float64) error
	StreamState(ctx context.Context) (StreamState, error)

	// Subscribe 打开服务端事件流，ctx 取消或连接断开时通道关闭
	Subscribe(ctx context.Context) (<-chan ServerEvent, error)
}

// RelayClient 实现与云端中继服务的 HTTP 通信
type RelayClient struct {
	serviceURL    string
	connectionKey string
	appKey        string
	client        *http.Client
	streamClient  *http.Client
}

// NewRelayClient 创建中继客户端。事件流使用没有整体超时的独立 http.Client
func NewRelayClient(serviceURL, connectionKey, appKey string, timeout time.Duration) *RelayClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RelayClient{
		serviceURL:    strings.TrimSuffix(serviceURL, "/"),
		connectionKey: connectionKey,
		appKey:        appKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		streamClient: &http.Client{},
	}
}

// ServiceURL 中继地址，同时作为时钟同步的端点名
func (c *RelayClient) ServiceURL() string { return c.serviceURL }

func (c *RelayClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败：%w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serviceURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败：%w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Connection-Key", c.connectionKey)
	if c.appKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.appKey)
	}
	return req, nil
}

// do 发送请求并解析 {result, error} 外层结构；result 解析到 out
func (c *RelayClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 HTTP 请求失败：%w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败：%w", err)
	}

	var env envelope
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return &define.ProtocolError{Op: path, Code: resp.StatusCode, Err: fmt.Errorf("响应不是合法 JSON：%w", err)}
		}
	}
	if env.Error != nil {
		return &define.ProtocolError{Op: path, Code: env.Error.Code, Err: env.Error}
	}
	if resp.StatusCode >= 300 {
		return &define.ProtocolError{Op: path, Code: resp.StatusCode, Err: fmt.Errorf("中继服务返回错误：%d, %s", resp.StatusCode, string(data))}
	}

	if out != nil {
		if len(env.Result) == 0 {
			return &define.ProtocolError{Op: path, Err: errors.New("响应缺少 result")}
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &define.ProtocolError{Op: path, Err: fmt.Errorf("解析 result 失败：%w", err)}
		}
	}
	return nil
}

func (c *RelayClient) ServerTime(ctx context.Context) (float64, error) {
	var result struct {
		ServerTime float64 `json:"server_time"`
	}
	if err := c.do(ctx, http.MethodGet, "/servertime", nil, &result); err != nil {
		return 0, err
	}
	return result.ServerTime, nil
}

func (c *RelayClient) IsConnected(ctx context.Context) (bool, error) {
	var result struct {
		Connected bool `json:"connected"`
	}
	if err := c.do(ctx, http.MethodGet, "/connected", nil, &result); err != nil {
		return false, err
	}
	return result.Connected, nil
}

func (c *RelayClient) Info(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	err := c.do(ctx, http.MethodGet, "/info", nil, &info)
	return info, err
}

func (c *RelayClient) MoveTo(ctx context.Context, position float64, durationMs int) error {
	body := map[string]any{
		"position":       position,
		"duration":       durationMs,
		"stop_on_target": true,
	}
	return c.do(ctx, http.MethodPut, "/hdsp/xpt", body, nil)
}

func (c *RelayClient) StopMotion(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/hdsp/stop", nil, nil)
}

func (c *RelayClient) StreamSetup(ctx context.Context, streamID string) (StreamState, error) {
	var state StreamState
	err := c.do(ctx, http.MethodPut, "/hsp/setup", map[string]any{"stream_id": streamID}, &state)
	return state, err
}

func (c *RelayClient) StreamAdd(ctx context.Context, points []StreamPoint, flush bool, tailIndex int) (StreamState, error) {
	body := map[string]any{
		"points":                  points,
		"flush":                   flush,
		"tail_point_stream_index": tailIndex,
	}
	var state StreamState
	err := c.do(ctx, http.MethodPut, "/hsp/add", body, &state)
	return state, err
}

func (c *RelayClient) StreamPlay(ctx context.Context, play StreamPlay) (StreamState, error) {
	var state StreamState
	err := c.do(ctx, http.MethodPut, "/hsp/play", play, &state)
	return state, err
}

func (c *RelayClient) StreamStop(ctx context.Context) (StreamState, error) {
	var state StreamState
	err := c.do(ctx, http.MethodPut, "/hsp/stop", nil, &state)
	return state, err
}

func (c *RelayClient) StreamSyncTime(ctx context.Context, currentTime int, serverTime int64, filter float64) error {
	body := map[string]any{
		"current_time": currentTime,
		"server_time":  serverTime,
		"filter":       filter,
	}
	return c.do(ctx, http.MethodPut, "/hsp/synctime", body, nil)
}

func (c *RelayClient) StreamState(ctx context.Context) (StreamState, error) {
	var state StreamState
	err := c.do(ctx, http.MethodGet, "/hsp/state", nil, &state)
	return state, err
}

func (c *RelayClient) Subscribe(ctx context.Context) (<-chan ServerEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/sse?ck="+url.QueryEscape(c.connectionKey), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("打开事件流失败：%w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("事件流返回错误: %d, %s", resp.StatusCode, string(body))
	}

	events := make(chan ServerEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		_ = ReadServerEvents(ctx, resp.Body, events)
	}()
	return events, nil
}
