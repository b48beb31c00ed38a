package communication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"motionsync/define"
)

const (
	streamingWriteWait = 5 * time.Second
	pushBuffer         = 64
)

type reply struct {
	msg Message
	err error
}

// StreamingClient 流式 WebSocket 协议适配器。
// 请求按自增 Id 关联，服务端推送 (Id 为 0) 进入 Push 通道。
// 一个实例只对应一次连接，断开后需要重新创建。
type StreamingClient struct {
	url        string
	clientName string
	dialer     *websocket.Dialer
	logger     *log.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	pending  map[uint32]chan reply
	closed   bool
	closeErr error

	nextID atomic.Uint32
	push   chan Message
	done   chan struct{}
	info   ServerInfo
}

// NewStreamingClient 创建流式协议客户端
func NewStreamingClient(url, clientName string, logger *log.Logger) *StreamingClient {
	if logger == nil {
		logger = log.Default()
	}
	return &StreamingClient{
		url:        url,
		clientName: clientName,
		dialer:     &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:     logger,
		pending:    make(map[uint32]chan reply),
		push:       make(chan Message, pushBuffer),
		done:       make(chan struct{}),
	}
}

// Connect 建立连接并完成版本握手，服务端声明了心跳间隔时按一半的间隔发送 Ping
func (c *StreamingClient) Connect(ctx context.Context) (ServerInfo, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return ServerInfo{}, &define.ConnectionError{DeviceID: c.url, Op: "dial", Err: err}
	}
	c.conn = conn
	go c.readLoop()

	resp, err := c.Request(ctx, MsgRequestServerInfo, RequestServerInfo{
		ClientName:     c.clientName,
		MessageVersion: ProtocolVersion,
	})
	if err != nil {
		c.fail(err)
		return ServerInfo{}, &define.ConnectionError{DeviceID: c.url, Op: "handshake", Err: err}
	}
	if resp.Type != MsgServerInfo {
		err := &define.ProtocolError{Op: MsgRequestServerInfo, Err: fmt.Errorf("期望 ServerInfo，收到 %s", resp.Type)}
		c.fail(err)
		return ServerInfo{}, &define.ConnectionError{DeviceID: c.url, Op: "handshake", Err: err}
	}

	var info ServerInfo
	if err := resp.Decode(&info); err != nil {
		c.fail(err)
		return ServerInfo{}, &define.ConnectionError{DeviceID: c.url, Op: "handshake", Err: err}
	}
	c.info = info

	if info.MaxPingTime > 0 {
		go c.pingLoop(time.Duration(info.MaxPingTime) * time.Millisecond / 2)
	}

	c.logger.Printf("🔗 已连接流式服务 %s (%s, v%d, ping %dms)", c.url, info.ServerName, info.MessageVersion, info.MaxPingTime)
	return info, nil
}

// Request 发送一条请求并等待同 Id 的响应。Error 响应转换为 ProtocolError
func (c *StreamingClient) Request(ctx context.Context, msgType string, fields any) (Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, define.ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := EncodeMessage(msgType, id, fields)
	if err != nil {
		c.forget(id)
		return Message{}, err
	}
	if err := c.write(data); err != nil {
		c.forget(id)
		c.fail(err)
		return Message{}, fmt.Errorf("发送 %s 失败：%w", msgType, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return Message{}, r.err
		}
		if r.msg.Type == MsgError {
			var body ErrorBody
			_ = r.msg.Decode(&body)
			return r.msg, &define.ProtocolError{Op: msgType, Code: body.ErrorCode, Err: errors.New(body.ErrorMessage)}
		}
		return r.msg, nil
	case <-ctx.Done():
		c.forget(id)
		return Message{}, ctx.Err()
	}
}

func (c *StreamingClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(streamingWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *StreamingClient) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// PendingCount 尚未收到响应的请求数
func (c *StreamingClient) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *StreamingClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		msgs, err := DecodeMessages(data)
		if err != nil {
			c.logger.Printf("⚠️ 忽略无法解析的消息: %v", err)
			continue
		}
		for _, msg := range msgs {
			c.route(msg)
		}
	}
}

// route 有对应等待者的消息交给等待者，其余作为推送
func (c *StreamingClient) route(msg Message) {
	if !msg.IsPush() {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- reply{msg: msg}
			return
		}
	}

	select {
	case c.push <- msg:
	default:
		c.logger.Printf("⚠️ 推送消息积压，丢弃 %s", msg.Type)
	}
}

// fail 关闭连接并以连接关闭错误拒绝所有等待中的请求
func (c *StreamingClient) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[uint32]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: fmt.Errorf("%w: %v", define.ErrConnectionClosed, cause)}
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	close(c.done)
}

func (c *StreamingClient) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := c.Request(ctx, MsgPing, nil)
			cancel()
			if err != nil && !errors.Is(err, define.ErrConnectionClosed) {
				c.logger.Printf("⚠️ 心跳失败: %v", err)
			}
		case <-c.done:
			return
		}
	}
}

// Close 主动断开，等待中的请求全部被拒绝
func (c *StreamingClient) Close() error {
	if c.conn == nil {
		c.fail(define.ErrConnectionClosed)
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(define.ErrConnectionClosed)
	return nil
}

// Push 服务端推送消息
func (c *StreamingClient) Push() <-chan Message { return c.push }

// Done 连接关闭后关闭
func (c *StreamingClient) Done() <-chan struct{} { return c.done }

// Err 连接关闭的原因
func (c *StreamingClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ServerInfo 握手时服务端返回的信息
func (c *StreamingClient) ServerInfo() ServerInfo { return c.info }
