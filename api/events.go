package api

import (
	"io"
	"log"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"motionsync/device"
)

const eventKeepAlive = 15 * time.Second

// eventPayload 事件流中的单条数据
type eventPayload struct {
	device.Event
	Error string `json:"error,omitempty"`
}

// handleEvents 以 SSE 推送设备和播放事件，连接建立后先发送 ready
func (s *Server) handleEvents(c *gin.Context) {
	events, cancel := s.deviceManager.Hub().Subscribe(128)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Render(-1, sse.Event{Event: "ready", Data: HealthResponse{Status: "ready", Timestamp: time.Now(), Version: s.version}})
	c.Writer.Flush()

	ticker := time.NewTicker(eventKeepAlive)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Event: string(ev.Type),
				Data:  eventPayload{Event: ev, Error: ev.ErrorText()},
			})
			return true
		case <-ticker.C:
			c.Render(-1, sse.Event{Event: "ping", Data: time.Now().UnixMilli()})
			return true
		}
	})
	log.Printf("🔌 事件流客户端 %s 已断开", c.ClientIP())
}
