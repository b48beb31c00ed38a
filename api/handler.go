package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"motionsync/define"
	"motionsync/device"
	"motionsync/scheduler"
)

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, ApiResponse{
		Status: "error",
		Error:  msg,
	})
}

func respondOK(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, ApiResponse{
		Status:  "success",
		Message: msg,
		Data:    data,
	})
}

// statusForError 把领域错误映射为 HTTP 状态码
func statusForError(err error) int {
	var (
		timelineErr *define.TimelineError
		connErr     *define.ConnectionError
		protoErr    *define.ProtocolError
	)
	switch {
	case errors.As(err, &timelineErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, define.ErrNoActiveDevices), errors.Is(err, scheduler.ErrNotPlaying):
		return http.StatusConflict
	case errors.Is(err, define.ErrNotConnected):
		return http.StatusConflict
	case errors.As(err, &connErr), errors.As(err, &protoErr), errors.Is(err, define.ErrConnectionClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// deviceInfo 组装设备信息
func (s *Server) deviceInfo(sess device.Session) DeviceInfo {
	info := DeviceInfo{
		ID:           sess.GetID(),
		Model:        sess.GetModel(),
		Name:         sess.GetName(),
		Capabilities: sess.Capabilities(),
		Status:       sess.GetStatus(),
	}
	if pref, ok := s.deviceManager.Preference(sess.GetID()); ok {
		info.Preference = &pref
	}
	return info
}
