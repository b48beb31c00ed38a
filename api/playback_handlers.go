package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"motionsync/define"
	"motionsync/script"
)

// LoadScript 加载脚本并交给调度器，启动参数中的脚本也走这里
func (s *Server) LoadScript(ctx context.Context, doc script.Document) (ScriptInfo, error) {
	tl, err := doc.Timeline(s.timelineOpts)
	if err != nil {
		return ScriptInfo{}, err
	}
	if err := s.scheduler.Load(ctx, tl); err != nil {
		return ScriptInfo{}, err
	}

	info := ScriptInfo{
		ID:         doc.ID,
		LoadedFrom: tl.LoadedFrom(),
		Actions:    tl.Len(),
		DurationMs: tl.DurationMs(),
		Inverted:   tl.Inverted(),
	}
	s.mutex.Lock()
	s.script = &info
	s.mutex.Unlock()
	return info, nil
}

// handleLoadScript 从路径、URL 或请求体加载脚本
func (s *Server) handleLoadScript(c *gin.Context) {
	var req ScriptLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的脚本加载请求："+err.Error())
		return
	}

	var (
		doc script.Document
		err error
	)
	switch {
	case req.Content != "":
		name := req.Name
		if name == "" {
			name = "inline"
		}
		doc, err = script.Parse([]byte(req.Content), name)
	case req.Source != "":
		doc, err = script.Load(c.Request.Context(), req.Source)
	default:
		respondError(c, http.StatusBadRequest, "需要提供 source 或 content")
		return
	}
	if err != nil {
		status := http.StatusBadRequest
		var timelineErr *define.TimelineError
		if errors.As(err, &timelineErr) {
			status = http.StatusUnprocessableEntity
		}
		respondError(c, status, fmt.Sprintf("加载脚本失败：%v", err))
		return
	}

	info, err := s.LoadScript(c.Request.Context(), doc)
	if err != nil {
		respondError(c, statusForError(err), fmt.Sprintf("加载脚本失败：%v", err))
		return
	}
	respondOK(c, fmt.Sprintf("已加载 %d 个动作", info.Actions), info)
}

// handleGetScript 当前脚本概要
func (s *Server) handleGetScript(c *gin.Context) {
	s.mutex.RLock()
	info := s.script
	s.mutex.RUnlock()
	if info == nil {
		respondError(c, http.StatusNotFound, "尚未加载脚本")
		return
	}
	respondOK(c, "", *info)
}

// handleStartPlayback 开始播放，请求体可省略
func (s *Server) handleStartPlayback(c *gin.Context) {
	req := PlaybackStartRequest{PlaybackRate: 1}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "无效的播放请求："+err.Error())
			return
		}
	}
	if req.TimeMs < 0 {
		respondError(c, http.StatusBadRequest, "timeMs 不能为负数")
		return
	}

	if err := s.scheduler.Start(req.TimeMs, req.PlaybackRate, req.Loop); err != nil {
		respondError(c, statusForError(err), fmt.Sprintf("开始播放失败：%v", err))
		return
	}
	respondOK(c, "播放已开始", s.scheduler.Status())
}

// handleSyncPlayback 按外部时间源校时
func (s *Server) handleSyncPlayback(c *gin.Context) {
	var req PlaybackSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的校时请求："+err.Error())
		return
	}
	if req.TimeMs < 0 {
		respondError(c, http.StatusBadRequest, "timeMs 不能为负数")
		return
	}

	if err := s.scheduler.SyncTime(req.TimeMs, req.Filter); err != nil {
		respondError(c, statusForError(err), fmt.Sprintf("校时失败：%v", err))
		return
	}
	respondOK(c, "已校时", s.scheduler.Status())
}

// handleStopPlayback 停止播放。部分设备停止失败时播放仍然停止，错误随响应返回
func (s *Server) handleStopPlayback(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceRequestTimeout)
	defer cancel()

	if err := s.scheduler.Stop(ctx); err != nil {
		c.JSON(http.StatusBadGateway, ApiResponse{
			Status: "error",
			Error:  fmt.Sprintf("部分设备停止失败：%v", err),
			Data:   s.scheduler.Status(),
		})
		return
	}
	respondOK(c, "播放已停止", s.scheduler.Status())
}

// handlePlaybackStatus 播放状态
func (s *Server) handlePlaybackStatus(c *gin.Context) {
	respondOK(c, "", s.scheduler.Status())
}
