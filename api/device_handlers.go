package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"motionsync/define"
	"motionsync/device"
)

const deviceRequestTimeout = 10 * time.Second

// handleGetDevices 获取所有设备列表
func (s *Server) handleGetDevices(c *gin.Context) {
	devices := s.deviceManager.GetAllDevices()

	deviceInfos := make([]DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		deviceInfos = append(deviceInfos, s.deviceInfo(dev))
	}

	respondOK(c, "", DeviceListResponse{
		Devices: deviceInfos,
		Total:   len(deviceInfos),
	})
}

// handleCreateDevice 通过设备工厂创建会话并注册
func (s *Server) handleCreateDevice(c *gin.Context) {
	var req DeviceCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的设备创建请求："+err.Error())
		return
	}

	if _, err := s.deviceManager.GetDevice(req.ID); err == nil {
		respondError(c, http.StatusConflict, fmt.Sprintf("设备 %s 已存在", req.ID))
		return
	}

	config := req.Config
	if config == nil {
		config = make(map[string]any)
	}
	config["id"] = req.ID

	dev, err := device.CreateDevice(req.Model, config)
	if err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("创建设备失败：%v", err))
		return
	}

	if err := s.deviceManager.OnDeviceAdded(dev); err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("注册设备失败：%v", err))
		return
	}

	msg := fmt.Sprintf("设备 %s 创建成功", req.ID)
	if req.Connect {
		ctx, cancel := context.WithTimeout(c.Request.Context(), deviceRequestTimeout)
		defer cancel()
		if err := dev.Connect(ctx); err != nil {
			msg = fmt.Sprintf("设备 %s 创建成功，但连接失败：%v", req.ID, err)
		}
	}

	c.JSON(http.StatusCreated, ApiResponse{
		Status:  "success",
		Message: msg,
		Data:    s.deviceInfo(dev),
	})
}

// lookupDevice 查找设备，不存在时直接写入 404
func (s *Server) lookupDevice(c *gin.Context) (device.Session, bool) {
	deviceId := c.Param("deviceId")
	dev, err := s.deviceManager.GetDevice(deviceId)
	if err != nil {
		respondError(c, http.StatusNotFound, fmt.Sprintf("设备 %s 不存在", deviceId))
		return nil, false
	}
	return dev, true
}

// handleGetDevice 获取设备详情
func (s *Server) handleGetDevice(c *gin.Context) {
	dev, ok := s.lookupDevice(c)
	if !ok {
		return
	}
	respondOK(c, "", s.deviceInfo(dev))
}

// handleDeleteDevice 断开并移除设备
func (s *Server) handleDeleteDevice(c *gin.Context) {
	deviceId := c.Param("deviceId")
	if err := s.deviceManager.OnDeviceRemoved(deviceId); err != nil {
		respondError(c, http.StatusNotFound, err.Error())
		return
	}
	respondOK(c, fmt.Sprintf("设备 %s 已删除", deviceId), nil)
}

// handleConnectDevice 连接设备
func (s *Server) handleConnectDevice(c *gin.Context) {
	dev, ok := s.lookupDevice(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceRequestTimeout)
	defer cancel()
	if err := dev.Connect(ctx); err != nil {
		respondError(c, statusForError(err), fmt.Sprintf("连接设备失败：%v", err))
		return
	}
	respondOK(c, fmt.Sprintf("设备 %s 已连接", dev.GetID()), s.deviceInfo(dev))
}

// handleDisconnect 断开设备
func (s *Server) handleDisconnect(c *gin.Context) {
	dev, ok := s.lookupDevice(c)
	if !ok {
		return
	}
	if err := dev.Disconnect(); err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("断开设备失败：%v", err))
		return
	}
	respondOK(c, fmt.Sprintf("设备 %s 已断开", dev.GetID()), s.deviceInfo(dev))
}

// handleStopDevice 让单个设备停止运动
func (s *Server) handleStopDevice(c *gin.Context) {
	dev, ok := s.lookupDevice(c)
	if !ok {
		return
	}
	if dev.State() != define.ConnConnected {
		respondError(c, http.StatusConflict, fmt.Sprintf("设备 %s 未连接", dev.GetID()))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), deviceRequestTimeout)
	defer cancel()
	if err := dev.StopDevice(ctx); err != nil {
		respondError(c, statusForError(err), fmt.Sprintf("停止设备失败：%v", err))
		return
	}
	respondOK(c, fmt.Sprintf("设备 %s 已停止", dev.GetID()), nil)
}

// handleGetPreference 获取设备偏好
func (s *Server) handleGetPreference(c *gin.Context) {
	dev, ok := s.lookupDevice(c)
	if !ok {
		return
	}
	pref, found := s.deviceManager.Preference(dev.GetID())
	if !found {
		pref = device.DefaultPreference(dev.Capabilities())
	}
	respondOK(c, "", pref)
}

// handleSetPreference 部分更新设备偏好，下一个 tick 生效
func (s *Server) handleSetPreference(c *gin.Context) {
	dev, ok := s.lookupDevice(c)
	if !ok {
		return
	}

	var req define.PreferenceConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的偏好设置请求："+err.Error())
		return
	}

	pref, found := s.deviceManager.Preference(dev.GetID())
	if !found {
		pref = device.DefaultPreference(dev.Capabilities())
	}
	pref = pref.Apply(req)
	s.deviceManager.RegisterPreference(dev.GetID(), pref)

	respondOK(c, fmt.Sprintf("设备 %s 偏好已更新", dev.GetID()), pref)
}
