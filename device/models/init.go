package models

import (
	"log"

	"motionsync/clocksync"
	"motionsync/device"
)

// RegisterDeviceTypes 注册可以通过配置创建的设备类型。
// 流式设备由 StreamingHub 根据服务端设备列表创建，不经过工厂
func RegisterDeviceTypes(syncer *clocksync.Synchronizer, logger *log.Logger) {
	device.RegisterDeviceType("cloud", func(config map[string]any) (device.Session, error) {
		return NewCloudSessionFromConfig(config, syncer, logger)
	})
}
