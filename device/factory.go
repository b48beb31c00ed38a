package device

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor 根据配置参数创建会话
type Constructor func(config map[string]any) (Session, error)

// DeviceFactory 设备工厂
type DeviceFactory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

var defaultFactory = &DeviceFactory{
	constructors: make(map[string]Constructor),
}

// RegisterDeviceType 注册设备类型
func RegisterDeviceType(modelName string, constructor Constructor) {
	defaultFactory.mu.Lock()
	defer defaultFactory.mu.Unlock()
	defaultFactory.constructors[modelName] = constructor
}

// CreateDevice 创建设备实例
func CreateDevice(modelName string, config map[string]any) (Session, error) {
	defaultFactory.mu.RLock()
	constructor, ok := defaultFactory.constructors[modelName]
	defaultFactory.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知的设备型号: %s", modelName)
	}
	return constructor(config)
}

// GetSupportedModels 获取支持的设备型号列表
func GetSupportedModels() []string {
	defaultFactory.mu.RLock()
	defer defaultFactory.mu.RUnlock()

	models := make([]string, 0, len(defaultFactory.constructors))
	for model := range defaultFactory.constructors {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
