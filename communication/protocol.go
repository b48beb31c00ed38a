package communication

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion 握手时声明的消息版本
const ProtocolVersion = 3

// 流式协议的消息类型
const (
	MsgRequestServerInfo = "RequestServerInfo"
	MsgServerInfo        = "ServerInfo"
	MsgOk                = "Ok"
	MsgError             = "Error"
	MsgPing              = "Ping"
	MsgStartScanning     = "StartScanning"
	MsgStopScanning      = "StopScanning"
	MsgScanningFinished  = "ScanningFinished"
	MsgRequestDeviceList = "RequestDeviceList"
	MsgDeviceList        = "DeviceList"
	MsgDeviceAdded       = "DeviceAdded"
	MsgDeviceRemoved     = "DeviceRemoved"
	MsgScalarCmd         = "ScalarCmd"
	MsgLinearCmd         = "LinearCmd"
	MsgRotateCmd         = "RotateCmd"
	MsgStopDeviceCmd     = "StopDeviceCmd"
	MsgStopAllDevices    = "StopAllDevices"
)

// Message 一条已解码的消息。Id 为 0 表示服务端主动推送
type Message struct {
	Type string
	ID   uint32
	Body json.RawMessage
}

// IsPush 是否为无需关联的推送消息
func (m Message) IsPush() bool { return m.ID == 0 }

// Decode 把消息体解析到 v
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("解析 %s 消息失败：%w", m.Type, err)
	}
	return nil
}

// EncodeMessage 编码为 [{"<Type>": {"Id": id, ...fields}}]
func EncodeMessage(msgType string, id uint32, fields any) ([]byte, error) {
	body := map[string]any{}
	if fields != nil {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("序列化 %s 消息失败：%w", msgType, err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("%s 消息字段必须是对象：%w", msgType, err)
		}
	}
	body["Id"] = id
	return json.Marshal([]map[string]any{{msgType: body}})
}

// DecodeMessages 解析一帧数据，一帧可以包含多条消息
func DecodeMessages(data []byte) ([]Message, error) {
	var frames []map[string]json.RawMessage
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("消息帧格式错误：%w", err)
	}

	msgs := make([]Message, 0, len(frames))
	for _, frame := range frames {
		if len(frame) != 1 {
			return nil, fmt.Errorf("消息对象必须只有一个键，实际 %d 个", len(frame))
		}
		for msgType, body := range frame {
			var header struct {
				ID uint32 `json:"Id"`
			}
			if err := json.Unmarshal(body, &header); err != nil {
				return nil, fmt.Errorf("解析 %s 消息 Id 失败：%w", msgType, err)
			}
			msgs = append(msgs, Message{Type: msgType, ID: header.ID, Body: body})
		}
	}
	return msgs, nil
}

// ===== 消息体 =====

type RequestServerInfo struct {
	ClientName     string `json:"ClientName"`
	MessageVersion int    `json:"MessageVersion"`
}

type ServerInfo struct {
	ServerName     string `json:"ServerName"`
	MessageVersion int    `json:"MessageVersion"`
	MaxPingTime    int    `json:"MaxPingTime"` // 毫秒，0 表示不需要心跳
}

type ErrorBody struct {
	ErrorMessage string `json:"ErrorMessage"`
	ErrorCode    int    `json:"ErrorCode"`
}

// DeviceMessageAttrs 设备支持的某类指令的一个执行器
type DeviceMessageAttrs struct {
	FeatureDescriptor string `json:"FeatureDescriptor,omitempty"`
	StepCount         int    `json:"StepCount,omitempty"`
	ActuatorType      string `json:"ActuatorType,omitempty"`
}

type DeviceEntry struct {
	DeviceName     string                          `json:"DeviceName"`
	DeviceIndex    int                             `json:"DeviceIndex"`
	DisplayName    string                          `json:"DeviceDisplayName,omitempty"`
	DeviceMessages map[string][]DeviceMessageAttrs `json:"DeviceMessages"`
}

type DeviceList struct {
	Devices []DeviceEntry `json:"Devices"`
}

type DeviceRemoved struct {
	DeviceIndex int `json:"DeviceIndex"`
}

type DeviceIndexBody struct {
	DeviceIndex int `json:"DeviceIndex"`
}

type ScalarSubcommand struct {
	Index        int     `json:"Index"`
	Scalar       float64 `json:"Scalar"`
	ActuatorType string  `json:"ActuatorType"`
}

type ScalarCmd struct {
	DeviceIndex int                `json:"DeviceIndex"`
	Scalars     []ScalarSubcommand `json:"Scalars"`
}

type VectorSubcommand struct {
	Index    int     `json:"Index"`
	Duration int     `json:"Duration"`
	Position float64 `json:"Position"`
}

type LinearCmd struct {
	DeviceIndex int                `json:"DeviceIndex"`
	Vectors     []VectorSubcommand `json:"Vectors"`
}

type RotationSubcommand struct {
	Index     int     `json:"Index"`
	Speed     float64 `json:"Speed"`
	Clockwise bool    `json:"Clockwise"`
}

type RotateCmd struct {
	DeviceIndex int                  `json:"DeviceIndex"`
	Rotations   []RotationSubcommand `json:"Rotations"`
}
