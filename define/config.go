package define

// Config 服务配置，由 config.Load 从 YAML 读取，命令行和环境变量可以覆盖部分字段
type Config struct {
	Server       ServerConfig                `yaml:"server"`
	Playback     PlaybackConfig              `yaml:"playback"`
	ClockSync    ClockSyncConfig             `yaml:"clock_sync"`
	Streaming    StreamingConfig             `yaml:"streaming"`
	CloudDevices []CloudDeviceConfig         `yaml:"cloud_devices"`
	Preferences  map[string]PreferenceConfig `yaml:"preferences"`

	// ScriptSource 启动时加载的脚本，来自命令行
	ScriptSource string `yaml:"-"`
}

type ServerConfig struct {
	Port        string   `yaml:"port"`
	CorsOrigins []string `yaml:"cors_origins"`
}

type PlaybackConfig struct {
	TickIntervalMs    int `yaml:"tick_interval_ms"`
	EndToleranceMs    int `yaml:"end_tolerance_ms"`
	MinTravelMs       int `yaml:"min_travel_ms"`
	FirstTravelMs     int `yaml:"first_travel_ms"`
	DispatchTimeoutMs int `yaml:"dispatch_timeout_ms"`
	QueueSize         int `yaml:"queue_size"`
}

type ClockSyncConfig struct {
	Samples          int     `yaml:"samples"`
	KeepRatio        float64 `yaml:"keep_ratio"`
	ResyncIntervalMs int     `yaml:"resync_interval_ms"`
	SampleTimeoutMs  int     `yaml:"sample_timeout_ms"`
}

type StreamingConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	ClientName       string `yaml:"client_name"`
	Scan             bool   `yaml:"scan"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

type CloudDeviceConfig struct {
	ID                  string `yaml:"id"`
	Name                string `yaml:"name"`
	BaseURL             string `yaml:"base_url"`
	ConnectionKey       string `yaml:"connection_key"`
	AppKey              string `yaml:"app_key"`
	Mode                string `yaml:"mode"`
	LivenessIntervalMs  int    `yaml:"liveness_interval_ms"`
	RequestTimeoutMs    int    `yaml:"request_timeout_ms"`
	BufferLookaheadMs   int    `yaml:"buffer_lookahead_ms"`
	BufferBatch         int    `yaml:"buffer_batch"`
	BufferStarvingLimit int    `yaml:"buffer_starving_threshold"`
}

// PreferenceConfig 配置文件或 API 请求中的偏好覆盖，未填写的字段保持原值
type PreferenceConfig struct {
	Enabled      *bool    `json:"enabled" yaml:"enabled"`
	UseLinear    *bool    `json:"useLinear" yaml:"use_linear"`
	UseVibrate   *bool    `json:"useVibrate" yaml:"use_vibrate"`
	UseRotate    *bool    `json:"useRotate" yaml:"use_rotate"`
	UseOscillate *bool    `json:"useOscillate" yaml:"use_oscillate"`
	Invert       *bool    `json:"invert" yaml:"invert"`
	Intensity    *float64 `json:"intensity" yaml:"intensity"`
	RangeMin     *int     `json:"rangeMin" yaml:"range_min"`
	RangeMax     *int     `json:"rangeMax" yaml:"range_max"`
}
