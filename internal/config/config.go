package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type CaptureConfig struct {
	Backend      string `yaml:"backend"` // device, fake
	DeviceID     string `yaml:"device_id"`
	SampleRate   int    `yaml:"sample_rate"`
	BlockSize    int    `yaml:"block_size"`
	Channels     int    `yaml:"channels"`
	BufferFrames int    `yaml:"buffer_frames"`
	FakeWAVPath  string `yaml:"fake_wav_path"`
	FakeRealtime bool   `yaml:"fake_realtime"`
}

type STTConfig struct {
	Mode         string `yaml:"mode"` // mock, exec, vosk
	ModelPath    string `yaml:"model_path"`
	Command      string `yaml:"command"`
	Language     string `yaml:"language"`
	PopTimeoutMS int    `yaml:"pop_timeout_ms"`
	SegmentMS    int    `yaml:"segment_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	NodeID         string   `yaml:"node_id"`
	HeartbeatMS    int      `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-live",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			TraceExporter:  "none",
		},
		Capture: CaptureConfig{
			Backend:      "device",
			SampleRate:   16000,
			BlockSize:    512,
			Channels:     1,
			BufferFrames: 256,
			FakeRealtime: true,
		},
		STT: STTConfig{
			Mode:         "mock",
			ModelPath:    "model",
			PopTimeoutMS: 50,
			SegmentMS:    3000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			NodeID:         "loqa-live-1",
			HeartbeatMS:    5000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-live.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Capture.Backend, "LOQA_CAPTURE_BACKEND")
	overrideString(&cfg.Capture.DeviceID, "LOQA_CAPTURE_DEVICE_ID")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.BlockSize, "LOQA_CAPTURE_BLOCK_SIZE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BufferFrames, "LOQA_CAPTURE_BUFFER_FRAMES")
	overrideString(&cfg.Capture.FakeWAVPath, "LOQA_CAPTURE_FAKE_WAV_PATH")
	overrideBool(&cfg.Capture.FakeRealtime, "LOQA_CAPTURE_FAKE_REALTIME")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.PopTimeoutMS, "LOQA_STT_POP_TIMEOUT_MS")
	overrideInt(&cfg.STT.SegmentMS, "LOQA_STT_SEGMENT_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.NodeID, "LOQA_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatMS, "LOQA_BUS_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}

	switch cfg.Capture.Backend {
	case "device":
	case "fake":
		// an empty fake_wav_path replays silence
	default:
		return errors.New("capture.backend must be one of device|fake")
	}
	// Only 16kHz mono 16-bit PCM is supported.
	if cfg.Capture.SampleRate != 16000 {
		return errors.New("capture.sample_rate must be 16000")
	}
	if cfg.Capture.Channels != 1 {
		return errors.New("capture.channels must be 1")
	}
	if cfg.Capture.BlockSize <= 0 {
		return errors.New("capture.block_size must be positive")
	}
	if cfg.Capture.BufferFrames <= 0 {
		return errors.New("capture.buffer_frames must be positive")
	}

	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SegmentMS <= 0 {
			return errors.New("stt.segment_ms must be positive when mode=exec")
		}
	case "vosk":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=vosk")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|vosk")
	}
	if cfg.STT.PopTimeoutMS <= 0 || cfg.STT.PopTimeoutMS > 1000 {
		return errors.New("stt.pop_timeout_ms must be between 1 and 1000")
	}

	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.NodeID == "" {
			return errors.New("bus.node_id must not be empty")
		}
		if cfg.Bus.HeartbeatMS <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
	}

	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
