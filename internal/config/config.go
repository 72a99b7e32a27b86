package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	STT         STTConfig       `yaml:"stt"`
	Capture     CaptureConfig   `yaml:"capture"`
	Sink        SinkConfig      `yaml:"sink"`
}

type BusConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Embedded         bool     `yaml:"embedded"`
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	StoreDir         string   `yaml:"store_dir"`
	Servers          []string `yaml:"servers"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	TLSInsecure      bool     `yaml:"tls_insecure"`
	ConnectTimeout   int      `yaml:"connect_timeout_ms"`
	NodeID           string   `yaml:"node_id"` // presence announcements
	HeartbeatMS      int      `yaml:"heartbeat_ms"`
	HeartbeatTimeout int      `yaml:"heartbeat_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecordings int    `yaml:"max_recordings"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// Language maps a display name to a model directory under STTConfig.ModelRoot.
type Language struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

type STTConfig struct {
	Mode            string     `yaml:"mode"` // mock, exec, vosk
	Command         string     `yaml:"command"`
	ModelRoot       string     `yaml:"model_root"`
	DefaultLanguage string     `yaml:"default_language"`
	Languages       []Language `yaml:"languages"`
	SampleRate      int        `yaml:"sample_rate"`
	BlockFrames     int        `yaml:"block_frames"`
	Preload         bool       `yaml:"preload"`
	MockEvery       int        `yaml:"mock_every"`
	SilenceRMS      float64    `yaml:"silence_rms"`
	SilenceMS       int        `yaml:"silence_ms"`
	MaxUtteranceMS  int        `yaml:"max_utterance_ms"`
	TimeoutMS       int        `yaml:"timeout_ms"`
}

type CaptureConfig struct {
	Backend  string `yaml:"backend"` // malgo, wav
	Device   string `yaml:"device"`
	WAVPath  string `yaml:"wav_path"`
	Realtime bool   `yaml:"realtime"`
}

type SinkConfig struct {
	Mode      string `yaml:"mode"` // http, bus, none
	Endpoint  string `yaml:"endpoint"`
	Subject   string `yaml:"subject"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// ModelFor resolves a language display name or model id to a model id.
func (c STTConfig) ModelFor(language string) string {
	for _, l := range c.Languages {
		if strings.EqualFold(l.Name, language) {
			return l.Model
		}
	}
	return language
}

// Recognizer models are trained for this capture format, so it is fixed.
const (
	SampleRate  = 16000
	BlockFrames = 8000
)

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:          false,
			Embedded:         true,
			Host:             "127.0.0.1",
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			NodeID:           "dictate-local",
			HeartbeatMS:      2000,
			HeartbeatTimeout: 6000,
		},
		Journal: JournalConfig{
			Path:          "./data/dictate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRecordings: 1000,
		},
		STT: STTConfig{
			Mode:            "mock",
			ModelRoot:       "model",
			DefaultLanguage: "Russian",
			Languages: []Language{
				{Name: "Russian", Model: "vosk-model-ru-0.42"},
				{Name: "English", Model: "vosk-model-en-us-0.42-gigaspeech"},
				{Name: "Chinese", Model: "vosk-model-cn-kaldi-multicn-0.15"},
			},
			SampleRate:     SampleRate,
			BlockFrames:    BlockFrames,
			MockEvery:      4,
			SilenceRMS:     500,
			SilenceMS:      500,
			MaxUtteranceMS: 15000,
			TimeoutMS:      45000,
		},
		Capture: CaptureConfig{
			Backend:  "malgo",
			Realtime: true,
		},
		Sink: SinkConfig{
			Mode:      "http",
			Subject:   "dictate.text.final",
			TimeoutMS: 5000,
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
	deriveSinkEndpoint(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// deriveSinkEndpoint points an unset HTTP sink at this daemon's own
// /submit route.
func deriveSinkEndpoint(cfg *Config) {
	if strings.TrimSpace(cfg.Sink.Endpoint) != "" {
		return
	}
	host := cfg.HTTP.Bind
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	cfg.Sink.Endpoint = fmt.Sprintf("http://%s/submit", net.JoinHostPort(host, strconv.Itoa(cfg.HTTP.Port)))
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "DICTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DICTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DICTATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTATE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "DICTATE_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "DICTATE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "DICTATE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "DICTATE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "DICTATE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "DICTATE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "DICTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DICTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.NodeID, "DICTATE_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatMS, "DICTATE_BUS_HEARTBEAT_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeout, "DICTATE_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "DICTATE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "DICTATE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "DICTATE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRecordings, "DICTATE_JOURNAL_MAX_RECORDINGS")
	overrideBool(&cfg.Journal.VacuumOnStart, "DICTATE_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "DICTATE_STT_MODE")
	overrideString(&cfg.STT.Command, "DICTATE_STT_COMMAND")
	overrideString(&cfg.STT.ModelRoot, "DICTATE_STT_MODEL_ROOT")
	overrideString(&cfg.STT.DefaultLanguage, "DICTATE_STT_DEFAULT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "DICTATE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.BlockFrames, "DICTATE_STT_BLOCK_FRAMES")
	overrideBool(&cfg.STT.Preload, "DICTATE_STT_PRELOAD")
	overrideInt(&cfg.STT.MockEvery, "DICTATE_STT_MOCK_EVERY")
	overrideFloat(&cfg.STT.SilenceRMS, "DICTATE_STT_SILENCE_RMS")
	overrideInt(&cfg.STT.SilenceMS, "DICTATE_STT_SILENCE_MS")
	overrideInt(&cfg.STT.MaxUtteranceMS, "DICTATE_STT_MAX_UTTERANCE_MS")
	overrideInt(&cfg.STT.TimeoutMS, "DICTATE_STT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Backend, "DICTATE_CAPTURE_BACKEND")
	overrideString(&cfg.Capture.Device, "DICTATE_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.WAVPath, "DICTATE_CAPTURE_WAV_PATH")
	overrideBool(&cfg.Capture.Realtime, "DICTATE_CAPTURE_REALTIME")
	overrideString(&cfg.Sink.Mode, "DICTATE_SINK_MODE")
	overrideString(&cfg.Sink.Endpoint, "DICTATE_SINK_ENDPOINT")
	overrideString(&cfg.Sink.Subject, "DICTATE_SINK_SUBJECT")
	overrideInt(&cfg.Sink.TimeoutMS, "DICTATE_SINK_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
		if cfg.Bus.HeartbeatMS <= 0 || cfg.Bus.HeartbeatTimeout <= cfg.Bus.HeartbeatMS {
			return errors.New("bus.heartbeat_timeout_ms must exceed a positive bus.heartbeat_ms")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "vosk":
	default:
		return errors.New("stt.mode must be one of mock|exec|vosk")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.ModelRoot == "" {
		return errors.New("stt.model_root must not be empty")
	}
	if cfg.STT.SampleRate != SampleRate {
		return fmt.Errorf("stt.sample_rate must be %d", SampleRate)
	}
	if cfg.STT.BlockFrames != BlockFrames {
		return fmt.Errorf("stt.block_frames must be %d", BlockFrames)
	}
	for _, l := range cfg.STT.Languages {
		if l.Name == "" || l.Model == "" {
			return errors.New("stt.languages entries need both name and model")
		}
	}
	switch cfg.Capture.Backend {
	case "malgo":
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when backend=wav")
		}
	default:
		return errors.New("capture.backend must be one of malgo|wav")
	}
	switch cfg.Sink.Mode {
	case "none":
	case "http":
		if cfg.Sink.Endpoint == "" {
			return errors.New("sink.endpoint must be set when mode=http")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("sink.mode=bus requires bus.enabled")
		}
		if cfg.Sink.Subject == "" {
			return errors.New("sink.subject must be set when mode=bus")
		}
	default:
		return errors.New("sink.mode must be one of http|bus|none")
	}
	return nil
}
