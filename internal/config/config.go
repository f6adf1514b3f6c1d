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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
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
	TTS         TTSConfig       `yaml:"tts"`
	Node        NodeConfig      `yaml:"node"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this daemon to peers on the bus. An empty ID is
// replaced with a random one at startup.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TTSConfig struct {
	Enabled          bool           `yaml:"enabled"`
	Mode             string         `yaml:"mode"` // mock, exec
	Command          string         `yaml:"command"`
	ModelPath        string         `yaml:"model_path"`
	ConfigPath       string         `yaml:"config_path"`
	EspeakDataPath   string         `yaml:"espeak_data_path"`
	SessionPolicy    string         `yaml:"session_policy"` // reject, supersede
	StrictOptions    bool           `yaml:"strict_options"`
	RequestTimeoutMS int            `yaml:"request_timeout_ms"`
	QueueSize        int            `yaml:"queue_size"`
	Options          map[string]any `yaml:"options"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-piper",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/piper-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Enabled:          true,
			Mode:             "mock",
			ModelPath:        "mock.onnx",
			SessionPolicy:    "reject",
			RequestTimeoutMS: 45000,
			QueueSize:        16,
		},
		Node: NodeConfig{
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
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
	overrideString(&cfg.RuntimeName, "LOQA_PIPER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_PIPER_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_PIPER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_PIPER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_PIPER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_PIPER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_PIPER_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_PIPER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_PIPER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_PIPER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_PIPER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_PIPER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_PIPER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_PIPER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_PIPER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_PIPER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "LOQA_PIPER_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_PIPER_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_PIPER_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "LOQA_PIPER_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_PIPER_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.TTS.Enabled, "LOQA_PIPER_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_PIPER_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_PIPER_TTS_COMMAND")
	overrideString(&cfg.TTS.ModelPath, "LOQA_PIPER_TTS_MODEL_PATH")
	overrideString(&cfg.TTS.ConfigPath, "LOQA_PIPER_TTS_CONFIG_PATH")
	overrideString(&cfg.TTS.EspeakDataPath, "LOQA_PIPER_TTS_ESPEAK_DATA_PATH")
	overrideString(&cfg.TTS.SessionPolicy, "LOQA_PIPER_TTS_SESSION_POLICY")
	overrideBool(&cfg.TTS.StrictOptions, "LOQA_PIPER_TTS_STRICT_OPTIONS")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "LOQA_PIPER_TTS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.TTS.QueueSize, "LOQA_PIPER_TTS_QUEUE_SIZE")
	overrideString(&cfg.Node.ID, "LOQA_PIPER_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LOQA_PIPER_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "LOQA_PIPER_NODE_HEARTBEAT_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeoutMS < cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must be >= node.heartbeat_interval_ms")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.ModelPath == "" {
			return errors.New("tts.model_path must not be empty")
		}
		switch cfg.TTS.SessionPolicy {
		case "", "reject", "supersede":
		default:
			return errors.New("tts.session_policy must be one of reject|supersede")
		}
		if cfg.TTS.RequestTimeoutMS <= 0 {
			return errors.New("tts.request_timeout_ms must be positive")
		}
		if cfg.TTS.QueueSize <= 0 {
			return errors.New("tts.queue_size must be >= 1")
		}
	}
	return nil
}
