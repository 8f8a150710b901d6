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
	Node        NodeConfig      `yaml:"node"`
	Store       StoreConfig     `yaml:"store"`
	Storage     StorageConfig   `yaml:"storage"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

// NodeConfig identifies this process to peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// StoreConfig describes the SQLite database holding books, sentences and speakers.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJournal    int    `yaml:"max_journal_rows"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type StorageConfig struct {
	AudioDir    string `yaml:"audio_dir"`
	AudioFormat string `yaml:"audio_format"`
}

type PipelineConfig struct {
	AttributionWorkers int `yaml:"attribution_workers"`
	StressWorkers      int `yaml:"stress_workers"`
	SynthesisWorkers   int `yaml:"synthesis_workers"`
	FailureBackoffMS   int `yaml:"failure_backoff_ms"`
	// RetryAttempts bounds automatic retries of a failed external call before the
	// item is stranded. 1 disables retry.
	RetryAttempts      int `yaml:"retry_attempts"`
	RetryBackoffMS     int `yaml:"retry_backoff_ms"`
	AttributionTimeout int `yaml:"attribution_timeout_ms"`
	StressTimeout      int `yaml:"stress_timeout_ms"`
	SynthesisTimeout   int `yaml:"synthesis_timeout_ms"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode         string `yaml:"mode"` // mock, http, exec
	Endpoint     string `yaml:"endpoint"`
	Command      string `yaml:"command"`
	DefaultVoice string `yaml:"default_voice"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                defaultNodeID(),
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Store: StoreConfig{
			Path:          "./data/narrator.db",
			RetentionDays: 30,
			MaxJournal:    100000,
		},
		Storage: StorageConfig{
			AudioDir:    "./data/audio",
			AudioFormat: "mp3",
		},
		Pipeline: PipelineConfig{
			AttributionWorkers: 1,
			StressWorkers:      1,
			SynthesisWorkers:   1,
			FailureBackoffMS:   1000,
			RetryAttempts:      1,
			RetryBackoffMS:     500,
			AttributionTimeout: 120000,
			StressTimeout:      120000,
			SynthesisTimeout:   300000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.2,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			Endpoint:     "http://localhost:7860",
			DefaultVoice: "default",
			SampleRate:   24000,
			Channels:     1,
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "NARRATOR_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "NARRATOR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "NARRATOR_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "NARRATOR_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "NARRATOR_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxJournal, "NARRATOR_STORE_MAX_JOURNAL_ROWS")
	overrideBool(&cfg.Store.VacuumOnStart, "NARRATOR_STORE_VACUUM_ON_START")
	overrideString(&cfg.Storage.AudioDir, "NARRATOR_STORAGE_AUDIO_DIR")
	overrideString(&cfg.Storage.AudioFormat, "NARRATOR_STORAGE_AUDIO_FORMAT")
	overrideInt(&cfg.Pipeline.AttributionWorkers, "NARRATOR_PIPELINE_ATTRIBUTION_WORKERS")
	overrideInt(&cfg.Pipeline.StressWorkers, "NARRATOR_PIPELINE_STRESS_WORKERS")
	overrideInt(&cfg.Pipeline.SynthesisWorkers, "NARRATOR_PIPELINE_SYNTHESIS_WORKERS")
	overrideInt(&cfg.Pipeline.FailureBackoffMS, "NARRATOR_PIPELINE_FAILURE_BACKOFF_MS")
	overrideInt(&cfg.Pipeline.RetryAttempts, "NARRATOR_PIPELINE_RETRY_ATTEMPTS")
	overrideInt(&cfg.Pipeline.RetryBackoffMS, "NARRATOR_PIPELINE_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Pipeline.AttributionTimeout, "NARRATOR_PIPELINE_ATTRIBUTION_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.StressTimeout, "NARRATOR_PIPELINE_STRESS_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.SynthesisTimeout, "NARRATOR_PIPELINE_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "NARRATOR_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "NARRATOR_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "NARRATOR_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "NARRATOR_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "NARRATOR_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "NARRATOR_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "NARRATOR_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "NARRATOR_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "NARRATOR_TTS_COMMAND")
	overrideString(&cfg.TTS.DefaultVoice, "NARRATOR_TTS_DEFAULT_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "NARRATOR_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "NARRATOR_TTS_CHANNELS")
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
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Storage.AudioDir == "" {
		return errors.New("storage.audio_dir must not be empty")
	}
	switch cfg.Storage.AudioFormat {
	case "mp3", "wav", "ogg", "opus":
	default:
		return errors.New("storage.audio_format must be one of mp3|wav|ogg|opus")
	}
	if cfg.Pipeline.AttributionWorkers <= 0 || cfg.Pipeline.StressWorkers <= 0 || cfg.Pipeline.SynthesisWorkers <= 0 {
		return errors.New("pipeline worker counts must be >= 1")
	}
	if cfg.Pipeline.FailureBackoffMS < 0 {
		return errors.New("pipeline.failure_backoff_ms must be >= 0")
	}
	if cfg.Pipeline.RetryAttempts < 1 {
		return errors.New("pipeline.retry_attempts must be >= 1")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("tts.mode must be one of mock|http|exec")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	return nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "narrator-1"
	}
	return "narrator-" + host
}
