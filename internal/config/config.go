package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Network     NetworkConfig     `yaml:"network"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Generation  GenerationConfig  `yaml:"generation"`
	Translation TranslationConfig `yaml:"translation"`
	Speech      SpeechConfig      `yaml:"speech"`
}

type NetworkConfig struct {
	SocksProxy string `yaml:"socks_proxy"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxPayload     int32    `yaml:"max_payload"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	QueueGroup     string   `yaml:"queue_group"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PipelineConfig struct {
	DefaultLanguage string `yaml:"default_language"`
	TurnTimeoutMS   int    `yaml:"turn_timeout_ms"`
}

type RecognitionConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, whisper
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	ListenWindowMS int    `yaml:"listen_window_ms"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	Threads        int    `yaml:"threads"`
}

type GenerationConfig struct {
	Mode         string  `yaml:"mode"` // openai, ollama, exec, mock
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	TopK         int     `yaml:"top_k"`
	MaxTokens    int     `yaml:"max_tokens"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

type TranslationConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, http, lambda
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	FunctionName   string `yaml:"function_name"`
	Region         string `yaml:"region"`
	SourceCode     string `yaml:"source_code"`
	MaxChunkTokens int    `yaml:"max_chunk_tokens"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type SpeechConfig struct {
	Mode       string `yaml:"mode"` // mock, gtts, exec
	Command    string `yaml:"command"`
	Endpoint   string `yaml:"endpoint"`
	Dir        string `yaml:"dir"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// ConfigurationError reports a setting the pipeline cannot run without.
// It is raised at startup, never per turn.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func Default() Config {
	return Config{
		RuntimeName: "minerlex",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled:        true,
			Bind:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 10 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxPayload:     8 << 20,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			QueueGroup:     "minerlex",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/minerlex-turns.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxTurns:      10000,
		},
		Pipeline: PipelineConfig{
			DefaultLanguage: "English",
			TurnTimeoutMS:   120000,
		},
		Recognition: RecognitionConfig{
			Mode:           "mock",
			Language:       "en",
			SampleRate:     16000,
			ListenWindowMS: 10000,
			TimeoutMS:      45000,
		},
		Generation: GenerationConfig{
			Mode:        "openai",
			Endpoint:    "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:       "gemini-1.5-flash-8b",
			Temperature: 0.7,
			TopP:        0.95,
			TopK:        40,
			MaxTokens:   8192,
			TimeoutMS:   60000,
		},
		Translation: TranslationConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:5000/translate",
			SourceCode:     "en_XX",
			MaxChunkTokens: 200,
			TimeoutMS:      60000,
		},
		Speech: SpeechConfig{
			Mode:       "gtts",
			Endpoint:   "https://translate.google.com/translate_tts",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  45000,
		},
	}
}

// Load reads an optional dotenv file, the YAML config at path and
// MINERLEX_* environment overrides, in that order.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, "")
}

func LoadWithEnv(path, envFile string) (Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to load env file: %w", err)
		}
	}

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
	overrideString(&cfg.RuntimeName, "MINERLEX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MINERLEX_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "MINERLEX_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "MINERLEX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MINERLEX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MINERLEX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MINERLEX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MINERLEX_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "MINERLEX_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Network.SocksProxy, "MINERLEX_SOCKS_PROXY")
	overrideBool(&cfg.Bus.Enabled, "MINERLEX_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MINERLEX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MINERLEX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MINERLEX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MINERLEX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MINERLEX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MINERLEX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MINERLEX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MINERLEX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "MINERLEX_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MINERLEX_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MINERLEX_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxTurns, "MINERLEX_EVENT_STORE_MAX_TURNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MINERLEX_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Pipeline.DefaultLanguage, "MINERLEX_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Pipeline.TurnTimeoutMS, "MINERLEX_TURN_TIMEOUT_MS")
	overrideString(&cfg.Recognition.Mode, "MINERLEX_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "MINERLEX_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.ModelPath, "MINERLEX_RECOGNITION_MODEL_PATH")
	overrideString(&cfg.Recognition.Language, "MINERLEX_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Recognition.ListenWindowMS, "MINERLEX_RECOGNITION_LISTEN_WINDOW_MS")
	overrideInt(&cfg.Recognition.TimeoutMS, "MINERLEX_RECOGNITION_TIMEOUT_MS")
	overrideString(&cfg.Generation.Mode, "MINERLEX_GENERATION_MODE")
	overrideString(&cfg.Generation.Endpoint, "MINERLEX_GENERATION_ENDPOINT")
	overrideString(&cfg.Generation.Command, "MINERLEX_GENERATION_COMMAND")
	overrideString(&cfg.Generation.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Generation.APIKey, "MINERLEX_GENERATION_API_KEY")
	overrideString(&cfg.Generation.Model, "MINERLEX_GENERATION_MODEL")
	overrideString(&cfg.Generation.SystemPrompt, "MINERLEX_GENERATION_SYSTEM_PROMPT")
	overrideFloat(&cfg.Generation.Temperature, "MINERLEX_GENERATION_TEMPERATURE")
	overrideFloat(&cfg.Generation.TopP, "MINERLEX_GENERATION_TOP_P")
	overrideInt(&cfg.Generation.TopK, "MINERLEX_GENERATION_TOP_K")
	overrideInt(&cfg.Generation.MaxTokens, "MINERLEX_GENERATION_MAX_TOKENS")
	overrideInt(&cfg.Generation.TimeoutMS, "MINERLEX_GENERATION_TIMEOUT_MS")
	overrideString(&cfg.Translation.Mode, "MINERLEX_TRANSLATION_MODE")
	overrideString(&cfg.Translation.Command, "MINERLEX_TRANSLATION_COMMAND")
	overrideString(&cfg.Translation.Endpoint, "MINERLEX_TRANSLATION_ENDPOINT")
	overrideString(&cfg.Translation.APIKey, "MINERLEX_TRANSLATION_API_KEY")
	overrideString(&cfg.Translation.FunctionName, "MINERLEX_TRANSLATION_FUNCTION_NAME")
	overrideString(&cfg.Translation.Region, "MINERLEX_TRANSLATION_REGION")
	overrideInt(&cfg.Translation.MaxChunkTokens, "MINERLEX_TRANSLATION_MAX_CHUNK_TOKENS")
	overrideInt(&cfg.Translation.TimeoutMS, "MINERLEX_TRANSLATION_TIMEOUT_MS")
	overrideString(&cfg.Speech.Mode, "MINERLEX_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "MINERLEX_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Endpoint, "MINERLEX_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.Dir, "MINERLEX_SPEECH_DIR")
	overrideInt(&cfg.Speech.TimeoutMS, "MINERLEX_SPEECH_TIMEOUT_MS")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
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
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Pipeline.DefaultLanguage == "" {
		return errors.New("pipeline.default_language must not be empty")
	}

	switch cfg.Recognition.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("recognition.mode must be one of mock|exec|whisper")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Recognition.Mode == "whisper" && cfg.Recognition.ModelPath == "" {
		return errors.New("recognition.model_path must be set when mode=whisper")
	}
	if cfg.Recognition.ListenWindowMS <= 0 {
		return errors.New("recognition.listen_window_ms must be positive")
	}

	switch cfg.Generation.Mode {
	case "openai", "ollama", "exec", "mock":
	default:
		return errors.New("generation.mode must be one of openai|ollama|exec|mock")
	}
	if cfg.Generation.Mode == "openai" && strings.TrimSpace(cfg.Generation.APIKey) == "" {
		return &ConfigurationError{Field: "generation.api_key", Reason: "API key is missing; set GEMINI_API_KEY or MINERLEX_GENERATION_API_KEY"}
	}
	if cfg.Generation.Mode == "ollama" && cfg.Generation.Endpoint == "" {
		return errors.New("generation.endpoint must be set when mode=ollama")
	}
	if cfg.Generation.Mode == "exec" && cfg.Generation.Command == "" {
		return errors.New("generation.command must be set when mode=exec")
	}
	if cfg.Generation.MaxTokens < 0 {
		return errors.New("generation.max_tokens must be >= 0")
	}

	switch cfg.Translation.Mode {
	case "mock", "exec", "http", "lambda":
	default:
		return errors.New("translation.mode must be one of mock|exec|http|lambda")
	}
	if cfg.Translation.Mode == "exec" && cfg.Translation.Command == "" {
		return errors.New("translation.command must be set when mode=exec")
	}
	if cfg.Translation.Mode == "http" && cfg.Translation.Endpoint == "" {
		return errors.New("translation.endpoint must be set when mode=http")
	}
	if cfg.Translation.Mode == "lambda" && cfg.Translation.FunctionName == "" {
		return errors.New("translation.function_name must be set when mode=lambda")
	}

	switch cfg.Speech.Mode {
	case "mock", "gtts", "exec":
	default:
		return errors.New("speech.mode must be one of mock|gtts|exec")
	}
	if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when mode=exec")
	}
	if cfg.Speech.Mode == "gtts" && cfg.Speech.Endpoint == "" {
		return errors.New("speech.endpoint must be set when mode=gtts")
	}
	if cfg.Speech.SampleRate <= 0 {
		return errors.New("speech.sample_rate must be positive")
	}
	if cfg.Speech.Channels <= 0 {
		return errors.New("speech.channels must be positive")
	}
	return nil
}
