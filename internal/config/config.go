package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
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
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	PublicBaseURL string              `yaml:"public_base_url"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Store         StoreConfig         `yaml:"store"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Cache         CacheConfig         `yaml:"cache"`
	Call          CallConfig          `yaml:"call"`
	LLM           LLMConfig           `yaml:"llm"`
	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	Transcription TranscriptionConfig `yaml:"transcription"`
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
	ConnectRetries int      `yaml:"connect_retries"`
}

// StoreConfig controls where call sessions, caller records and the event
// timeline are persisted. Mode "memory" keeps sessions in process and skips
// the caller ledger and timeline.
type StoreConfig struct {
	Mode          string `yaml:"mode"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SynthesisConfig struct {
	Mode             string   `yaml:"mode"` // mock, websocket, exec
	Endpoint         string   `yaml:"endpoint"`
	APIKey           string   `yaml:"api_key"`
	Command          string   `yaml:"command"`
	Voice            string   `yaml:"voice"`
	Style            string   `yaml:"style"`
	Pitch            float64  `yaml:"pitch"`
	Rate             float64  `yaml:"rate"`
	Format           string   `yaml:"format"`
	SampleRate       int      `yaml:"sample_rate"`
	Channels         int      `yaml:"channels"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
	OverallTimeoutMS int      `yaml:"overall_timeout_ms"`
	Concurrency      int      `yaml:"concurrency"`
	WarmOnStart      bool     `yaml:"warm_on_start"`
	WarmPhrases      []string `yaml:"warm_phrases"`
}

type CacheConfig struct {
	Directory            string `yaml:"directory"`
	MemoryEntries        int    `yaml:"memory_entries"`
	MaxAgeHours          int    `yaml:"max_age_hours"`
	SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
}

// CallConfig holds the per-turn timing contract and the telephony prompts.
type CallConfig struct {
	InterviewCap       int    `yaml:"interview_cap"`
	CoachingCap        int    `yaml:"coaching_cap"`
	RenderTimeoutMS    int    `yaml:"render_timeout_ms"`
	RaceTimeoutMS      int    `yaml:"race_timeout_ms"`
	HandlerBudgetMS    int    `yaml:"handler_budget_ms"`
	RecordMaxSeconds   int    `yaml:"record_max_seconds"`
	RecordSilenceSecs  int    `yaml:"record_silence_seconds"`
	FinishOnKey        string `yaml:"finish_on_key"`
	GatherTimeoutSecs  int    `yaml:"gather_timeout_seconds"`
	MaxMenuAttempts    int    `yaml:"max_menu_attempts"`
	FallbackVoice      string `yaml:"fallback_voice"`
	Industry           string `yaml:"industry"`
	ExperienceLevel    string `yaml:"experience_level"`
	GreetingPrompt     string `yaml:"greeting_prompt"`
	HoldPrompt         string `yaml:"hold_prompt"`
	ReassurancePrompt  string `yaml:"reassurance_prompt"`
	NoInputPrompt      string `yaml:"no_input_prompt"`
	GoodbyePrompt      string `yaml:"goodbye_prompt"`
	InvalidMenuPrompt  string `yaml:"invalid_menu_prompt"`
	TaskRetentionMins  int    `yaml:"task_retention_minutes"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type ReasoningConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

// TranscriptionConfig selects where answer transcripts come from. Mode
// "transport" trusts the transcript fields posted by the telephony provider;
// "exec" downloads the recording and runs a local recognizer on it.
type TranscriptionConfig struct {
	Mode              string `yaml:"mode"` // transport, exec, mock
	Command           string `yaml:"command"`
	ModelPath         string `yaml:"model_path"`
	Language          string `yaml:"language"`
	AccountSID        string `yaml:"account_sid"`
	AuthToken         string `yaml:"auth_token"`
	DownloadTimeoutMS int    `yaml:"download_timeout_ms"`
	MaxRecordingBytes int64  `yaml:"max_recording_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName:   "voiceline",
		Environment:   "development",
		PublicBaseURL: "http://localhost:8080",
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
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			ConnectRetries: 5,
		},
		Store: StoreConfig{
			Mode:          "sqlite",
			Path:          "./data/voiceline.db",
			RetentionDays: 90,
			MaxSessions:   100000,
		},
		Synthesis: SynthesisConfig{
			Mode:             "mock",
			Voice:            "en-US-standard",
			Style:            "neutral",
			Pitch:            0,
			Rate:             1.0,
			Format:           "mp3",
			SampleRate:       22050,
			Channels:         1,
			ConnectTimeoutMS: 10000,
			OverallTimeoutMS: 30000,
			Concurrency:      1,
			WarmOnStart:      true,
		},
		Cache: CacheConfig{
			Directory:            "./data/audio",
			MemoryEntries:        256,
			MaxAgeHours:          7 * 24,
			SweepIntervalMinutes: 60,
		},
		Call: CallConfig{
			InterviewCap:      5,
			CoachingCap:       3,
			RenderTimeoutMS:   8000,
			RaceTimeoutMS:     8000,
			HandlerBudgetMS:   9000,
			RecordMaxSeconds:  60,
			RecordSilenceSecs: 5,
			FinishOnKey:       "#",
			GatherTimeoutSecs: 6,
			MaxMenuAttempts:   3,
			FallbackVoice:     "alice",
			Industry:          "general",
			ExperienceLevel:   "mid",
			GreetingPrompt:    "Welcome to interview practice. Press 1 for a mock interview, or press 2 for a coaching session.",
			HoldPrompt:        "Thanks. Give me a moment while I think about that.",
			ReassurancePrompt: "Sorry, something went wrong on our side. Let's keep going. Please share your answer after the tone.",
			NoInputPrompt:     "I didn't catch that. Let me ask again.",
			GoodbyePrompt:     "Thanks for calling. Goodbye.",
			InvalidMenuPrompt: "Sorry, that wasn't a valid choice.",
			TaskRetentionMins: 30,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.7,
		},
		Reasoning: ReasoningConfig{
			TimeoutMS: 20000,
		},
		Transcription: TranscriptionConfig{
			Mode:              "transport",
			Language:          "en",
			DownloadTimeoutMS: 10000,
			MaxRecordingBytes: 16 << 20,
		},
	}
}

// WarmPhrases returns the phrases spoken on every turn regardless of the
// conversation, plus any extra configured phrases.
func (c CallConfig) WarmPhrases(extra []string) []string {
	base := []string{c.GreetingPrompt, c.InvalidMenuPrompt, c.HoldPrompt, c.ReassurancePrompt, c.NoInputPrompt, c.GoodbyePrompt}
	seen := make(map[string]struct{}, len(base)+len(extra))
	var out []string
	for _, p := range append(base, extra...) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func Load(path string) (Config, error) {
	cfg := Default()

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

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
	overrideString(&cfg.RuntimeName, "VOICELINE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICELINE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.PublicBaseURL, "VOICELINE_PUBLIC_BASE_URL")
	overrideString(&cfg.HTTP.Bind, "VOICELINE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICELINE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICELINE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICELINE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICELINE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICELINE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOICELINE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICELINE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICELINE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICELINE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICELINE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICELINE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICELINE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICELINE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICELINE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICELINE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.ConnectRetries, "VOICELINE_BUS_CONNECT_RETRIES")
	overrideString(&cfg.Store.Mode, "VOICELINE_STORE_MODE")
	overrideString(&cfg.Store.Path, "VOICELINE_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "VOICELINE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "VOICELINE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "VOICELINE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synthesis.Mode, "VOICELINE_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "VOICELINE_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.APIKey, "VOICELINE_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.Command, "VOICELINE_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Voice, "VOICELINE_SYNTHESIS_VOICE")
	overrideString(&cfg.Synthesis.Style, "VOICELINE_SYNTHESIS_STYLE")
	overrideFloat(&cfg.Synthesis.Pitch, "VOICELINE_SYNTHESIS_PITCH")
	overrideFloat(&cfg.Synthesis.Rate, "VOICELINE_SYNTHESIS_RATE")
	overrideString(&cfg.Synthesis.Format, "VOICELINE_SYNTHESIS_FORMAT")
	overrideInt(&cfg.Synthesis.SampleRate, "VOICELINE_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.Channels, "VOICELINE_SYNTHESIS_CHANNELS")
	overrideInt(&cfg.Synthesis.ConnectTimeoutMS, "VOICELINE_SYNTHESIS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.OverallTimeoutMS, "VOICELINE_SYNTHESIS_OVERALL_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.Concurrency, "VOICELINE_SYNTHESIS_CONCURRENCY")
	overrideBool(&cfg.Synthesis.WarmOnStart, "VOICELINE_SYNTHESIS_WARM_ON_START")
	overrideString(&cfg.Cache.Directory, "VOICELINE_CACHE_DIRECTORY")
	overrideInt(&cfg.Cache.MemoryEntries, "VOICELINE_CACHE_MEMORY_ENTRIES")
	overrideInt(&cfg.Cache.MaxAgeHours, "VOICELINE_CACHE_MAX_AGE_HOURS")
	overrideInt(&cfg.Cache.SweepIntervalMinutes, "VOICELINE_CACHE_SWEEP_INTERVAL_MINUTES")
	overrideInt(&cfg.Call.InterviewCap, "VOICELINE_CALL_INTERVIEW_CAP")
	overrideInt(&cfg.Call.CoachingCap, "VOICELINE_CALL_COACHING_CAP")
	overrideInt(&cfg.Call.RenderTimeoutMS, "VOICELINE_CALL_RENDER_TIMEOUT_MS")
	overrideInt(&cfg.Call.RaceTimeoutMS, "VOICELINE_CALL_RACE_TIMEOUT_MS")
	overrideInt(&cfg.Call.HandlerBudgetMS, "VOICELINE_CALL_HANDLER_BUDGET_MS")
	overrideInt(&cfg.Call.RecordMaxSeconds, "VOICELINE_CALL_RECORD_MAX_SECONDS")
	overrideString(&cfg.Call.FallbackVoice, "VOICELINE_CALL_FALLBACK_VOICE")
	overrideString(&cfg.Call.Industry, "VOICELINE_CALL_INDUSTRY")
	overrideString(&cfg.Call.ExperienceLevel, "VOICELINE_CALL_EXPERIENCE_LEVEL")
	overrideString(&cfg.LLM.Mode, "VOICELINE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "VOICELINE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "VOICELINE_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "VOICELINE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "VOICELINE_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "VOICELINE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOICELINE_LLM_TEMPERATURE")
	overrideInt(&cfg.Reasoning.TimeoutMS, "VOICELINE_REASONING_TIMEOUT_MS")
	overrideString(&cfg.Transcription.Mode, "VOICELINE_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Command, "VOICELINE_TRANSCRIPTION_COMMAND")
	overrideString(&cfg.Transcription.ModelPath, "VOICELINE_TRANSCRIPTION_MODEL_PATH")
	overrideString(&cfg.Transcription.Language, "VOICELINE_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.AccountSID, "VOICELINE_TRANSCRIPTION_ACCOUNT_SID")
	overrideString(&cfg.Transcription.AuthToken, "VOICELINE_TRANSCRIPTION_AUTH_TOKEN")
	overrideInt(&cfg.Transcription.DownloadTimeoutMS, "VOICELINE_TRANSCRIPTION_DOWNLOAD_TIMEOUT_MS")
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
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return errors.New("public_base_url must not be empty")
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
	switch cfg.Store.Mode {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when mode=sqlite")
		}
	default:
		return errors.New("store.mode must be one of memory|sqlite")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Synthesis.Mode {
	case "mock":
	case "websocket":
		if cfg.Synthesis.Endpoint == "" {
			return errors.New("synthesis.endpoint must be set when mode=websocket")
		}
	case "exec":
		if cfg.Synthesis.Command == "" {
			return errors.New("synthesis.command must be set when mode=exec")
		}
	default:
		return errors.New("synthesis.mode must be one of mock|websocket|exec")
	}
	if cfg.Synthesis.ConnectTimeoutMS <= 0 || cfg.Synthesis.OverallTimeoutMS <= 0 {
		return errors.New("synthesis timeouts must be positive")
	}
	if cfg.Synthesis.ConnectTimeoutMS > cfg.Synthesis.OverallTimeoutMS {
		return errors.New("synthesis.connect_timeout_ms must not exceed overall_timeout_ms")
	}
	if cfg.Synthesis.Concurrency < 1 || cfg.Synthesis.Concurrency > 3 {
		return errors.New("synthesis.concurrency must be between 1 and 3")
	}
	switch cfg.Synthesis.Format {
	case "mp3", "wav", "ulaw", "ogg", "pcm":
	default:
		return errors.New("synthesis.format must be one of mp3|wav|ulaw|ogg|pcm")
	}
	if cfg.Synthesis.SampleRate <= 0 || cfg.Synthesis.Channels <= 0 {
		return errors.New("synthesis.sample_rate and synthesis.channels must be positive")
	}
	if cfg.Cache.Directory == "" {
		return errors.New("cache.directory must not be empty")
	}
	if cfg.Cache.MaxAgeHours < 0 {
		return errors.New("cache.max_age_hours must be >= 0")
	}
	if cfg.Call.InterviewCap <= 0 || cfg.Call.CoachingCap <= 0 {
		return errors.New("call caps must be positive")
	}
	if cfg.Call.RaceTimeoutMS <= 0 || cfg.Call.RenderTimeoutMS <= 0 {
		return errors.New("call.race_timeout_ms and call.render_timeout_ms must be positive")
	}
	if cfg.Call.HandlerBudgetMS < cfg.Call.RaceTimeoutMS {
		return errors.New("call.handler_budget_ms must be at least call.race_timeout_ms")
	}
	if cfg.Call.RecordMaxSeconds <= 0 {
		return errors.New("call.record_max_seconds must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "openai":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.Transcription.Mode {
	case "transport", "mock":
	case "exec":
		if cfg.Transcription.Command == "" {
			return errors.New("transcription.command must be set when mode=exec")
		}
	default:
		return errors.New("transcription.mode must be one of transport|exec|mock")
	}
	return nil
}
