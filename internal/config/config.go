package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the control plane. It is loaded once
// at process start and passed down; nothing mutates it afterwards.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	LogFormat string // "console" or "json"
	// APIKeys guard the admin API. Empty disables the check.
	APIKeys []string

	Store      StoreConfig
	Telemetry  TelemetryConfig
	Providers  ProvidersConfig
	Routing    Routing
	Pipeline   PipelineConfig
	Retention  RetentionConfig
	Budget     BudgetConfig
	Redis      RedisConfig
	Gateway    GatewayConfig
	Media      MediaConfig
	Embeddings EmbeddingsConfig
}

type StoreConfig struct {
	Driver  string // memory, sqlite, postgres
	URL     string
	DataDir string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	Insecure     bool
	ServiceName  string
	// SampleRatio is the fraction of root spans kept; 1 keeps all.
	SampleRatio float64
}

// BackendConfig is the per-provider feature flag plus credentials.
// A backend is available only if Enabled and its credentials are present.
type BackendConfig struct {
	Enabled bool
	APIKey  string
	BaseURL string
	Model   string
}

type ProvidersConfig struct {
	OpenAI    BackendConfig
	Anthropic BackendConfig
	Gemini    BackendConfig
	Ollama    BackendConfig
	// Simulation replaces every provider call with a canned zero-cost reply.
	Simulation bool
	Timeout    time.Duration
}

type PipelineConfig struct {
	Workers      int
	StepTimeout  time.Duration
	DedupeWindow time.Duration
	// SubstantialLength is the rune count above which a message is treated
	// as a pipeline request rather than direct chat.
	SubstantialLength int
	HistoryTurns      int
}

// RetentionConfig controls how long finished pipelines are kept.
type RetentionConfig struct {
	// Window is the age after completion at which a pipeline is purged.
	// Zero keeps pipelines forever.
	Window   time.Duration
	Interval time.Duration
}

type BudgetConfig struct {
	// RuleTTL bounds how stale cached budget rules may be.
	RuleTTL time.Duration
}

type RedisConfig struct {
	URL string
}

type GatewayConfig struct {
	WebhookURL   string
	Secret       string
	MessageLimit int // runes per outbound message
}

type MediaConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type EmbeddingsConfig struct {
	Provider string // genai, openai, none
	Model    string
}

// Load reads configuration from a .env file (if present), environment
// variables and the optional routing YAML.
func Load() (*Config, error) {
	// .env never overrides variables already set in the shell.
	if err := godotenv.Load(envStr("ENV_FILE", ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{
		Port:      envInt("PORT", 8080),
		Version:   envStr("CONTROLPLANE_VERSION", "0.1.0"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "console"),
		APIKeys:   envList("ADMIN_API_KEYS"),
		Store: StoreConfig{
			Driver:  envStr("STORE_DRIVER", "memory"),
			URL:     envStr("DATABASE_URL", ""),
			DataDir: envStr("DATA_DIR", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "resonance-control-plane"),
			SampleRatio:  envFloat("OTEL_SAMPLE_RATIO", 1),
		},
		Providers: ProvidersConfig{
			OpenAI: BackendConfig{
				Enabled: envBool("OPENAI_ENABLED", true),
				APIKey:  envStr("OPENAI_API_KEY", ""),
				BaseURL: envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Model:   envStr("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Anthropic: BackendConfig{
				Enabled: envBool("ANTHROPIC_ENABLED", true),
				APIKey:  envStr("ANTHROPIC_API_KEY", ""),
				BaseURL: envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				Model:   envStr("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			},
			Gemini: BackendConfig{
				Enabled: envBool("GEMINI_ENABLED", true),
				APIKey:  envStr("GEMINI_API_KEY", ""),
				BaseURL: envStr("GEMINI_BASE_URL", ""),
				Model:   envStr("GEMINI_MODEL", "gemini-2.0-flash"),
			},
			Ollama: BackendConfig{
				Enabled: envBool("OLLAMA_ENABLED", false),
				BaseURL: envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envStr("OLLAMA_MODEL", "llama3.2"),
			},
			Simulation: envBool("SIMULATION_MODE", false),
			Timeout:    envDuration("PROVIDER_TIMEOUT", 120*time.Second),
		},
		Pipeline: PipelineConfig{
			Workers:           envInt("PIPELINE_WORKERS", 4),
			StepTimeout:       envDuration("STEP_TIMEOUT", 2*time.Minute),
			DedupeWindow:      envDuration("DEDUPE_WINDOW", 10*time.Minute),
			SubstantialLength: envInt("SUBSTANTIAL_LENGTH", 120),
			HistoryTurns:      envInt("CHAT_HISTORY_TURNS", 10),
		},
		Retention: RetentionConfig{
			Window:   envDuration("PIPELINE_RETENTION", 30*24*time.Hour),
			Interval: envDuration("RETENTION_INTERVAL", time.Hour),
		},
		Budget: BudgetConfig{
			RuleTTL: envDuration("BUDGET_RULE_TTL", 30*time.Second),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Gateway: GatewayConfig{
			WebhookURL:   envStr("GATEWAY_WEBHOOK_URL", ""),
			Secret:       envStr("GATEWAY_SECRET", ""),
			MessageLimit: envInt("GATEWAY_MESSAGE_LIMIT", 4096),
		},
		Media: MediaConfig{
			Endpoint:  envStr("MINIO_ENDPOINT", ""),
			AccessKey: envStr("MINIO_ACCESS_KEY", ""),
			SecretKey: envStr("MINIO_SECRET_KEY", ""),
			Bucket:    envStr("MINIO_BUCKET", "inbound-media"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Embeddings: EmbeddingsConfig{
			Provider: envStr("EMBEDDINGS_PROVIDER", "none"),
			Model:    envStr("EMBEDDINGS_MODEL", ""),
		},
	}

	routing := DefaultRouting()
	if path := envStr("ROUTING_FILE", ""); path != "" {
		loaded, err := LoadRouting(path)
		if err != nil {
			return nil, err
		}
		routing = loaded
	}
	cfg.Routing = routing

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
