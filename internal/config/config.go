package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the analyst service.
type Config struct {
	Port       int
	Version    string
	Server     ServerConfig
	Completion CompletionConfig
	Sandbox    SandboxConfig
	Research   ResearchConfig
	Agent      AgentConfig
	Sessions   SessionConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
}

type ServerConfig struct {
	MaxDatasetBytes int64
	RateLimitRPS    float64
	RateLimitBurst  int
	// Comma-separated; empty disables API key auth.
	APIKeys string
}

type CompletionConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	ResearchModel string
	Timeout       time.Duration
}

type SandboxConfig struct {
	APIKey        string
	APIURL        string
	Domain        string
	TemplateID    string
	CreateTimeout time.Duration
	Lifetime      time.Duration
	DatasetPath   string
}

type ResearchConfig struct {
	ExaAPIKey       string
	SandboxLifetime time.Duration
}

type AgentConfig struct {
	MaxRounds             int
	ArtifactQuota         int
	MinNarrativeLength    int
	PreviewLimit          int
	CompletionMaxFailures int
	PolicyFile            string
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	// SampleRatio is the fraction of root spans kept, in [0, 1].
	SampleRatio float64
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ANALYST_PORT", 8080),
		Version: envStr("ANALYST_VERSION", "0.1.0"),
		Server: ServerConfig{
			MaxDatasetBytes: int64(envInt("ANALYST_MAX_DATASET_BYTES", 20<<20)),
			RateLimitRPS:    envFloat("ANALYST_RATE_LIMIT_RPS", 1),
			RateLimitBurst:  envInt("ANALYST_RATE_LIMIT_BURST", 5),
			APIKeys:         envStr("ANALYST_API_KEYS", ""),
		},
		Completion: CompletionConfig{
			APIKey:        envStr("OPENAI_API_KEY", ""),
			BaseURL:       envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:         envStr("ANALYST_MODEL", "gpt-5.1"),
			ResearchModel: envStr("ANALYST_RESEARCH_MODEL", "gpt-4.1"),
			Timeout:       envDuration("ANALYST_COMPLETION_TIMEOUT", 3*time.Minute),
		},
		Sandbox: SandboxConfig{
			APIKey:        envStr("E2B_API_KEY", ""),
			APIURL:        envStr("E2B_API_URL", "https://api.e2b.app"),
			Domain:        envStr("E2B_DOMAIN", "e2b.app"),
			TemplateID:    envStr("E2B_TEMPLATE_ID", ""),
			CreateTimeout: envDuration("ANALYST_SANDBOX_CREATE_TIMEOUT", 30*time.Second),
			Lifetime:      envDuration("ANALYST_SANDBOX_LIFETIME", 5*time.Minute),
			DatasetPath:   envStr("ANALYST_DATASET_PATH", "/home/user/data.csv"),
		},
		Research: ResearchConfig{
			ExaAPIKey:       envStr("EXA_API_KEY", ""),
			SandboxLifetime: envDuration("ANALYST_RESEARCH_SANDBOX_LIFETIME", 10*time.Minute),
		},
		Agent: AgentConfig{
			MaxRounds:             envInt("ANALYST_MAX_ROUNDS", 10),
			ArtifactQuota:         envInt("ANALYST_ARTIFACT_QUOTA", 3),
			MinNarrativeLength:    envInt("ANALYST_MIN_NARRATIVE", 50),
			PreviewLimit:          envInt("ANALYST_PREVIEW_LIMIT", 1000),
			CompletionMaxFailures: envInt("ANALYST_COMPLETION_MAX_FAILURES", 3),
			PolicyFile:            envStr("ANALYST_POLICY_FILE", ""),
		},
		Sessions: SessionConfig{
			TTL:           envDuration("ANALYST_SESSION_TTL", time.Hour),
			SweepInterval: envDuration("ANALYST_SESSION_SWEEP", 10*time.Minute),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "analyst"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_RATIO", 1),
		},
		Log: LogConfig{
			Level:  envStr("ANALYST_LOG_LEVEL", "info"),
			Format: envStr("ANALYST_LOG_FORMAT", "console"),
		},
	}
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

// envDuration accepts Go durations ("45s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
