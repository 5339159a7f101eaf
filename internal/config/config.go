package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all configuration for the control plane.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Runtime   RuntimeConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// AuthConfig configures the non-cookie auth paths: CLI API keys and the
// internal service-account tokens agents use to call back into the server.
type AuthConfig struct {
	APIKeys             []string
	ServiceAccountSecret string
	SessionCookieName    string
}

// RuntimeConfig carries the spec's env-driven process-wide switches.
type RuntimeConfig struct {
	SystemRoot       string
	HighSecurity     bool
	WetwareDeceased  bool
	HeadlessRuntime  bool
	BaseModel        string
	ModelServerURL   string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	home, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(home, ".metahuman-os")

	return &Config{
		Port:    envInt("MH_PORT", 8080),
		Version: envStr("MH_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "metahuman-os-control-plane"),
		},
		Auth: AuthConfig{
			APIKeys:              envList("MH_API_KEYS"),
			ServiceAccountSecret: envStr("MH_AGENT_TOKEN_SECRET", ""),
			SessionCookieName:    "mh_session",
		},
		Runtime: RuntimeConfig{
			SystemRoot:      envStr("MH_SYSTEM_ROOT", defaultRoot),
			HighSecurity:    envBool("HIGH_SECURITY", false),
			WetwareDeceased: envBool("WETWARE_DECEASED", false),
			HeadlessRuntime: envBool("HEADLESS_RUNTIME", false),
			BaseModel:       envStr("METAHUMAN_BASE_MODEL", "llama3"),
			ModelServerURL:  envStr("MH_MODEL_SERVER_URL", "http://localhost:11434"),
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
