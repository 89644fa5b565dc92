package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/facematch/internal/matcher"
	"github.com/joho/godotenv"
)

// DefaultDatabaseURL is used when neither FACEMATCH_DB_URL nor POSTGRES_HOST is set.
const DefaultDatabaseURL = "postgres://localhost:5432/facematch"

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Match    MatchConfig
	Server   ServerConfig
	LogLevel string
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	URL string        // empty disables the descriptor cache
	TTL time.Duration // defaults to 24h
}

type WorkerConfig struct {
	Script             string // defaults to python/detector.py
	Engines            int    // defaults to 1
	DetectionThreshold float64
	Timeout            time.Duration
}

type MatchConfig struct {
	Policy      string   // best-label or single-reference
	Threshold   *float64 // nil selects the policy default
	Aggregation string
	Mode        string // latest-wins or queue
}

type ServerConfig struct {
	Addr string
}

// LoadEnv reads .env files into the process environment. Missing files are
// not an error; existing variables are never overwritten.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		// .env file is optional, don't fail if not found
		_ = godotenv.Load()
		return
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envOptionalFloat is envFloat without a default: unset or invalid yields nil.
func envOptionalFloat(key string) *float64 {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return &f
	}
	return nil
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// DatabaseURL resolves the connection string: FACEMATCH_DB_URL, then the
// POSTGRES_* variables, then a local default.
func DatabaseURL() string {
	if u := os.Getenv("FACEMATCH_DB_URL"); u != "" {
		return u
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return DefaultDatabaseURL
}

// Load builds the configuration from the environment.
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{URL: DatabaseURL()},
		Redis: RedisConfig{
			URL: os.Getenv("FACEMATCH_REDIS_URL"),
			TTL: envDuration("FACEMATCH_REDIS_TTL", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Script:             envString("FACEMATCH_WORKER_SCRIPT", "python/detector.py"),
			Engines:            envInt("FACEMATCH_ENGINES", 1),
			DetectionThreshold: envFloat("FACEMATCH_DETECTION_THRESHOLD", 0.5),
			Timeout:            envDuration("FACEMATCH_WORKER_TIMEOUT", 30*time.Second),
		},
		Match: MatchConfig{
			Policy:      envString("FACEMATCH_POLICY", "best-label"),
			Threshold:   envOptionalFloat("FACEMATCH_THRESHOLD"),
			Aggregation: envString("FACEMATCH_AGGREGATION", "nearest"),
			Mode:        envString("FACEMATCH_RUN_MODE", "latest-wins"),
		},
		Server:   ServerConfig{Addr: envString("FACEMATCH_ADDR", ":8080")},
		LogLevel: envString("FACEMATCH_LOG_LEVEL", "info"),
	}
}

// Matcher converts the match settings into a validated matcher.Config.
// A nil threshold selects the policy's default.
func (m MatchConfig) Matcher() (matcher.Config, error) {
	policy, err := matcher.ParsePolicy(m.Policy)
	if err != nil {
		return matcher.Config{}, err
	}
	agg, err := matcher.ParseAggregation(m.Aggregation)
	if err != nil {
		return matcher.Config{}, err
	}
	cfg := matcher.DefaultConfig(policy)
	cfg.Aggregation = agg
	if m.Threshold != nil {
		cfg.Threshold = *m.Threshold
	}
	return cfg, nil
}
