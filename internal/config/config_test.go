package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/facematch/internal/matcher"
)

func TestDatabaseURL(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"Default", nil, DefaultDatabaseURL},
		{"Explicit URL wins", map[string]string{"FACEMATCH_DB_URL": "postgres://x/y", "POSTGRES_HOST": "db"}, "postgres://x/y"},
		{
			"Built from POSTGRES vars",
			map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p", "POSTGRES_DB": "faces"},
			"postgres://u:p@db:5432/faces",
		},
		{
			"Custom port",
			map[string]string{"POSTGRES_HOST": "db", "POSTGRES_USER": "u", "POSTGRES_PASSWORD": "p", "POSTGRES_DB": "faces", "POSTGRES_PORT": "6543"},
			"postgres://u:p@db:6543/faces",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"FACEMATCH_DB_URL", "POSTGRES_HOST", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_PORT"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := DatabaseURL(); got != tt.want {
				t.Errorf("DatabaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"FACEMATCH_REDIS_URL", "FACEMATCH_ENGINES", "FACEMATCH_THRESHOLD", "FACEMATCH_POLICY", "FACEMATCH_REDIS_TTL"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	if cfg.Worker.Engines != 1 {
		t.Errorf("expected 1 engine, got %d", cfg.Worker.Engines)
	}
	if cfg.Match.Policy != "best-label" {
		t.Errorf("expected best-label, got %q", cfg.Match.Policy)
	}
	if cfg.Redis.URL != "" || cfg.Redis.TTL != 24*time.Hour {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Match.Threshold != nil {
		t.Errorf("expected policy default threshold, got %v", *cfg.Match.Threshold)
	}
}

func TestLoadZeroThreshold(t *testing.T) {
	t.Setenv("FACEMATCH_THRESHOLD", "0")
	t.Setenv("FACEMATCH_POLICY", "best-label")
	t.Setenv("FACEMATCH_AGGREGATION", "nearest")

	cfg := Load()
	if cfg.Match.Threshold == nil || *cfg.Match.Threshold != 0 {
		t.Fatalf("expected explicit zero threshold, got %v", cfg.Match.Threshold)
	}
	mc, err := cfg.Match.Matcher()
	if err != nil {
		t.Fatal(err)
	}
	if mc.Threshold != 0 {
		t.Errorf("expected threshold 0, got %v", mc.Threshold)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("FACEMATCH_ENGINES", "-3")
	t.Setenv("FACEMATCH_THRESHOLD", "abc")
	t.Setenv("FACEMATCH_REDIS_TTL", "soon")

	cfg := Load()
	if cfg.Worker.Engines != 1 {
		t.Errorf("expected fallback engines, got %d", cfg.Worker.Engines)
	}
	if cfg.Match.Threshold != nil {
		t.Errorf("expected policy default threshold, got %v", *cfg.Match.Threshold)
	}
	if cfg.Redis.TTL != 24*time.Hour {
		t.Errorf("expected fallback ttl, got %v", cfg.Redis.TTL)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("FACEMATCH_TEST_ONLY=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FACEMATCH_TEST_ONLY", "")
	os.Unsetenv("FACEMATCH_TEST_ONLY")

	LoadEnv(path, filepath.Join(t.TempDir(), "missing.env"))
	if got := os.Getenv("FACEMATCH_TEST_ONLY"); got != "from-file" {
		t.Errorf("expected value from .env file, got %q", got)
	}
}

func float64Ptr(f float64) *float64 { return &f }

func TestMatchConfig(t *testing.T) {
	tests := []struct {
		name    string
		in      MatchConfig
		want    matcher.Config
		wantErr bool
	}{
		{
			"Best label default threshold",
			MatchConfig{Policy: "best-label", Aggregation: "nearest"},
			matcher.Config{Policy: matcher.PolicyBestLabel, Threshold: 0.6, Aggregation: matcher.AggregateNearest},
			false,
		},
		{
			"Single reference default threshold",
			MatchConfig{Policy: "single-reference", Aggregation: "nearest"},
			matcher.Config{Policy: matcher.PolicySingleReference, Threshold: 0.405, Aggregation: matcher.AggregateNearest},
			false,
		},
		{
			"Explicit threshold and mean",
			MatchConfig{Policy: "best-label", Aggregation: "mean", Threshold: float64Ptr(0.5)},
			matcher.Config{Policy: matcher.PolicyBestLabel, Threshold: 0.5, Aggregation: matcher.AggregateMean},
			false,
		},
		{"Bad policy", MatchConfig{Policy: "closest", Aggregation: "nearest"}, matcher.Config{}, true},
		{"Bad aggregation", MatchConfig{Policy: "best-label", Aggregation: "median"}, matcher.Config{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Matcher()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Matcher() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Matcher() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
