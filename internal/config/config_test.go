package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FetchInterval != 2*time.Minute || cfg.DispatchInterval != time.Minute {
		t.Fatalf("intervals = %v / %v", cfg.FetchInterval, cfg.DispatchInterval)
	}
	if cfg.DispatchBatchSize != 50 || cfg.SendDelay != 500*time.Millisecond || cfg.MatchThreshold != 70 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HostConcurrency != 2 {
		t.Fatalf("HostConcurrency = %d, want 2", cfg.HostConcurrency)
	}
	if cfg.Location().String() != "Asia/Kolkata" {
		t.Fatalf("Location = %v", cfg.Location())
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "showtracker.yaml")
	yml := "fetch_interval: 5m\nmatch_threshold: 80\nhost_concurrency: 3\nnotifier: telegram\ntelegram_bot_token: abc\ndatabase_path: /tmp/x.db\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MATCH_THRESHOLD", "90")
	t.Setenv("SEND_DELAY", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FetchInterval != 5*time.Minute {
		t.Fatalf("FetchInterval = %v, want 5m from file", cfg.FetchInterval)
	}
	if cfg.MatchThreshold != 90 {
		t.Fatalf("MatchThreshold = %d, want env override 90", cfg.MatchThreshold)
	}
	if cfg.HostConcurrency != 3 {
		t.Fatalf("HostConcurrency = %d, want 3 from file", cfg.HostConcurrency)
	}
	if cfg.SendDelay != time.Second || cfg.Notifier != NotifierTelegram || cfg.DatabasePath != "/tmp/x.db" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("FETCH_INTERVAL", "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "FETCH_INTERVAL") {
		t.Fatalf("expected FETCH_INTERVAL error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "email without key", mutate: func(c *Config) { c.Notifier = NotifierEmail }, want: "BREVO_API_KEY"},
		{name: "amqp without url", mutate: func(c *Config) { c.Notifier = NotifierAMQP }, want: "AMQP_URL"},
		{name: "unknown notifier", mutate: func(c *Config) { c.Notifier = "pigeon" }, want: "unknown NOTIFIER"},
		{name: "threshold range", mutate: func(c *Config) { c.MatchThreshold = 101 }, want: "MATCH_THRESHOLD"},
		{name: "postgres without url", mutate: func(c *Config) { c.DatabaseDriver = "postgres" }, want: "DATABASE_URL"},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, want: "TIMEZONE"},
		{name: "zero batch", mutate: func(c *Config) { c.DispatchBatchSize = 0 }, want: "DISPATCH_BATCH_SIZE"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
