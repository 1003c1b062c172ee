package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"parcel/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.ID = "w1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Manager.EvaluationInterval != 1000 {
		t.Fatalf("expected default evaluation interval, got %d", cfg.Manager.EvaluationInterval)
	}
	if cfg.Worker.ID == "" {
		t.Fatal("expected worker id to be defaulted from hostname")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[manager]\nid = \"m-test\"\nevaluation_interval_ms = 250\n\n[worker]\nenabled = false\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Manager.ID != "m-test" {
		t.Fatalf("expected manager id override, got %q", cfg.Manager.ID)
	}
	if cfg.Manager.EvaluationInterval != 250 {
		t.Fatalf("expected evaluation interval override, got %d", cfg.Manager.EvaluationInterval)
	}
	if cfg.Worker.Enabled {
		t.Fatal("expected worker role disabled")
	}
	if cfg.Workforce.Bind == "" {
		t.Fatal("expected untouched sections to keep defaults")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[manager\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no roles", func(c *config.Config) {
			c.Workforce.Enabled = false
			c.Manager.Enabled = false
			c.Worker.Enabled = false
		}},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }},
		{"zero probe budget", func(c *config.Config) { c.Manager.ProbeBudget = 0 }},
		{"backoff max below base", func(c *config.Config) {
			c.Manager.BackoffBase = 10
			c.Manager.BackoffMax = 5
		}},
		{"zero worker concurrency", func(c *config.Config) { c.Worker.Concurrency = 0 }},
		{"journal without path", func(c *config.Config) {
			c.Journal.Enabled = true
			c.Journal.Path = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Worker.ID = "w1"
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
