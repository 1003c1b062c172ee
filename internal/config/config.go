package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and socket configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	SocketPath string `toml:"socket_path"`
}

// Log contains logging configuration.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Workforce configures the registry role.
type Workforce struct {
	Enabled          bool   `toml:"enabled"`
	Bind             string `toml:"bind"`
	HeartbeatTimeout int    `toml:"heartbeat_timeout"`
}

// Manager configures the expectation-manager role.
type Manager struct {
	Enabled            bool   `toml:"enabled"`
	ID                 string `toml:"id"`
	Bind               string `toml:"bind"`
	WorkforceURL       string `toml:"workforce_url"`
	EvaluationInterval int    `toml:"evaluation_interval_ms"`
	CallTimeout        int    `toml:"call_timeout_ms"`
	ProbeBudget        int    `toml:"probe_budget"`
	AvailableTTL       int    `toml:"available_ttl"`
	UnavailableTTL     int    `toml:"unavailable_ttl"`
	QueriedTTL         int    `toml:"queried_ttl"`
	BackoffBase        int    `toml:"backoff_base"`
	BackoffMax         int    `toml:"backoff_max"`
	ReverifyInterval   int    `toml:"reverify_interval"`
	StatusWindow       int    `toml:"status_window_ms"`
	WorkerGrace        int    `toml:"worker_grace"`
	CronCheckInterval  int    `toml:"cron_check_interval"`
}

// Worker configures the worker role.
type Worker struct {
	Enabled      bool     `toml:"enabled"`
	ID           string   `toml:"id"`
	WorkforceURL string   `toml:"workforce_url"`
	Concurrency  int      `toml:"concurrency"`
	CostBase     float64  `toml:"cost_base"`
	Heartbeat    int      `toml:"heartbeat_interval"`
	AllowedRoots []string `toml:"allowed_roots"`
}

// Journal configures the optional status-transition journal.
type Journal struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	MaxRows int    `toml:"max_rows"`
}

// Config is the root daemon configuration.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Log       Log       `toml:"log"`
	Workforce Workforce `toml:"workforce"`
	Manager   Manager   `toml:"manager"`
	Worker    Worker    `toml:"worker"`
	Journal   Journal   `toml:"journal"`
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	return "~/.config/parcel/config.toml"
}

// Load reads the TOML file at path on top of defaults. A missing file yields
// the defaults, normalized the same way (paths expanded, empty ids filled
// in); a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.normalize()
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", expanded, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	cfg.normalize()
	return &cfg, nil
}

// WriteSample writes the sample config to path, refusing to overwrite.
func WriteSample(path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// ExpandPath resolves a leading ~ against the current user's home.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("path is empty")
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return trimmed, nil
}

func (c *Config) normalize() {
	for _, field := range []*string{&c.Paths.DataDir, &c.Paths.LogDir, &c.Paths.SocketPath, &c.Journal.Path} {
		if expanded, err := ExpandPath(*field); err == nil {
			*field = expanded
		}
	}
	if c.Manager.ID == "" {
		c.Manager.ID = defaultManagerID
	}
	if c.Worker.ID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "worker"
		}
		c.Worker.ID = hostname
	}
}

// EvaluationIntervalDuration returns the manager tick interval.
func (m Manager) EvaluationIntervalDuration() time.Duration {
	return time.Duration(m.EvaluationInterval) * time.Millisecond
}

// CallTimeoutDuration bounds every remote call the manager makes.
func (m Manager) CallTimeoutDuration() time.Duration {
	return time.Duration(m.CallTimeout) * time.Millisecond
}

// AvailableTTLDuration is how long a positive support probe stays cached.
func (m Manager) AvailableTTLDuration() time.Duration {
	return time.Duration(m.AvailableTTL) * time.Second
}

// UnavailableTTLDuration is how long a negative support probe stays cached.
func (m Manager) UnavailableTTLDuration() time.Duration {
	return time.Duration(m.UnavailableTTL) * time.Second
}

// QueriedTTLDuration rate-limits repeat probes to the same worker.
func (m Manager) QueriedTTLDuration() time.Duration {
	return time.Duration(m.QueriedTTL) * time.Second
}

// BackoffBaseDuration is the first error backoff step.
func (m Manager) BackoffBaseDuration() time.Duration {
	return time.Duration(m.BackoffBase) * time.Second
}

// BackoffMaxDuration caps error backoff.
func (m Manager) BackoffMaxDuration() time.Duration {
	return time.Duration(m.BackoffMax) * time.Second
}

// ReverifyIntervalDuration is the cadence for re-checking fulfilled work.
func (m Manager) ReverifyIntervalDuration() time.Duration {
	return time.Duration(m.ReverifyInterval) * time.Second
}

// StatusWindowDuration is the status publication coalescing window.
func (m Manager) StatusWindowDuration() time.Duration {
	return time.Duration(m.StatusWindow) * time.Millisecond
}

// WorkerGraceDuration is how long a silent assigned worker is tolerated.
func (m Manager) WorkerGraceDuration() time.Duration {
	return time.Duration(m.WorkerGrace) * time.Second
}

// CronCheckIntervalDuration is the container cron evaluation cadence.
func (m Manager) CronCheckIntervalDuration() time.Duration {
	return time.Duration(m.CronCheckInterval) * time.Second
}

// HeartbeatTimeoutDuration declares a silent party disconnected.
func (w Workforce) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(w.HeartbeatTimeout) * time.Second
}

// HeartbeatDuration is the worker heartbeat cadence.
func (w Worker) HeartbeatDuration() time.Duration {
	return time.Duration(w.Heartbeat) * time.Second
}
