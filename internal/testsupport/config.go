package testsupport

import (
	"net"
	"path/filepath"
	"testing"

	"parcel/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and fast timing suitable for test loops.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.SocketPath = filepath.Join(base, "parceld.sock")
	cfg.Journal.Path = filepath.Join(base, "journal.db")

	cfg.Manager.ID = "m-test"
	cfg.Manager.Bind = "127.0.0.1:0"
	cfg.Manager.EvaluationInterval = 25
	cfg.Manager.CallTimeout = 2000
	cfg.Manager.StatusWindow = 20
	cfg.Manager.BackoffBase = 1
	cfg.Manager.BackoffMax = 2

	cfg.Worker.ID = "w-test"
	cfg.Worker.Concurrency = 2
	cfg.Worker.Heartbeat = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithWorkforceAddr pins the workforce bind address and points the manager
// and worker roles at it.
func WithWorkforceAddr(addr string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workforce.Bind = addr
		cfg.Manager.WorkforceURL = "ws://" + addr
		cfg.Worker.WorkforceURL = "ws://" + addr
	}
}

// FreePort reserves an ephemeral loopback port and returns host:port.
func FreePort(t testing.TB) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	return addr
}
