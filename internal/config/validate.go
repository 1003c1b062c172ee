package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configurations the daemon could not run with.
func (c *Config) Validate() error {
	if !c.Workforce.Enabled && !c.Manager.Enabled && !c.Worker.Enabled {
		return errors.New("config: at least one role must be enabled")
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		return errors.New("config: paths.socket_path is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: log.format %q is not supported", c.Log.Format)
	}

	if c.Workforce.Enabled {
		if strings.TrimSpace(c.Workforce.Bind) == "" {
			return errors.New("config: workforce.bind is required when the workforce role is enabled")
		}
		if c.Workforce.HeartbeatTimeout <= 0 {
			return errors.New("config: workforce.heartbeat_timeout must be positive")
		}
	}

	if c.Manager.Enabled {
		if strings.TrimSpace(c.Manager.ID) == "" {
			return errors.New("config: manager.id is required")
		}
		if strings.TrimSpace(c.Manager.WorkforceURL) == "" {
			return errors.New("config: manager.workforce_url is required when the manager role is enabled")
		}
		if c.Manager.EvaluationInterval <= 0 {
			return errors.New("config: manager.evaluation_interval_ms must be positive")
		}
		if c.Manager.CallTimeout <= 0 {
			return errors.New("config: manager.call_timeout_ms must be positive")
		}
		if c.Manager.ProbeBudget <= 0 {
			return errors.New("config: manager.probe_budget must be positive")
		}
		if c.Manager.BackoffBase <= 0 || c.Manager.BackoffMax < c.Manager.BackoffBase {
			return errors.New("config: manager backoff bounds are inconsistent")
		}
		if c.Manager.StatusWindow < 0 {
			return errors.New("config: manager.status_window_ms must not be negative")
		}
	}

	if c.Worker.Enabled {
		if strings.TrimSpace(c.Worker.ID) == "" {
			return errors.New("config: worker.id is required")
		}
		if strings.TrimSpace(c.Worker.WorkforceURL) == "" {
			return errors.New("config: worker.workforce_url is required when the worker role is enabled")
		}
		if c.Worker.Concurrency <= 0 {
			return errors.New("config: worker.concurrency must be positive")
		}
		if c.Worker.CostBase < 0 {
			return errors.New("config: worker.cost_base must not be negative")
		}
	}

	if c.Journal.Enabled {
		if strings.TrimSpace(c.Journal.Path) == "" {
			return errors.New("config: journal.path is required when the journal is enabled")
		}
		if c.Journal.MaxRows <= 0 {
			return errors.New("config: journal.max_rows must be positive")
		}
	}

	return nil
}
