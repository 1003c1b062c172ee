package config

const (
	defaultDataDir          = "~/.local/share/parcel"
	defaultLogDir           = "~/.local/share/parcel/logs"
	defaultSocketPath       = "~/.local/share/parcel/parceld.sock"
	defaultLogLevel         = "info"
	defaultLogFormat        = "console"
	defaultWorkforceBind    = "127.0.0.1:8070"
	defaultHeartbeatTimeout = 30
	defaultManagerID        = "manager-default"
	defaultManagerBind      = "127.0.0.1:0"
	defaultWorkforceURL     = "ws://127.0.0.1:8070"
	defaultEvaluationMs     = 1000
	defaultCallTimeoutMs    = 5000
	defaultProbeBudget      = 5
	defaultAvailableTTL     = 60
	defaultUnavailableTTL   = 15
	defaultQueriedTTL       = 10
	defaultBackoffBase      = 3
	defaultBackoffMax       = 300
	defaultReverify         = 60
	defaultStatusWindowMs   = 300
	defaultWorkerGrace      = 30
	defaultCronCheck        = 60
	defaultConcurrency      = 2
	defaultCostBase         = 10
	defaultWorkerHeartbeat  = 10
	defaultJournalPath      = "~/.local/share/parcel/journal.db"
	defaultJournalMaxRows   = 100000
)

// Default returns a Config populated with repository defaults: one process
// running all three roles against loopback.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
			SocketPath: defaultSocketPath,
		},
		Log: Log{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Workforce: Workforce{
			Enabled:          true,
			Bind:             defaultWorkforceBind,
			HeartbeatTimeout: defaultHeartbeatTimeout,
		},
		Manager: Manager{
			Enabled:            true,
			ID:                 defaultManagerID,
			Bind:               defaultManagerBind,
			WorkforceURL:       defaultWorkforceURL,
			EvaluationInterval: defaultEvaluationMs,
			CallTimeout:        defaultCallTimeoutMs,
			ProbeBudget:        defaultProbeBudget,
			AvailableTTL:       defaultAvailableTTL,
			UnavailableTTL:     defaultUnavailableTTL,
			QueriedTTL:         defaultQueriedTTL,
			BackoffBase:        defaultBackoffBase,
			BackoffMax:         defaultBackoffMax,
			ReverifyInterval:   defaultReverify,
			StatusWindow:       defaultStatusWindowMs,
			WorkerGrace:        defaultWorkerGrace,
			CronCheckInterval:  defaultCronCheck,
		},
		Worker: Worker{
			Enabled:      true,
			WorkforceURL: defaultWorkforceURL,
			Concurrency:  defaultConcurrency,
			CostBase:     defaultCostBase,
			Heartbeat:    defaultWorkerHeartbeat,
		},
		Journal: Journal{
			Enabled: false,
			Path:    defaultJournalPath,
			MaxRows: defaultJournalMaxRows,
		},
	}
}
