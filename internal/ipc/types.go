package ipc

import (
	"time"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/tracker"
)

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// WorkerStatus describes one connected worker from the manager's view.
type WorkerStatus struct {
	ID          string `json:"id"`
	Concurrency int    `json:"concurrency"`
	Assignments int    `json:"assignments"`
	Connected   bool   `json:"connected"`
}

// StatusResponse represents combined daemon status information.
type StatusResponse struct {
	Running           bool           `json:"running"`
	PID               int            `json:"pid"`
	LockPath          string         `json:"lock_path"`
	WorkforceEndpoint string         `json:"workforce_endpoint,omitempty"`
	ManagerID         string         `json:"manager_id,omitempty"`
	ManagerEndpoint   string         `json:"manager_endpoint,omitempty"`
	ExpectationStats  map[string]int `json:"expectation_stats"`
	Workers           []WorkerStatus `json:"workers"`
	JournalPath       string         `json:"journal_path,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
}

// ApplyRequest submits a full desired set of expectations and containers,
// standing in for the upstream expectations-in channel.
type ApplyRequest struct {
	Expectations []expectation.Expectation `json:"expectations"`
	Containers   []container.Container     `json:"containers,omitempty"`
}

// ApplyResponse reports how many records were staged.
type ApplyResponse struct {
	Expectations int `json:"expectations"`
	Containers   int `json:"containers"`
}

// ExpectationListRequest filters the tracked table by state.
type ExpectationListRequest struct {
	States []string `json:"states,omitempty"`
}

// ExpectationListResponse contains tracked expectation views.
type ExpectationListResponse struct {
	Items []tracker.View `json:"items"`
}

// ExpectationDescribeRequest fetches one tracked expectation.
type ExpectationDescribeRequest struct {
	ID string `json:"id"`
}

// ExpectationDescribeResponse contains one tracked expectation view.
type ExpectationDescribeResponse struct {
	Item tracker.View `json:"item"`
}

// AbortRequest aborts one expectation.
type AbortRequest struct {
	ID string `json:"id"`
}

// AbortResponse acknowledges the abort request.
type AbortResponse struct {
	OK bool `json:"ok"`
}

// RestartRequest restarts one expectation.
type RestartRequest struct {
	ID string `json:"id"`
}

// RestartResponse acknowledges the restart request.
type RestartResponse struct {
	OK bool `json:"ok"`
}

// WorkerListRequest fetches the connected worker set.
type WorkerListRequest struct{}

// WorkerListResponse contains connected workers.
type WorkerListResponse struct {
	Workers []WorkerStatus `json:"workers"`
}

// JournalEntry is one journaled status transition.
type JournalEntry struct {
	ExpectationID string    `json:"expectation_id,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	State         string    `json:"state,omitempty"`
	ReasonUser    string    `json:"reason_user"`
	ReasonTech    string    `json:"reason_tech"`
	Progress      float64   `json:"progress"`
	IsError       bool      `json:"is_error"`
	At            time.Time `json:"at"`
}

// JournalTailRequest fetches recent journal entries.
type JournalTailRequest struct {
	ExpectationID string `json:"expectation_id,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// JournalTailResponse contains journal entries, oldest first.
type JournalTailResponse struct {
	Entries []JournalEntry `json:"entries"`
}
