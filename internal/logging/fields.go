package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for downstream filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the suggested operator next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldExpectationID is the standardized key for expectation identifiers.
	FieldExpectationID = "expectation_id"
	// FieldWorkerID is the standardized key for worker identifiers.
	FieldWorkerID = "worker_id"
	// FieldManagerID is the standardized key for expectation-manager identifiers.
	FieldManagerID = "manager_id"
	// FieldContainerID is the standardized key for package-container identifiers.
	FieldContainerID = "container_id"
	// FieldState is the standardized key for expectation lifecycle states.
	FieldState = "state"
	// FieldWorkID is the standardized key for work-in-progress identifiers.
	FieldWorkID = "work_id"
	// FieldCorrelationID is the standardized key for RPC correlation identifiers.
	FieldCorrelationID = "correlation_id"
)
