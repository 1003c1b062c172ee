package wsrpc

import (
	"parcel/internal/container"
	"parcel/internal/expectation"
)

// ManagerID identifies an expectation manager.
type ManagerID string

// WorkerID identifies a worker.
type WorkerID string

// Method names for the worker contract (manager → worker).
const (
	MethodDoYouSupport  = "worker.doYouSupportExpectation"
	MethodGetCost       = "worker.getCostForExpectation"
	MethodIsReady       = "worker.isExpectationReadyToStartWorkingOn"
	MethodIsFulfilled   = "worker.isExpectationFullfilled"
	MethodWorkOn        = "worker.workOnExpectation"
	MethodRemove        = "worker.removeExpectation"
	MethodCancelWork    = "worker.cancelWorkInProgress"
	MethodRunContainerCron = "worker.runPackageContainerCronJob"
)

// Method names for worker → manager traffic.
const (
	MethodWorkerHello = "manager.workerHello"
	MethodWorkEvent   = "manager.workEvent"
)

// Method names for the workforce contract.
const (
	MethodRegisterManager = "workforce.registerExpectationManager"
	MethodRegisterWorker  = "workforce.registerWorker"
	MethodUnregister      = "workforce.unregister"
	MethodHeartbeat       = "workforce.heartbeat"
	MethodListWorkers     = "workforce.listWorkers"
	MethodListManagers    = "workforce.listManagers"
)

// Method names for workforce → peer notifications.
const (
	MethodManagerJoined    = "peer.expectationManagerJoined"
	MethodPeerDisconnected = "peer.disconnected"
)

// Capabilities is what a worker declares about itself at registration.
type Capabilities struct {
	PackageTypes  []expectation.PackageType `json:"packageTypes"`
	AccessorTypes []container.AccessorType  `json:"accessorTypes"`
	Concurrency   int                       `json:"concurrency"`
	CostBase      float64                   `json:"costBase"`
}

// SupportsAccessor reports whether the worker declared accessor type t.
func (c Capabilities) SupportsAccessor(t container.AccessorType) bool {
	for _, candidate := range c.AccessorTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// SupportsPackageType reports whether the worker declared package type t.
func (c Capabilities) SupportsPackageType(t expectation.PackageType) bool {
	for _, candidate := range c.PackageTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// DoYouSupportParams asks a worker whether it can handle an expectation.
type DoYouSupportParams struct {
	Exp expectation.Expectation `json:"exp"`
}

// DoYouSupportResult answers a support probe.
type DoYouSupportResult struct {
	Support bool               `json:"support"`
	Reason  expectation.Reason `json:"reason,omitempty"`
}

// GetCostParams asks a worker what an expectation would cost it.
type GetCostParams struct {
	Exp expectation.Expectation `json:"exp"`
}

// GetCostResult reports a cost scalar; lower is better.
type GetCostResult struct {
	Cost   float64            `json:"cost"`
	Reason expectation.Reason `json:"reason,omitempty"`
}

// IsReadyParams asks whether work could start now.
type IsReadyParams struct {
	Exp expectation.Expectation `json:"exp"`
}

// IsReadyResult reports readiness and, when not ready, why.
type IsReadyResult struct {
	Ready               bool               `json:"ready"`
	IsWaitingForAnother bool               `json:"isWaitingForAnother,omitempty"`
	SourceExists        bool               `json:"sourceExists,omitempty"`
	Reason              expectation.Reason `json:"reason,omitempty"`
}

// IsFulfilledParams asks whether the end requirement is already met.
type IsFulfilledParams struct {
	Exp          expectation.Expectation `json:"exp"`
	WasFulfilled bool                    `json:"wasFulfilled"`
}

// IsFulfilledResult reports fulfillment and the observed version.
type IsFulfilledResult struct {
	Fulfilled         bool               `json:"fulfilled"`
	Reason            expectation.Reason `json:"reason,omitempty"`
	ActualVersionHash string             `json:"actualVersionHash,omitempty"`
}

// WorkOnParams instructs a worker to start working.
type WorkOnParams struct {
	Exp         expectation.Expectation `json:"exp"`
	WorkOptions expectation.WorkOptions `json:"workOptions"`
}

// WorkOnResult acknowledges started work.
type WorkOnResult struct {
	WorkID string `json:"workInProgressId"`
}

// RemoveParams asks a worker to remove a package.
type RemoveParams struct {
	Exp expectation.Expectation `json:"exp"`
}

// RemoveResult reports removal outcome.
type RemoveResult struct {
	Removed bool               `json:"removed"`
	Reason  expectation.Reason `json:"reason,omitempty"`
}

// CancelWorkParams cancels work in progress, fire and forget.
type CancelWorkParams struct {
	WorkID string `json:"workInProgressId"`
}

// CancelWorkResult acknowledges a cancel request.
type CancelWorkResult struct {
	Cancelled bool `json:"cancelled"`
}

// RunContainerCronParams asks a worker to run a container's periodic duties.
type RunContainerCronParams struct {
	Container container.Container `json:"container"`
}

// RunContainerCronResult reports cron outcome.
type RunContainerCronResult struct {
	OK     bool               `json:"ok"`
	Reason expectation.Reason `json:"reason,omitempty"`
}

// WorkEventType enumerates the streamed job events.
type WorkEventType string

const (
	WorkEventProgress WorkEventType = "progress"
	WorkEventDone     WorkEventType = "done"
	WorkEventError    WorkEventType = "error"
)

// WorkEventParams streams job progress from worker to manager.
type WorkEventParams struct {
	WorkerID          WorkerID           `json:"workerId"`
	WorkID            string             `json:"workInProgressId"`
	Type              WorkEventType      `json:"type"`
	Progress          float64            `json:"progress,omitempty"`
	ActualVersionHash string             `json:"actualVersionHash,omitempty"`
	Reason            expectation.Reason `json:"reason,omitempty"`
}

// WorkEventResult acknowledges a streamed event.
type WorkEventResult struct {
	OK bool `json:"ok"`
}

// WorkerHelloParams introduces a worker dialing a manager directly.
type WorkerHelloParams struct {
	WorkerID     WorkerID     `json:"workerId"`
	Capabilities Capabilities `json:"capabilities"`
}

// WorkerHelloResult acknowledges the session.
type WorkerHelloResult struct {
	ManagerID ManagerID `json:"managerId"`
}

// RegisterManagerParams registers an expectation manager with the workforce.
type RegisterManagerParams struct {
	ID       ManagerID `json:"id"`
	Endpoint string    `json:"endpoint"`
}

// RegisterManagerResult acknowledges manager registration.
type RegisterManagerResult struct {
	OK bool `json:"ok"`
}

// RegisterWorkerParams registers a worker with the workforce.
type RegisterWorkerParams struct {
	ID           WorkerID     `json:"id"`
	Capabilities Capabilities `json:"capabilities"`
}

// RegisterWorkerResult carries the currently known manager endpoints.
type RegisterWorkerResult struct {
	Managers []ManagerEndpoint `json:"managers"`
}

// ManagerEndpoint pairs a manager id with its dialable endpoint.
type ManagerEndpoint struct {
	ID       ManagerID `json:"id"`
	Endpoint string    `json:"endpoint"`
}

// UnregisterParams removes a party from the workforce registry.
type UnregisterParams struct {
	ID string `json:"id"`
}

// UnregisterResult acknowledges unregistration.
type UnregisterResult struct {
	OK bool `json:"ok"`
}

// HeartbeatParams refreshes a party's liveness.
type HeartbeatParams struct {
	ID string `json:"id"`
}

// HeartbeatResult acknowledges a heartbeat.
type HeartbeatResult struct {
	OK bool `json:"ok"`
}

// ListWorkersResult enumerates registered workers.
type ListWorkersResult struct {
	Workers []WorkerInfo `json:"workers"`
}

// WorkerInfo describes one registered worker.
type WorkerInfo struct {
	ID           WorkerID     `json:"id"`
	Capabilities Capabilities `json:"capabilities"`
	LastSeen     int64        `json:"lastSeen"`
}

// ListManagersResult enumerates registered managers.
type ListManagersResult struct {
	Managers []ManagerEndpoint `json:"managers"`
}

// ManagerJoinedParams tells a worker that a manager is available to dial.
type ManagerJoinedParams struct {
	Manager ManagerEndpoint `json:"manager"`
}

// PeerDisconnectedParams tells peers that a party dropped out.
type PeerDisconnectedParams struct {
	ID string `json:"id"`
}

// NotifyResult is the shared acknowledgement for notification methods.
type NotifyResult struct {
	OK bool `json:"ok"`
}
