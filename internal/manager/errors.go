package manager

import "errors"

// Selection outcomes. These are flow control, not failures: the evaluation
// loop records them as reasons and retries on a later tick.
var (
	// ErrNoWorkerSupports means the probed fleet cannot handle the expectation.
	ErrNoWorkerSupports = errors.New("no worker supports this expectation")
	// ErrNoWorkerFree means supporting workers exist but all are at capacity.
	ErrNoWorkerFree = errors.New("no supporting worker has free capacity")
	// ErrNoWorkersConnected means the fleet is empty.
	ErrNoWorkersConnected = errors.New("no workers connected")
)
