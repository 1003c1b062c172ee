// Package worker implements the stateless executor process: it answers
// capability questions about expectations, performs the actual work through
// pluggable executors, and streams job events back to the expectation
// manager that asked. All job state dies with the process; managers rebuild
// their picture from fresh probes after a restart.
package worker
