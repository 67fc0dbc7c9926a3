// Package executor runs single task invocations to completion.
//
// The contract per task id is single-flight: at most one run may be in
// flight, a second Execute fails fast with ErrTaskAlreadyRunning. Runs are
// cancelled cooperatively through their context; Stop requests cancellation
// and waits for the run to exit.
//
// Task bodies are pluggable per trigger method (Register). Body failures
// and cancellations are captured in the ExecutionResult, never returned as
// call errors; only contract failures (invalid task, already running,
// unknown trigger, stopped executor) surface as errors.
package executor
