// Package record persists execution results and aggregates them.
//
// Recorder sits between callers and the executor: every completed run
// (success, failure, or cancellation) becomes one durable TaskRecord.
// Contract errors (invalid task, already running) never produce records
// because no run happened. Persistence failures are logged and swallowed;
// they must not turn a successful run into a failed call.
package record
