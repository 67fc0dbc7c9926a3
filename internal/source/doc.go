// Package source hosts the external producers that fire event-triggered
// tasks: a NATS subscriber that runs the task named in each message, and a
// filesystem watcher that runs the declared file_system tasks when watched
// paths change.
//
// Sources are long-running loops meant to run under the app supervisor;
// a returned error makes the supervisor restart the source with backoff.
package source
