// Package scheduler turns cron expressions into task executions.
//
// Every scheduled task gets its own loop goroutine: compute the next run
// time from the cron expression, sleep until it arrives, hand the task to
// the executor, then recompute from the current time. A run that outlasts
// its schedule interval never causes catch-up firings; missed ticks are
// simply gone.
//
// A firing that collides with a still-running previous execution is
// resolved by the configured OverlapPolicy.
package scheduler
