// Package supervisor spawns external processes and drives their
// lifecycle through callbacks.
//
// Each process gets one dispatcher goroutine. Stdout and stderr are read
// line by line and handed to the dispatcher, so callbacks for a single
// process never run concurrently. OnContinue is polled while the process
// runs, and returning false kills it. OnExit is called exactly once after
// the process exited and both streams were drained.
package supervisor
