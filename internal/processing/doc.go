// Package processing runs long-lived background processes.
//
// An Execution drives one process in a retry loop with back-off and observes
// two independent signals: a graceful stop (honored between attempts) and a
// forced abort (interrupts back-off waits and prevents further attempts).
//
// A Dispatcher runs up to maxConcurrency instances of an Execution loop on a
// Scheduler (the execution substrate) and optionally owns that scheduler.
package processing
