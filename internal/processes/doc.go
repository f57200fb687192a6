// Package processes contains the built-in background processes a procd
// server runs: server heartbeat, server watchdog, expired-record cleanup and
// recurring schedules.
//
// Every process implements server.Process. Execute performs one iteration,
// sleeps with pc.Wait and returns pc.StopRequested() when the server is
// stopping, so the execution loop can exit cleanly.
//
// Entries loaded from configuration only record a trigger and publish a
// recurring.triggered event. A program embedding procd attaches work to an
// entry by setting RecurringEntry.Action before building the scheduler.
package processes
