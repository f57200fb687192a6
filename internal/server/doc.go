// Package server wires background processes into dispatchers and runs them
// for the lifetime of a processing server.
//
// A DispatcherBuilder validates one process registration (process, scheduler
// factory, concurrency limit, scheduler ownership). Server.Start turns every
// builder into a processing.Dispatcher bound to a shared Context that carries
// the graceful stop and forced abort signals. Shutdown walks the usual
// sequence: stop, wait, abort, wait, dispose.
package server
