/*
Package reactor provides the in-process event bus and timer service the
exchange engine runs on.

Topics are (name, optional key) pairs: plain topics like
"exchange-done" and tuple topics like ("message", "accepted-types").
Handlers for one Fire run synchronously in subscription order before
Fire returns its result list, and Fire is re-entrant: a handler may
fire another event, which runs to completion first. A handler error is
logged and takes the handler's slot in the results; the remaining
handlers still run.

Timers share the same single-threaded discipline. In production, Run
owns a goroutine that serialises timed calls with closures submitted
through Call (the IPC server uses this, so local method calls
interleave with exchange work only at call boundaries). Tests drive
time manually with Advance and never sleep.
*/
package reactor
