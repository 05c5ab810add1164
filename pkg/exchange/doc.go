/*
Package exchange drives the message exchange lifecycle: it schedules
regular and urgent exchanges, assembles payloads from the message store,
delivers them through the transport, and dispatches server directives
onto the reactor.

# Exchange cycle

	fire "pre-exchange"
	  → make payload (contiguous same-api batch from the pending queue)
	  → transport POST
	  → on failure: fire "exchange-failed", reschedule, urgency kept
	  → on success: clear urgent mode, then
	      - advance / rewind the store per next-expected-sequence
	      - commit
	      - dispatch each inbound message: bump server sequence,
	        commit, fire "message" and ("message", type)
	      - fire "exchange-done"
	  → reschedule at the urgency the cycle left behind

Urgent mode is only re-set during the cycle by explicit triggers: a
desynchronisation, an accepted-types change that released held
messages, an urgent Send from a handler, or a "resynchronize-clients"
broadcast.

# Scheduling

Two timers exist at most: the exchange itself and the
"impending-exchange" pre-notification a fixed lead time earlier. An
urgent request upgrades a scheduled regular exchange but never pushes
an already-urgent schedule forward, so bursts of urgent sends coalesce
into one exchange.

# Server directives

The engine subscribes to ("message", "accepted-types") and
("message", "set-intervals"), receives "resynchronize-clients" to mark
urgency, and stops on "pre-exit". An inbound "resynchronize" directive
queues the resynchronize response before the clients' snapshot
messages.
*/
package exchange
