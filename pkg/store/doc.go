/*
Package store implements the durable, schema-filtered queue of outbound
messages.

# Layout

Messages live as numbered BSON files under the broker data directory;
queue metadata lives in a Persist document committed atomically:

	<data-dir>/
	  messages/        one file per retained message, NNNNNNNNN.msg
	  held/            ditto for held messages
	  message-store    sequence, pending-offset, server-sequence,
	                   accepted-types

A message file's number is the message's absolute sequence number, so
the directory listing is the queue.

# Sequence bookkeeping

The persisted sequence is the number of the next message to transmit.
The pending offset counts acknowledged messages that are still retained
at the front of the queue; transmission starts at the offset.

The retained prefix exists for desynchronisation recovery: when the
server reports it lost messages the exchange rewinds the offset, and
the acknowledged messages retransmit under their original numbering. A
loss deeper than the retained prefix cannot be rewound and triggers a
full resynchronisation instead.

Acknowledged messages are therefore not deleted when the
acknowledgement arrives. DeleteOldMessages retires them afterwards,
keeping the most recent acknowledgement's worth on disk as the rewind
window, so the server can always back up over its latest
acknowledgement while requests for older history stay unrecoverable.

# Filtering

Every message type has one registered schema. Add validates against it
and appends the message to the pending queue only when its type is in
the accepted set; other messages land in the held queue. When a type
becomes accepted its held messages move to the pending queue in their
original enqueue order, and one "message-type-acceptance-changed" event
fires per type whose acceptance flipped.
*/
package store
