/*
Package event carries lifecycle notifications between the core components and
observers such as the /event SSE stream.

Events are JSON encoded and published on a single watermill GoChannel topic;
the event type travels in the message metadata so subscribers can filter
without decoding. The bus is in-memory and non-persistent: an event published
while nobody is subscribed is dropped.

Approval events:
  - approval.requested: a tool invocation is waiting for a decision
  - approval.resolved: the decision, and whether it came from a client, a timeout or an interrupt

Turn events:
  - turn.started, turn.completed, turn.failed

Session events:
  - session.updated: title or engine session id changed
  - query.interrupted: an abort request touched the session
*/
package event
