// Package worker provides the consumer side of the reviewflow queues.
//
// Workflow steps publish jobs and notifications through package queue; a
// Worker pulls them back off a taskqueue.Queue (or a watermill subscriber)
// and hands each message to a Handler.
//
// # Delivery guarantees
//
// Producers guarantee at-least-once delivery: a replayed workflow step may
// publish the same message again. Every message a step produces carries an
// idempotency key of the form "<submission id>:<message type>", and the
// worker claims that key with a Deduper before calling the handler:
//
//   - MemoryDeduper for a single process
//   - RedisDeduper (SET NX with a TTL) when several workers share a topic
//
// A key whose handler ultimately fails is released so that a redelivery can
// try again.
//
// # Retries
//
// Config.MaxAttempts and Config.Backoff control in-process retries of a
// failing handler. Backoff doubles after each attempt.
//
// # Signals
//
// SignalHandler consumes the signals topic and forwards each request to a
// dispatcher, which lets webhooks acknowledge quickly and resume the
// workflow asynchronously.
package worker
