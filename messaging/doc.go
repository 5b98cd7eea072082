// Package messaging defines the transport capability consumed by the request bridge.
//
// A Transport offers one-shot publish/subscribe primitives driven by a single
// dispatch loop:
//   - Start / Connect / Stop: bring the loop and connection up and down
//   - Subscribe / Unsubscribe: subject subscriptions
//   - Request: publish with a private reply inbox, optionally auto-unsubscribing after
//     MaxReplies replies
//   - Timeout: a per-subscription deadline that removes the subscription when it fires
//   - Publish: fire-and-forget with a send acknowledgement callback
//
// Subjects are '.'-separated tokens. Subscriptions may use '*' for one token and a
// trailing '>' for the remainder. Reply subjects start with InboxPrefix.
//
// Concrete transports live under transports/: an in-process one for tests and
// single-process deployments, and an AMQP 0-9-1 one for RabbitMQ.
package messaging
