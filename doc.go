// Package durable provides a transactional message-bus runtime: an inbox/outbox
// message store, routed publishing, durable receiving with dedupe, policy-driven
// retries and dead-lettering, and leader-elected background duties.
//
// Typical flow:
//  1. Within a business transaction (see WithTransaction), publish messages with Runtime.Publish.
//     Durable envelopes are written to the outbox or inbox in that same transaction.
//  2. After commit, the Relay sends outgoing envelopes and local queues run handlers.
//  3. Receivers store incoming envelopes before handling them, so duplicates are dropped
//     and a crash before acknowledgement only causes a redelivery.
//  4. Failures follow the Policy: retry now, retry later through the scheduler,
//     move to the error queue or discard.
//
// One node at a time runs each cluster duty (scheduled jobs, node health, expiration);
// see NodeAgent. Storage engines live in the memory, mysql and postgres packages.
package durable
