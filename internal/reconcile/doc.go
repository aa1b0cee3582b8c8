// Package reconcile applies queued payment events to order state.
//
// A bounded pool of workers shares one durable queue across all providers.
// Each worker loops Claim → apply → Ack/Nack:
//   - Claim leases the oldest available item; a crashed worker's lease expires
//     and the item is reclaimed by someone else
//   - Apply loads the order, asks order.Apply for a decision, and commits the
//     order write and the dedup finalize in one SQLite transaction
//   - Ack removes the item once its outcome is durable
//
// Outcomes:
//   - Applied: order updated, dedup record applied
//   - Skipped: business-rule mismatch (unknown order, illegal or stale
//     transition); recorded, acknowledged, never retried
//   - Retry: transient failure (repository unavailable, version conflict);
//     Nack with exponential backoff
//   - Dead-lettered: the queue retired the item after max attempts
//
// A redelivered item whose dedup record is already terminal is acknowledged
// without touching the order, which covers a crash between commit and Ack.
// Events for one order are not serialized; the order version check is the
// only ordering mechanism.
package reconcile
