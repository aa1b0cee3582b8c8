// Package ingest is the HTTP front door for payment provider webhooks.
//
// The endpoint does as little as possible before answering the provider:
// it proves the request is authentic, records that the event has been seen,
// and puts it on the durable queue. Order state is never touched here.
//
// # Configuration
//
//	ingest:
//	  listen: "0.0.0.0:8080"
//	  deadline: 10s
//	  max_body_size: 1MB
//	  providers:
//	    stripe:
//	      path: /webhooks/stripe
//	      secret: ${STRIPE_WEBHOOK_SECRET}
//	    paypal:
//	      path: /webhooks/paypal
//	      webhook_id: ${PAYPAL_WEBHOOK_ID}
//
// # Request Flow
//
//  1. HTTP POST arrives at a provider path
//  2. Body size checked (413 if too large)
//  3. Signature verified (400 if forged or stale, 503 if the signing certificate is unreachable)
//  4. Payload normalized into a payment event (400 if unparseable)
//  5. Dedup record claimed (200 duplicate or in_flight if already seen)
//  6. Unhandled kinds are finalized as skipped (200 ignored)
//  7. Events without an order reference are dead-lettered (200 dead_lettered)
//  8. Event enqueued (503 and claim released if the queue is unavailable)
//  9. 200 accepted returned with event_id and queue_id
//
// Steps 3 to 8 share one deadline; running out of it answers 503 so the
// provider retries.
//
// # Error Responses
//
// - 400 Bad Request: forged, stale or malformed webhook (no details)
// - 404 Not Found: unknown webhook path
// - 413 Payload Too Large: body exceeds max_body_size
// - 503 Service Unavailable: transient failure, safe to retry
package ingest
