// Package router delivers requests to ACTIVE adapters.
//
// Selection matches request tags against adapter tags, tries a hinted adapter
// first and otherwise balances with a smooth weighted round-robin biased toward
// adapters with a higher recent success rate. Adapters whose breaker does not
// admit a call are skipped. Every call runs in an Isolation boundary with a
// deadline and a per-adapter concurrency ceiling; a call that outlives its
// deadline is abandoned.
//
// Failed requests go to the DeadLetterQueue, which retries them through the
// full selection path on an exponential backoff schedule until they are
// delivered or surfaced as terminal failures.
package router
