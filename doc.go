// Package newswire is a crypto-news pipeline: RSS feeds are polled
// under per-source leases, deduplicated by content fingerprint,
// published over NATS JetStream, enriched with a semantic sentiment
// score from an embedding oracle, and persisted to Postgres with
// idempotent upserts.
//
// The pipeline is three lifecycle components sharing one durable
// stream:
//
//	ingest  -> news.<category>.<source>
//	scoring -> scored.<category>.<source> (or deadletter.scoring)
//	persist -> Postgres news_items keyed by fingerprint
//
// Exactly-once effect comes from two layers: a KV set-if-absent ledger
// gates admission, and the final upsert converges replays onto the
// same row. See cmd/newswire for the wired binary.
package newswire
