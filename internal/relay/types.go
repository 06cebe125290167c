// Package relay orchestrates the pipeline: fingerprint, cache lookup, dedup,
// durable queueing, transform workers, and dispatch to destinations.
package relay

import (
	"errors"

	"mediarelay/internal/transform"
)

var (
	// ErrResourceExhausted rejects a submission because both the in-flight
	// limit and the overflow waiting room are full.
	ErrResourceExhausted = errors.New("relay at capacity")

	// ErrQueueFull rejects normal-priority work while the job queue sits above
	// its high watermark. High-priority work is still admitted.
	ErrQueueFull = errors.New("job queue above high watermark")

	ErrUnknownDestination = errors.New("unknown destination")

	ErrEmptyPayload = errors.New("empty payload")
)

// Request is one inbound relay submission.
type Request struct {
	DestinationID string

	// Kind selects the transform. Empty means text-only: Caption is dispatched
	// directly with no transform or queueing.
	Kind     transform.Kind
	Payload  []byte
	Filename string

	// Caption is relayed alongside the artifact (or alone for text-only).
	Caption string

	// Priority uses the queue tiers; high-priority work bypasses watermark
	// admission control.
	Priority int
}

// Result describes how a submission concluded.
type Result struct {
	Fingerprint string
	JobID       string

	// FromCache means the cached artifact was dispatched with no new job.
	FromCache bool
	// Deduped means this submission attached to an already in-flight job.
	Deduped bool

	Metadata map[string]string

	// Err carries the terminal failure (transform or dispatch); nil on success.
	Err error
}
