// Package ingest defines the boundary between inbound media sources and the
// relay pipeline. Sources turn their native updates into relay requests; they
// never see queueing, caching, or dispatch.
package ingest

import (
	"context"

	"mediarelay/internal/relay"
)

// Submitter accepts relay requests. The orchestrator implements it; tests
// substitute fakes.
type Submitter interface {
	Submit(ctx context.Context, req relay.Request) (relay.Result, error)
}

// Source is a long-running inbound adapter.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
