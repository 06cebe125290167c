package transform

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"mediarelay/internal/retry"
)

// PDF extracts lightweight document metadata and passes the payload through.
// Rasterizing page previews is out of scope for the relay.
type PDF struct{}

func NewPDF() *PDF { return &PDF{} }

func (t *PDF) Name() string { return "pdf/inspect" }

func (t *PDF) Apply(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if !bytes.HasPrefix(in.Payload, []byte("%PDF-")) {
		return Output{}, retry.NoRetry(fmt.Errorf("not a PDF payload"))
	}

	version := ""
	if len(in.Payload) >= 8 {
		version = string(in.Payload[5:8])
	}

	// Count page objects. Both spacings occur in the wild.
	pages := bytes.Count(in.Payload, []byte("/Type /Page")) +
		bytes.Count(in.Payload, []byte("/Type/Page"))
	pages -= bytes.Count(in.Payload, []byte("/Type /Pages")) +
		bytes.Count(in.Payload, []byte("/Type/Pages"))
	if pages < 1 {
		pages = 1
	}

	return Output{
		Artifact: in.Payload,
		Metadata: map[string]string{
			"pages":   strconv.Itoa(pages),
			"version": version,
			"bytes":   strconv.Itoa(len(in.Payload)),
		},
	}, nil
}
