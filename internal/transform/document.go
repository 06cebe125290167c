package transform

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
)

// Document is the catch-all passthrough for file types we don't reprocess.
type Document struct{}

func NewDocument() *Document { return &Document{} }

func (t *Document) Name() string { return "document/passthrough" }

func (t *Document) Apply(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(in.Filename), "."))
	return Output{
		Artifact: in.Payload,
		Metadata: map[string]string{
			"extension": ext,
			"bytes":     strconv.Itoa(len(in.Payload)),
		},
	}, nil
}
