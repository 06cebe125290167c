package transform

import (
	"context"
	"fmt"
	"strings"
	"sync"

	logx "mediarelay/pkg/logx"
)

// Kind identifies the media family of a payload and selects the transform
// that processes it.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindPDF      Kind = "pdf"
	KindDocument Kind = "document"
)

// ParseKind normalizes a source-type string.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindImage:
		return KindImage, nil
	case KindVideo:
		return KindVideo, nil
	case KindAudio:
		return KindAudio, nil
	case KindPDF:
		return KindPDF, nil
	case KindDocument:
		return KindDocument, nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// Input carries one payload into a transform.
type Input struct {
	Payload  []byte
	Filename string
}

// Output is the processed artifact plus descriptive metadata.
// A nil Artifact means the transform produced metadata only.
type Output struct {
	Artifact []byte
	Metadata map[string]string
}

// Transform processes a payload. Implementations must honor ctx cancellation
// and must not retain references to in.Payload after returning.
type Transform interface {
	Name() string
	Apply(ctx context.Context, in Input) (Output, error)
}

// Registry maps source kinds to their transforms.
type Registry struct {
	mu sync.RWMutex
	m  map[Kind]Transform
}

func NewRegistry() *Registry {
	return &Registry{m: map[Kind]Transform{}}
}

func (r *Registry) Register(k Kind, t Transform) {
	r.mu.Lock()
	r.m[k] = t
	r.mu.Unlock()
}

func (r *Registry) Resolve(k Kind) (Transform, bool) {
	r.mu.RLock()
	t, ok := r.m[k]
	r.mu.RUnlock()
	return t, ok
}

// Default returns a registry with the standard plugin set.
func Default(cfg Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := NewRegistry()
	r.Register(KindImage, NewImage(cfg.Image))
	r.Register(KindVideo, NewFFmpeg(KindVideo, cfg.FFmpeg, log))
	r.Register(KindAudio, NewFFmpeg(KindAudio, cfg.FFmpeg, log))
	r.Register(KindPDF, NewPDF())
	r.Register(KindDocument, NewDocument())
	return r
}

type Config struct {
	Image  ImageConfig
	FFmpeg FFmpegConfig
}
