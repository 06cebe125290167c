package transform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	logx "mediarelay/pkg/logx"
)

type FFmpegConfig struct {
	// Binary overrides the ffmpeg binary path; empty means $PATH lookup.
	Binary string
	// CRF controls video quality (lower is better, 18-28 is sane).
	CRF int
	// AudioBitrate like "128k".
	AudioBitrate string
	// MaxHeight bounds video height; wider sources are scaled down.
	MaxHeight int
}

func (c FFmpegConfig) withDefaults() FFmpegConfig {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.CRF <= 0 {
		c.CRF = 28
	}
	if c.AudioBitrate == "" {
		c.AudioBitrate = "128k"
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 720
	}
	return c
}

// FFmpeg recompresses video and audio by shelling out to the local ffmpeg
// binary. When the binary is absent the payload passes through untouched so
// a relay without ffmpeg installed still delivers media.
type FFmpeg struct {
	kind Kind
	cfg  FFmpegConfig
	log  logx.Logger

	binary string // resolved once; empty means unavailable
}

func NewFFmpeg(kind Kind, cfg FFmpegConfig, log logx.Logger) *FFmpeg {
	cfg = cfg.withDefaults()
	t := &FFmpeg{kind: kind, cfg: cfg, log: log}
	if path, err := exec.LookPath(cfg.Binary); err == nil {
		t.binary = path
	} else {
		log.Warn("ffmpeg not found, media passes through unprocessed", logx.String("binary", cfg.Binary))
	}
	return t
}

func (t *FFmpeg) Name() string { return string(t.kind) + "/recompress" }

func (t *FFmpeg) Apply(ctx context.Context, in Input) (Output, error) {
	if t.binary == "" {
		return Output{
			Artifact: in.Payload,
			Metadata: map[string]string{"transcoded": "false", "bytes": strconv.Itoa(len(in.Payload))},
		}, nil
	}

	dir, err := os.MkdirTemp("", "relay-ffmpeg-")
	if err != nil {
		return Output{}, err
	}
	defer os.RemoveAll(dir)

	inExt := filepath.Ext(in.Filename)
	if inExt == "" {
		inExt = ".bin"
	}
	inPath := filepath.Join(dir, "in"+inExt)
	if err := os.WriteFile(inPath, in.Payload, 0o600); err != nil {
		return Output{}, err
	}

	var outPath string
	var args []string
	switch t.kind {
	case KindAudio:
		outPath = filepath.Join(dir, "out.mp3")
		args = []string{"-y", "-i", inPath, "-b:a", t.cfg.AudioBitrate, outPath}
	default:
		outPath = filepath.Join(dir, "out.mp4")
		scale := fmt.Sprintf("scale=-2:'min(%d,ih)'", t.cfg.MaxHeight)
		args = []string{
			"-y", "-i", inPath,
			"-vf", scale,
			"-c:v", "libx264", "-crf", strconv.Itoa(t.cfg.CRF),
			"-c:a", "aac", "-b:a", t.cfg.AudioBitrate,
			"-movflags", "+faststart",
			outPath,
		}
	}

	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, fmt.Errorf("ffmpeg failed: %w: %s", err, tail(stderr.String(), 400))
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return Output{}, fmt.Errorf("read ffmpeg output: %w", err)
	}

	return Output{
		Artifact: out,
		Metadata: map[string]string{
			"transcoded":  "true",
			"bytes":       strconv.Itoa(len(out)),
			"input_bytes": strconv.Itoa(len(in.Payload)),
		},
	}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
