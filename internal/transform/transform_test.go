package transform

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"mediarelay/internal/retry"
	logx "mediarelay/pkg/logx"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestParseKind(t *testing.T) {
	cases := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"image", KindImage, true},
		{" Video ", KindVideo, true},
		{"AUDIO", KindAudio, true},
		{"pdf", KindPDF, true},
		{"document", KindDocument, true},
		{"spreadsheet", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseKind(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseKind(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseKind(%q) should fail", tc.in)
		}
	}
}

func TestImageRecompressToJPEG(t *testing.T) {
	tr := NewImage(ImageConfig{MaxDimension: 1000})
	out, err := tr.Apply(context.Background(), Input{Payload: pngBytes(t, 40, 20), Filename: "p.png"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Metadata["format"] != "jpeg" || out.Metadata["source_format"] != "png" {
		t.Fatalf("metadata = %+v", out.Metadata)
	}
	if out.Metadata["width"] != "40" || out.Metadata["height"] != "20" {
		t.Fatalf("small image must keep its dimensions: %+v", out.Metadata)
	}
	if len(out.Artifact) == 0 || !bytes.HasPrefix(out.Artifact, []byte{0xFF, 0xD8}) {
		t.Fatalf("artifact is not a JPEG")
	}
}

func TestImageDownscalesLongEdge(t *testing.T) {
	tr := NewImage(ImageConfig{MaxDimension: 100})
	out, err := tr.Apply(context.Background(), Input{Payload: pngBytes(t, 400, 200)})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Metadata["width"] != "100" || out.Metadata["height"] != "50" {
		t.Fatalf("scaled dimensions = %sx%s, want 100x50", out.Metadata["width"], out.Metadata["height"])
	}
}

func TestImageRejectsGarbage(t *testing.T) {
	tr := NewImage(ImageConfig{})
	_, err := tr.Apply(context.Background(), Input{Payload: []byte("definitely not an image")})
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if !retry.IsNoRetry(err) {
		t.Fatalf("undecodable payload must be marked no-retry, got %v", err)
	}
}

func TestPDFMetadata(t *testing.T) {
	payload := []byte("%PDF-1.7\n" +
		"1 0 obj << /Type /Pages /Count 2 >> endobj\n" +
		"2 0 obj << /Type /Page >> endobj\n" +
		"3 0 obj << /Type/Page >> endobj\n" +
		"%%EOF")
	out, err := NewPDF().Apply(context.Background(), Input{Payload: payload, Filename: "doc.pdf"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Metadata["pages"] != "2" || out.Metadata["version"] != "1.7" {
		t.Fatalf("metadata = %+v", out.Metadata)
	}
	if !bytes.Equal(out.Artifact, payload) {
		t.Fatalf("pdf must pass through unchanged")
	}
}

func TestPDFRejectsNonPDF(t *testing.T) {
	_, err := NewPDF().Apply(context.Background(), Input{Payload: []byte("hello world")})
	if !retry.IsNoRetry(err) {
		t.Fatalf("non-pdf payload must be no-retry, got %v", err)
	}
}

func TestDocumentPassthrough(t *testing.T) {
	payload := []byte("plain text contents")
	out, err := NewDocument().Apply(context.Background(), Input{Payload: payload, Filename: "Notes.TXT"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !bytes.Equal(out.Artifact, payload) {
		t.Fatalf("document must pass through unchanged")
	}
	if out.Metadata["extension"] != "txt" || out.Metadata["bytes"] != "19" {
		t.Fatalf("metadata = %+v", out.Metadata)
	}
}

func TestFFmpegPassthroughWithoutBinary(t *testing.T) {
	// Point the transform at a binary that cannot exist so it takes the
	// passthrough path regardless of the host.
	tr := NewFFmpeg(KindVideo, FFmpegConfig{Binary: "/nonexistent/ffmpeg-for-tests"}, logx.Nop())
	payload := []byte("fake video bytes")
	out, err := tr.Apply(context.Background(), Input{Payload: payload, Filename: "clip.mp4"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !bytes.Equal(out.Artifact, payload) {
		t.Fatalf("missing ffmpeg must pass the payload through")
	}
	if out.Metadata["transcoded"] != "false" {
		t.Fatalf("metadata = %+v, want transcoded=false", out.Metadata)
	}
}

func TestDefaultRegistryCoversAllKinds(t *testing.T) {
	r := Default(Config{}, logx.Nop())
	for _, k := range []Kind{KindImage, KindVideo, KindAudio, KindPDF, KindDocument} {
		tr, ok := r.Resolve(k)
		if !ok || tr == nil {
			t.Fatalf("no transform registered for %s", k)
		}
		if strings.TrimSpace(tr.Name()) == "" {
			t.Fatalf("transform for %s has no name", k)
		}
	}
	if _, ok := r.Resolve(Kind("archive")); ok {
		t.Fatalf("unknown kind must not resolve")
	}
}
