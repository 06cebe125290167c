package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// maxContentChars caps the text body; webhook destinations reject longer.
const maxContentChars = 2000

// Payload is one outbound message: small text, an optional artifact, or both.
type Payload struct {
	Content  string
	Username string

	// Filename names the artifact in the multipart form; its extension
	// drives content-type inference.
	Filename string
	Artifact []byte
}

// extMIME covers the types this relay actually ships. Anything else falls
// back to application/octet-stream.
var extMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".json": "application/json",
}

func contentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := extMIME[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}

// encodeJSON builds the text-only body.
func encodeJSON(p Payload) ([]byte, string, error) {
	body := map[string]string{"content": truncateContent(p.Content)}
	if p.Username != "" {
		body["username"] = p.Username
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

// encodeMultipart builds the file-attached form body.
func encodeMultipart(p Payload) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if c := truncateContent(p.Content); c != "" {
		if err := mw.WriteField("content", c); err != nil {
			return nil, "", err
		}
	}
	if p.Username != "" {
		if err := mw.WriteField("username", p.Username); err != nil {
			return nil, "", err
		}
	}

	filename := p.Filename
	if filename == "" {
		filename = "attachment.bin"
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentTypeFor(filename))
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(p.Artifact); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func truncateContent(s string) string {
	if len(s) <= maxContentChars {
		return s
	}
	// Back off to a rune boundary; a byte-offset cut can split a multi-byte
	// rune and ship invalid UTF-8.
	cut := maxContentChars - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
