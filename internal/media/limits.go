package media

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ReadAllWithLimit reads from reader and rejects payloads larger than maxBytes.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	limited := &io.LimitedReader{
		R: reader,
		N: maxBytes + 1,
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}

// ReadAttachment reads reader into a RawAttachment. An empty mime is sniffed
// from the content. maxBytes bounds the read; pass the extern limit plus one
// so oversized files still reach the classifier and get a policy rejection.
func ReadAttachment(reader io.Reader, name, mime string, maxBytes int64) (RawAttachment, error) {
	data, err := ReadAllWithLimit(reader, maxBytes)
	if err != nil {
		return RawAttachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if strings.TrimSpace(mime) == "" {
		mime = DetectMime(data, name)
	}
	return RawAttachment{
		Data: data,
		Mime: NormalizeMime(mime),
		Name: filepath.Base(strings.TrimSpace(name)),
		Size: int64(len(data)),
	}, nil
}

// DetectMime sniffs the MIME type of data, using the file extension when the
// content is not recognised.
func DetectMime(data []byte, name string) string {
	detected := mimetype.Detect(data)
	if detected != nil && !detected.Is("application/octet-stream") && !detected.Is("text/plain") {
		return NormalizeMime(detected.String())
	}
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		if byExt := mimeFromExtension(ext); byExt != "" {
			return byExt
		}
	}
	if detected != nil {
		return NormalizeMime(detected.String())
	}
	return "application/octet-stream"
}

func mimeFromExtension(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".svg":
		return "image/svg+xml"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	default:
		return ""
	}
}

// extensionFromMime maps the formats the encoder produces to file extensions.
func extensionFromMime(mime string) string {
	switch NormalizeMime(mime) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
