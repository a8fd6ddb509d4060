package media

import (
	"slices"
	"strings"
)

// Role selects the classification rules applied to an attachment.
type Role string

const (
	RoleImage Role = "image"
	RoleFile  Role = "file"
)

// EncodingScheme names how payload data travels inside a message.
type EncodingScheme string

const (
	// SchemeBase64 marks data embedded inline as standard base64.
	SchemeBase64 EncodingScheme = "base64"
	// SchemeNone marks an out-of-band payload with no inline data.
	SchemeNone EncodingScheme = "none"
)

// SizeProfile holds the size and type thresholds governing transport decisions.
// It is a value: copies are independent and it needs no synchronization.
type SizeProfile struct {
	MaxInbandBytes      int64
	MaxExternBytes      int64
	MaxImageDimension   int
	SupportedImageTypes []string
}

// Default limits of the web client.
const (
	DefaultMaxInbandBytes    int64 = 195584
	DefaultMaxExternBytes    int64 = 1 << 23
	DefaultMaxImageDimension       = 768
)

// DefaultSupportedImageTypes lists the image formats sent without conversion.
var DefaultSupportedImageTypes = []string{"image/jpeg", "image/gif", "image/png", "image/svg", "image/svg+xml"}

// DefaultSizeProfile returns the stock limits.
func DefaultSizeProfile() SizeProfile {
	return SizeProfile{
		MaxInbandBytes:      DefaultMaxInbandBytes,
		MaxExternBytes:      DefaultMaxExternBytes,
		MaxImageDimension:   DefaultMaxImageDimension,
		SupportedImageTypes: slices.Clone(DefaultSupportedImageTypes),
	}
}

// Supports reports whether mime is one of the supported image types.
func (p SizeProfile) Supports(mime string) bool {
	mime = NormalizeMime(mime)
	if mime == "" {
		return false
	}
	for _, t := range p.SupportedImageTypes {
		if NormalizeMime(t) == mime {
			return true
		}
	}
	return false
}

// RawAttachment is file data picked or pasted by the user.
// It is consumed once per pipeline run and never mutated.
type RawAttachment struct {
	Data []byte
	Mime string
	Name string
	Size int64
}

// ByteLength returns Size, falling back to len(Data) when Size is unset.
func (a RawAttachment) ByteLength() int64 {
	if a.Size > 0 {
		return a.Size
	}
	return int64(len(a.Data))
}

// EncodedPayload is the transport-ready form of an attachment.
type EncodedPayload struct {
	Scheme EncodingScheme `json:"scheme"`
	Data   string         `json:"data,omitempty"`
	Mime   string         `json:"mime"`
	Name   string         `json:"name,omitempty"`
	Size   int64          `json:"size"`
	Width  int            `json:"width,omitempty"`
	Height int            `json:"height,omitempty"`
}

// NormalizeMime lowercases a MIME type and strips parameters.
func NormalizeMime(mime string) string {
	mime = strings.TrimSpace(mime)
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	return strings.ToLower(mime)
}

// IsImageMime reports whether mime has the image/ top-level type.
func IsImageMime(mime string) bool {
	return strings.HasPrefix(NormalizeMime(mime), "image/")
}
