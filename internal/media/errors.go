package media

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	// ErrPolicyRejected indicates an attachment violates the size or type policy.
	ErrPolicyRejected = errors.New("attachment rejected by policy")
	// ErrEncoding indicates the attachment bytes could not be encoded.
	ErrEncoding = errors.New("attachment encoding failed")
	// ErrDecode indicates the source could not be interpreted as an image.
	ErrDecode = errors.New("image decode failed")
	// ErrUploaderUnavailable indicates the session offers no large file uploader.
	ErrUploaderUnavailable = errors.New("cannot initiate file upload")
	// ErrTransport indicates an out-of-band upload failed after it started.
	ErrTransport = errors.New("upload transport failed")
	// ErrAssetTooLarge indicates a reader produced more bytes than allowed.
	ErrAssetTooLarge = errors.New("media asset too large")
)

// RejectionError reports a policy rejection with the offending size and limit.
type RejectionError struct {
	Name  string
	Size  int64
	Limit int64
}

// Error returns the user-facing message.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("The file size %s exceeds the %s limit.", FormatBytes(e.Size), FormatBytes(e.Limit))
}

// Unwrap makes errors.Is(err, ErrPolicyRejected) hold.
func (e *RejectionError) Unwrap() error {
	return ErrPolicyRejected
}

// FormatBytes renders a byte count for people (1024-based units).
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// UserMessage returns the message shown to the user for a local attachment failure.
func UserMessage(err error) string {
	var rejection *RejectionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejection):
		return rejection.Error()
	case errors.Is(err, ErrUploaderUnavailable):
		return "Cannot initiate file upload."
	default:
		return err.Error()
	}
}
