// Package upload carries out-of-band attachment uploads and the completion
// handles through which their outcome is observed.
package upload

import (
	"context"
	"sync"

	"github.com/memohai/composer/internal/media"
)

// Handle is the completion handle of one upload. It settles exactly once,
// either with a server reference or with an error.
type Handle struct {
	done   chan struct{}
	once   sync.Once
	ref    string
	err    error
	cancel context.CancelFunc
}

// NewHandle returns an unsettled handle and the function that settles it.
// Only the first call of settle has an effect. cancel, when non-nil, is
// invoked by Handle.Cancel to abort the transfer.
func NewHandle(cancel context.CancelFunc) (*Handle, func(ref string, err error)) {
	h := &Handle{done: make(chan struct{}), cancel: cancel}
	settle := func(ref string, err error) {
		h.once.Do(func() {
			h.ref = ref
			h.err = err
			close(h.done)
		})
	}
	return h, settle
}

// Settled returns a handle that is already complete.
func Settled(ref string, err error) *Handle {
	h, settle := NewHandle(nil)
	settle(ref, err)
	return h
}

// Done is closed once the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle settles or ctx ends. A ctx error means the
// caller stopped waiting; the upload itself keeps running.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.ref, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (h *Handle) Result() (ref string, err error, ok bool) {
	select {
	case <-h.done:
		return h.ref, h.err, true
	default:
		return "", nil, false
	}
}

// Cancel asks the uploader to abort the transfer. The handle still settles,
// normally with context.Canceled.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Uploader starts out-of-band uploads. Upload returns immediately; the
// transfer proceeds concurrently and settles the returned handle.
type Uploader interface {
	Upload(ctx context.Context, att media.RawAttachment) *Handle
}

// Pending ties a started upload to the placeholder that stands in for its
// reference inside an already built fragment.
type Pending struct {
	Handle        *Handle
	Uploader      Uploader
	PlaceholderID string
	Name          string
	Mime          string
	Size          int64
}
