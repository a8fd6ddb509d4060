// Package composer holds the message draft of one conversation and routes
// user input to the typing throttle, the attachment pipeline and the sender.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memohai/composer/internal/drafty"
	"github.com/memohai/composer/internal/media"
	"github.com/memohai/composer/internal/pipeline"
	"github.com/memohai/composer/internal/upload"
)

// Severity grades messages passed to a Reporter.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "err"
)

// Topic is the conversation the composer writes into.
type Topic interface {
	IsSubscribed() bool
}

// Processor runs attachments through the pipeline.
type Processor interface {
	ProcessAsync(ctx context.Context, att media.RawAttachment, role media.Role) <-chan pipeline.Outcome
}

// Gate throttles typing notifications. Reset is called once a draft has
// been sent so the next keystroke notifies again.
type Gate interface {
	Keypress() bool
	Reset()
}

// Sender publishes messages. SendFragment receives the pending upload, if
// any, together with the fragment that references it.
type Sender interface {
	SendText(ctx context.Context, text string) error
	SendFragment(ctx context.Context, doc drafty.Document, pending *upload.Pending) error
}

// Reporter shows errors to the user.
type Reporter interface {
	Report(message string, severity Severity)
}

// Controller is the composer of one conversation.
type Controller struct {
	topic    Topic
	pipeline Processor
	throttle Gate
	sender   Sender
	reporter Reporter
	logger   *slog.Logger

	mu       sync.Mutex
	draft    string
	disabled bool
	closed   bool

	// dispatchMu serializes calls into the sender.
	dispatchMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a controller. throttle may be nil to disable typing
// notifications.
func New(log *slog.Logger, topic Topic, p Processor, throttle Gate, sender Sender, reporter Reporter) *Controller {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		topic:    topic,
		pipeline: p,
		throttle: throttle,
		sender:   sender,
		reporter: reporter,
		logger:   log.With(slog.String("service", "composer")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Draft returns the current draft text.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetDraft replaces the draft text without notifying the topic.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// SetDisabled marks the conversation read-only. A disabled composer ignores
// paste, attach and send.
func (c *Controller) SetDisabled(disabled bool) {
	c.mu.Lock()
	c.disabled = disabled
	c.mu.Unlock()
}

// Disabled reports whether composing is disabled.
func (c *Controller) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

func (c *Controller) inactive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled || c.closed
}

// SendCurrentDraft publishes the trimmed draft and clears it. Blank drafts
// are ignored.
func (c *Controller) SendCurrentDraft(ctx context.Context) error {
	if c.inactive() {
		return nil
	}
	draft := c.Draft()
	text := strings.TrimSpace(draft)
	if text == "" {
		return nil
	}

	c.dispatchMu.Lock()
	err := c.sender.SendText(ctx, text)
	c.dispatchMu.Unlock()
	if err != nil {
		c.logger.Warn("send text failed", slog.Any("error", err))
		c.reporter.Report(err.Error(), SeverityError)
		return err
	}

	c.mu.Lock()
	if c.draft == draft {
		c.draft = ""
	}
	c.mu.Unlock()
	if c.throttle != nil {
		c.throttle.Reset()
	}
	return nil
}

// OnTyping updates the draft and notifies the topic, subject to the
// throttle, while subscribed.
func (c *Controller) OnTyping(text string) {
	c.SetDraft(text)
	if c.throttle == nil || c.topic == nil || !c.topic.IsSubscribed() {
		return
	}
	c.throttle.Keypress()
}

// OnKey handles a key press and reports whether it was consumed. Enter
// without Shift sends the draft.
func (c *Controller) OnKey(ctx context.Context, ev KeyEvent) bool {
	if ev.Key != KeyEnter || ev.Shift {
		return false
	}
	_ = c.SendCurrentDraft(ctx)
	return true
}

// OnAttach runs att through the pipeline in the background. The result is
// sent when it is ready; results of concurrent attachments are sent in the
// order they complete.
func (c *Controller) OnAttach(ctx context.Context, att media.RawAttachment, role media.Role) {
	c.mu.Lock()
	if c.disabled || c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	work, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer stop()

		// The outcome is always drained so that a pending upload created
		// concurrently with Close is still cancelled.
		outcome, ok := <-c.pipeline.ProcessAsync(work, att, role)
		if !ok {
			return
		}
		c.deliver(work, outcome)
	}()
}

// OnPaste routes clipboard files through the pipeline. It reports whether
// attachment data was found, in which case the default text paste must be
// suppressed.
func (c *Controller) OnPaste(ctx context.Context, ev ClipboardEvent) bool {
	if c.inactive() {
		return false
	}
	found := false
	for _, item := range ev.Items {
		if item.Kind != ClipboardFile {
			continue
		}
		found = true
		mime := media.NormalizeMime(item.Mime)
		if mime == "" {
			mime = media.DetectMime(item.Data, item.Name)
		}
		role := media.RoleFile
		if media.IsImageMime(mime) {
			role = media.RoleImage
		}
		c.OnAttach(ctx, media.RawAttachment{
			Data: item.Data,
			Mime: mime,
			Name: item.Name,
			Size: int64(len(item.Data)),
		}, role)
	}
	return found
}

// Wait blocks until every attachment started so far has been sent or
// reported.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Run handles events one at a time until ctx is cancelled or events is
// closed, then closes the controller.
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case TypingEvent:
		c.OnTyping(e.Text)
	case KeyEvent:
		c.OnKey(ctx, e)
	case AttachEvent:
		c.OnAttach(ctx, e.Attachment, e.Role)
	case PasteEvent:
		handled := c.OnPaste(ctx, e.Clipboard)
		if e.Handled != nil {
			e.Handled <- handled
		}
	case SendEvent:
		_ = c.SendCurrentDraft(ctx)
	default:
		c.logger.Warn("unknown composer event", slog.String("type", typeName(ev)))
	}
}

// Close cancels attachments in flight and waits for their goroutines.
// Nothing is sent after Close returns.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Controller) deliver(ctx context.Context, outcome pipeline.Outcome) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	pending := outcome.Result.Pending
	if c.isClosed() {
		if pending != nil {
			pending.Handle.Cancel()
		}
		return
	}
	if outcome.Err != nil {
		c.logger.Warn("attachment failed",
			slog.String("name", outcome.Attachment.Name),
			slog.Any("error", outcome.Err),
		)
		c.reporter.Report(media.UserMessage(outcome.Err), SeverityError)
		return
	}
	if err := c.sender.SendFragment(ctx, outcome.Result.Fragment, pending); err != nil {
		c.logger.Warn("send fragment failed",
			slog.String("name", outcome.Attachment.Name),
			slog.Any("error", err),
		)
		if pending != nil {
			pending.Handle.Cancel()
		}
		c.reporter.Report(err.Error(), SeverityError)
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func typeName(ev Event) string {
	return fmt.Sprintf("%T", ev)
}
