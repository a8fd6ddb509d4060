package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/memohai/composer/internal/composer"
	"github.com/memohai/composer/internal/drafty"
	"github.com/memohai/composer/internal/media"
	"github.com/memohai/composer/internal/upload"
)

// Publisher sends content to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, content any) (int, error)
}

// PendingEntry is a message held locally until its upload settles.
type PendingEntry struct {
	PlaceholderID string
	Name          string
	Size          int64
	Started       time.Time
}

// Outbox sends composer output to one topic. Fragments that reference an
// upload in progress are kept as local pending entries and published with the
// placeholder resolved once the upload settles. Published messages are never
// edited afterwards.
type Outbox struct {
	publisher Publisher
	topic     string
	reporter  composer.Reporter
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]PendingEntry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewOutbox creates an outbox for topic.
func NewOutbox(log *slog.Logger, publisher Publisher, topic string, reporter composer.Reporter) *Outbox {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		publisher: publisher,
		topic:     topic,
		reporter:  reporter,
		logger:    log.With(slog.String("service", "outbox"), slog.String("topic", topic)),
		now:       time.Now,
		entries:   make(map[string]PendingEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SendText publishes plain text.
func (o *Outbox) SendText(ctx context.Context, text string) error {
	seq, err := o.publisher.Publish(ctx, o.topic, drafty.Parse(text))
	if err != nil {
		return fmt.Errorf("publish text: %w", err)
	}
	o.logger.Debug("text published", slog.Int("seq", seq))
	return nil
}

// SendFragment publishes doc. With a pending upload it returns as soon as the
// entry is recorded and publishes the resolved document later.
func (o *Outbox) SendFragment(ctx context.Context, doc drafty.Document, pending *upload.Pending) error {
	if doc.IsEmpty() {
		return errors.New("fragment is empty")
	}
	if pending == nil {
		seq, err := o.publisher.Publish(ctx, o.topic, doc)
		if err != nil {
			return fmt.Errorf("publish fragment: %w", err)
		}
		o.logger.Debug("fragment published", slog.Int("seq", seq), slog.String("preview", drafty.PlainText(doc)))
		return nil
	}
	if pending.Handle == nil || !drafty.HasPlaceholder(doc) {
		return errors.New("pending fragment has no placeholder")
	}
	o.mu.Lock()
	if err := o.ctx.Err(); err != nil {
		o.mu.Unlock()
		pending.Handle.Cancel()
		return fmt.Errorf("outbox closed: %w", err)
	}
	o.entries[pending.PlaceholderID] = PendingEntry{
		PlaceholderID: pending.PlaceholderID,
		Name:          pending.Name,
		Size:          pending.Size,
		Started:       o.now(),
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go o.observe(doc, pending)
	return nil
}

// Pending lists messages waiting for an upload, oldest first.
func (o *Outbox) Pending() []PendingEntry {
	o.mu.Lock()
	out := make([]PendingEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Wait blocks until every pending entry has been published or dropped.
func (o *Outbox) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels uploads still in progress and waits for their observers.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.cancel()
		o.mu.Unlock()
		o.wg.Wait()
	})
}

func (o *Outbox) observe(doc drafty.Document, pending *upload.Pending) {
	defer o.wg.Done()
	defer o.drop(pending.PlaceholderID)

	log := o.logger.With(slog.String("placeholder", pending.PlaceholderID), slog.String("name", pending.Name))
	ref, err := pending.Handle.Wait(o.ctx)
	if err != nil {
		if o.ctx.Err() != nil {
			pending.Handle.Cancel()
			log.Info("upload abandoned")
			return
		}
		log.Warn("upload failed", slog.Any("error", err))
		o.reporter.Report(uploadFailedMessage(pending.Name, err), composer.SeverityError)
		return
	}

	resolved, ok := drafty.Resolve(doc, pending.PlaceholderID, ref)
	if !ok {
		log.Error("placeholder missing from fragment")
		o.reporter.Report(fmt.Sprintf("Failed to send %s.", pending.Name), composer.SeverityError)
		return
	}
	if o.ctx.Err() != nil {
		log.Info("upload abandoned before publish")
		return
	}
	seq, err := o.publisher.Publish(o.ctx, o.topic, resolved)
	if err != nil {
		if o.ctx.Err() != nil {
			log.Info("upload abandoned before publish")
			return
		}
		log.Warn("publish resolved fragment failed", slog.Any("error", err))
		o.reporter.Report(fmt.Sprintf("Failed to send %s: %v", pending.Name, err), composer.SeverityError)
		return
	}
	log.Info("upload published", slog.String("ref", ref), slog.Int("seq", seq))
}

func (o *Outbox) drop(placeholder string) {
	o.mu.Lock()
	delete(o.entries, placeholder)
	o.mu.Unlock()
}

func uploadFailedMessage(name string, err error) string {
	return fmt.Sprintf("Upload of %s failed: %s", name, media.UserMessage(err))
}
