package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/composer/internal/composer"
	"github.com/memohai/composer/internal/drafty"
	"github.com/memohai/composer/internal/upload"
)

type recordingPublisher struct {
	mu        sync.Mutex
	contents  []any
	err       error
	published chan any
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{published: make(chan any, 8)}
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, content any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.contents = append(p.contents, content)
	p.published <- content
	return len(p.contents), nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contents)
}

type captureReporter struct {
	mu       sync.Mutex
	messages []string
}

func (r *captureReporter) Report(message string, _ composer.Severity) {
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.mu.Unlock()
}

func (r *captureReporter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func placeholderDoc(t *testing.T, id string) drafty.Document {
	t.Helper()
	doc, err := drafty.AttachFile(drafty.Document{}, drafty.File{Mime: "application/pdf", Name: "report.pdf", Size: 200000, Placeholder: id})
	require.NoError(t, err)
	return doc
}

func TestOutboxSendsTextAndInline(t *testing.T) {
	pub := newRecordingPublisher()
	o := NewOutbox(nil, pub, "grpA", &captureReporter{})
	defer o.Close()

	require.NoError(t, o.SendText(context.Background(), "hi"))
	doc := drafty.Parse("inline")
	require.NoError(t, o.SendFragment(context.Background(), doc, nil))
	assert.Equal(t, []any{drafty.Parse("hi"), doc}, pub.contents)
	assert.Empty(t, o.Pending())
}

func TestOutboxPublishesResolvedCopy(t *testing.T) {
	pub := newRecordingPublisher()
	rep := &captureReporter{}
	o := NewOutbox(nil, pub, "grpA", rep)
	defer o.Close()

	handle, settle := upload.NewHandle(nil)
	doc := placeholderDoc(t, "ph-7")
	require.NoError(t, o.SendFragment(context.Background(), doc, &upload.Pending{
		Handle: handle, PlaceholderID: "ph-7", Name: "report.pdf", Size: 200000,
	}))

	entries := o.Pending()
	require.Len(t, entries, 1)
	assert.Equal(t, "ph-7", entries[0].PlaceholderID)
	assert.Equal(t, int64(200000), entries[0].Size)
	assert.Equal(t, 0, pub.count())

	settle("/v0/file/s/xyz.pdf", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))

	require.Equal(t, 1, pub.count())
	resolved, ok := pub.contents[0].(drafty.Document)
	require.True(t, ok)
	assert.False(t, drafty.HasPlaceholder(resolved))
	assert.Equal(t, "/v0/file/s/xyz.pdf", resolved.Ent[0].Data.Ref)
	assert.True(t, drafty.HasPlaceholder(doc))
	assert.Empty(t, o.Pending())
	assert.Empty(t, rep.all())
}

func TestOutboxUploadFailureDropsEntry(t *testing.T) {
	pub := newRecordingPublisher()
	rep := &captureReporter{}
	o := NewOutbox(nil, pub, "grpA", rep)
	defer o.Close()

	handle := upload.Settled("", errors.New("connection reset"))
	require.NoError(t, o.SendFragment(context.Background(), placeholderDoc(t, "p"), &upload.Pending{
		Handle: handle, PlaceholderID: "p", Name: "report.pdf",
	}))
	require.NoError(t, o.Wait(context.Background()))

	assert.Equal(t, 0, pub.count())
	assert.Empty(t, o.Pending())
	msgs := rep.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "report.pdf")
	assert.Contains(t, msgs[0], "connection reset")
}

func TestOutboxPublishFailureReported(t *testing.T) {
	pub := newRecordingPublisher()
	pub.err = ErrNotConnected
	rep := &captureReporter{}
	o := NewOutbox(nil, pub, "grpA", rep)
	defer o.Close()

	require.NoError(t, o.SendFragment(context.Background(), placeholderDoc(t, "p"), &upload.Pending{
		Handle: upload.Settled("/ref", nil), PlaceholderID: "p", Name: "report.pdf",
	}))
	require.NoError(t, o.Wait(context.Background()))
	assert.Len(t, rep.all(), 1)

	err := o.SendText(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestOutboxRejectsPendingWithoutPlaceholder(t *testing.T) {
	o := NewOutbox(nil, newRecordingPublisher(), "grpA", &captureReporter{})
	defer o.Close()
	err := o.SendFragment(context.Background(), drafty.Parse("x"), &upload.Pending{Handle: upload.Settled("r", nil), PlaceholderID: "p"})
	require.Error(t, err)
}

func TestOutboxRejectsEmptyFragment(t *testing.T) {
	pub := newRecordingPublisher()
	o := NewOutbox(nil, pub, "grpA", &captureReporter{})
	defer o.Close()
	require.Error(t, o.SendFragment(context.Background(), drafty.Parse("  "), nil))
	assert.Equal(t, 0, pub.count())
}

// ctxPublisher fails like the session client once its context is done.
type ctxPublisher struct {
	*recordingPublisher
}

func (p *ctxPublisher) Publish(ctx context.Context, topic string, content any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return p.recordingPublisher.Publish(ctx, topic, content)
}

func TestOutboxCloseRacingSettledUploadIsSilent(t *testing.T) {
	for i := 0; i < 50; i++ {
		pub := &ctxPublisher{recordingPublisher: newRecordingPublisher()}
		rep := &captureReporter{}
		o := NewOutbox(nil, pub, "grpA", rep)

		require.NoError(t, o.SendFragment(context.Background(), placeholderDoc(t, "p"), &upload.Pending{
			Handle: upload.Settled("/v0/file/s/r.pdf", nil), PlaceholderID: "p", Name: "report.pdf",
		}))
		o.Close()

		assert.Empty(t, rep.all(), "iteration %d", i)
		assert.LessOrEqual(t, pub.count(), 1)
		assert.Empty(t, o.Pending())
	}
}

func TestOutboxCloseCancelsUploads(t *testing.T) {
	pub := newRecordingPublisher()
	rep := &captureReporter{}
	o := NewOutbox(nil, pub, "grpA", rep)

	cancelled := make(chan struct{})
	var once sync.Once
	handle, _ := upload.NewHandle(func() { once.Do(func() { close(cancelled) }) })
	require.NoError(t, o.SendFragment(context.Background(), placeholderDoc(t, "p"), &upload.Pending{
		Handle: handle, PlaceholderID: "p", Name: "report.pdf",
	}))

	o.Close()
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("upload not cancelled")
	}
	assert.Equal(t, 0, pub.count())
	assert.Empty(t, rep.all())
	assert.Empty(t, o.Pending())

	late, _ := upload.NewHandle(func() { once.Do(func() {}) })
	err := o.SendFragment(context.Background(), placeholderDoc(t, "q"), &upload.Pending{Handle: late, PlaceholderID: "q"})
	require.Error(t, err)
}

func TestLogReporterLevels(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogReporter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	r.Report("uploading", composer.SeverityInfo)
	r.Report("The file size 2 MiB exceeds the 1 MiB limit.", composer.SeverityError)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "INFO", first["level"])
	assert.Equal(t, "ERROR", second["level"])
	assert.Equal(t, "reporter", second["service"])
}
