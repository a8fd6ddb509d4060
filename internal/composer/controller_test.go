package composer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/memohai/composer/internal/drafty"
	"github.com/memohai/composer/internal/media"
	"github.com/memohai/composer/internal/pipeline"
	"github.com/memohai/composer/internal/typing"
	"github.com/memohai/composer/internal/upload"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTopic struct {
	mu         sync.Mutex
	subscribed bool
	notes      int
}

func (t *fakeTopic) IsSubscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed
}

func (t *fakeTopic) NoteKeyPress() {
	t.mu.Lock()
	t.notes++
	t.mu.Unlock()
}

func (t *fakeTopic) noteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notes
}

type sent struct {
	text    string
	doc     drafty.Document
	pending *upload.Pending
}

type fakeSender struct {
	mu    sync.Mutex
	msgs  []sent
	err   error
	sentC chan sent
}

func newFakeSender() *fakeSender {
	return &fakeSender{sentC: make(chan sent, 16)}
}

func (s *fakeSender) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	m := sent{text: text}
	s.msgs = append(s.msgs, m)
	s.sentC <- m
	return nil
}

func (s *fakeSender) SendFragment(_ context.Context, doc drafty.Document, pending *upload.Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	m := sent{doc: doc, pending: pending}
	s.msgs = append(s.msgs, m)
	s.sentC <- m
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type report struct {
	message  string
	severity Severity
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *fakeReporter) Report(message string, severity Severity) {
	r.mu.Lock()
	r.reports = append(r.reports, report{message: message, severity: severity})
	r.mu.Unlock()
}

func (r *fakeReporter) all() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

// gatedProcessor completes each attachment only when its name is released.
type gatedProcessor struct {
	mu      sync.Mutex
	gates   map[string]chan pipeline.Outcome
	seen    map[string]pipeline.Outcome
	started chan string
}

func newGatedProcessor() *gatedProcessor {
	return &gatedProcessor{
		gates:   map[string]chan pipeline.Outcome{},
		seen:    map[string]pipeline.Outcome{},
		started: make(chan string, 16),
	}
}

// routed returns the attachment and role the processor received for name.
func (p *gatedProcessor) routed(name string) (media.RawAttachment, media.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.seen[name]
	return o.Attachment, o.Role
}

func (p *gatedProcessor) gate(name string) chan pipeline.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.gates[name]
	if !ok {
		ch = make(chan pipeline.Outcome, 1)
		p.gates[name] = ch
	}
	return ch
}

func (p *gatedProcessor) ProcessAsync(ctx context.Context, att media.RawAttachment, role media.Role) <-chan pipeline.Outcome {
	out := make(chan pipeline.Outcome, 1)
	gate := p.gate(att.Name)
	p.mu.Lock()
	p.seen[att.Name] = pipeline.Outcome{Attachment: att, Role: role}
	p.mu.Unlock()
	p.started <- att.Name
	go func() {
		defer close(out)
		select {
		case o := <-gate:
			o.Attachment = att
			o.Role = role
			out <- o
		case <-ctx.Done():
			out <- pipeline.Outcome{Attachment: att, Role: role, Err: ctx.Err()}
		}
	}()
	return out
}

func (p *gatedProcessor) release(name string, o pipeline.Outcome) {
	p.gate(name) <- o
}

func fragment(name string) drafty.Document {
	doc, _ := drafty.AttachFile(drafty.Document{}, drafty.File{Mime: "text/plain", Val: "eA==", Name: name})
	return doc
}

type harness struct {
	ctrl     *Controller
	topic    *fakeTopic
	sender   *fakeSender
	reporter *fakeReporter
	proc     *gatedProcessor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		topic:    &fakeTopic{subscribed: true},
		sender:   newFakeSender(),
		reporter: &fakeReporter{},
		proc:     newGatedProcessor(),
	}
	gate := typing.New(time.Hour, typing.NotifierFunc(h.topic.NoteKeyPress))
	h.ctrl = New(nil, h.topic, h.proc, gate, h.sender, h.reporter)
	t.Cleanup(h.ctrl.Close)
	return h
}

func waitSent(t *testing.T, s *fakeSender) sent {
	t.Helper()
	select {
	case m := <-s.sentC:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for send")
		return sent{}
	}
}

func TestSendCurrentDraft(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ctrl.SetDraft("  hello there \n")

	require.NoError(t, h.ctrl.SendCurrentDraft(context.Background()))
	assert.Equal(t, "", h.ctrl.Draft())
	require.Equal(t, 1, h.sender.count())
	assert.Equal(t, "hello there", h.sender.msgs[0].text)
}

func TestSendBlankDraftIsNoop(t *testing.T) {
	t.Parallel()
	cases := []string{"", " ", "\n\t  "}
	for _, draft := range cases {
		h := newHarness(t)
		h.ctrl.SetDraft(draft)
		require.NoError(t, h.ctrl.SendCurrentDraft(context.Background()))
		assert.Equal(t, draft, h.ctrl.Draft())
		assert.Equal(t, 0, h.sender.count())
	}
}

func TestSendFailureKeepsDraft(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sender.err = errors.New("offline")
	h.ctrl.SetDraft("hi")

	err := h.ctrl.SendCurrentDraft(context.Background())
	require.Error(t, err)
	assert.Equal(t, "hi", h.ctrl.Draft())
	reports := h.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, SeverityError, reports[0].severity)
}

func TestOnKeyEnterSends(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ctrl.SetDraft("line")

	assert.False(t, h.ctrl.OnKey(context.Background(), KeyEvent{Key: KeyEnter, Shift: true}))
	assert.False(t, h.ctrl.OnKey(context.Background(), KeyEvent{Key: "a"}))
	assert.Equal(t, 0, h.sender.count())

	assert.True(t, h.ctrl.OnKey(context.Background(), KeyEvent{Key: KeyEnter}))
	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, "", h.ctrl.Draft())
}

func TestOnTypingThrottledAndSubscribedOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for i := 0; i < 10; i++ {
		h.ctrl.OnTyping("abc")
	}
	assert.Equal(t, 1, h.topic.noteCount())
	assert.Equal(t, "abc", h.ctrl.Draft())

	h.ctrl.SetDraft("sent")
	require.NoError(t, h.ctrl.SendCurrentDraft(context.Background()))
	h.ctrl.OnTyping("n")
	assert.Equal(t, 2, h.topic.noteCount(), "typing after a send notifies again")

	h2 := newHarness(t)
	h2.topic.subscribed = false
	h2.ctrl.OnTyping("x")
	assert.Equal(t, 0, h2.topic.noteCount())
	assert.Equal(t, "x", h2.ctrl.Draft())
}

func TestAttachmentsDispatchInCompletionOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.ctrl.OnAttach(ctx, media.RawAttachment{Name: "first"}, media.RoleFile)
	h.ctrl.OnAttach(ctx, media.RawAttachment{Name: "second"}, media.RoleFile)
	<-h.proc.started
	<-h.proc.started

	h.proc.release("second", pipeline.Outcome{Result: pipeline.Result{Fragment: fragment("second")}})
	m := waitSent(t, h.sender)
	assert.Equal(t, "second", m.doc.Ent[0].Data.Name)

	h.proc.release("first", pipeline.Outcome{Result: pipeline.Result{Fragment: fragment("first")}})
	m = waitSent(t, h.sender)
	assert.Equal(t, "first", m.doc.Ent[0].Data.Name)

	h.ctrl.Wait()
	assert.Empty(t, h.reporter.all())
}

func TestAttachmentFailureReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ctrl.SetDraft("keep me")

	h.ctrl.OnAttach(context.Background(), media.RawAttachment{Name: "big.zip"}, media.RoleFile)
	<-h.proc.started
	h.proc.release("big.zip", pipeline.Outcome{Err: &media.RejectionError{Name: "big.zip", Size: 2000000, Limit: 1048576}})
	h.ctrl.Wait()

	reports := h.reporter.all()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].message, media.FormatBytes(2000000))
	assert.Contains(t, reports[0].message, media.FormatBytes(1048576))
	assert.Equal(t, 0, h.sender.count())
	assert.Equal(t, "keep me", h.ctrl.Draft())
}

func TestPendingFragmentDispatchedImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	handle, _ := upload.NewHandle(nil)
	pending := &upload.Pending{Handle: handle, PlaceholderID: "ph", Name: "doc.pdf"}
	doc, err := drafty.AttachFile(drafty.Document{}, drafty.File{Mime: "application/pdf", Name: "doc.pdf", Placeholder: "ph"})
	require.NoError(t, err)

	h.ctrl.OnAttach(context.Background(), media.RawAttachment{Name: "doc.pdf"}, media.RoleFile)
	<-h.proc.started
	h.proc.release("doc.pdf", pipeline.Outcome{Result: pipeline.Result{Fragment: doc, Pending: pending}})

	m := waitSent(t, h.sender)
	assert.Same(t, pending, m.pending)
	assert.True(t, drafty.HasPlaceholder(m.doc))
	_, _, settled := handle.Result()
	assert.False(t, settled)
}

func TestOnPasteRoutesClipboardItems(t *testing.T) {
	t.Parallel()
	pngHeader := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")

	tests := []struct {
		name     string
		item     ClipboardItem
		wantRole media.Role
		wantMime string
	}{
		{name: "typed image", item: ClipboardItem{Kind: ClipboardFile, Mime: "image/png", Name: "shot.png", Data: []byte{1}}, wantRole: media.RoleImage, wantMime: "image/png"},
		{name: "typed document", item: ClipboardItem{Kind: ClipboardFile, Mime: "application/pdf", Name: "a.pdf", Data: []byte{2}}, wantRole: media.RoleFile, wantMime: "application/pdf"},
		{name: "untyped image is sniffed", item: ClipboardItem{Kind: ClipboardFile, Name: "clip", Data: pngHeader}, wantRole: media.RoleImage, wantMime: "image/png"},
		{name: "untyped text stays a file", item: ClipboardItem{Kind: ClipboardFile, Name: "notes.txt", Data: []byte("plain words")}, wantRole: media.RoleFile, wantMime: "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)

			handled := h.ctrl.OnPaste(context.Background(), ClipboardEvent{Items: []ClipboardItem{
				{Kind: ClipboardString, Mime: "text/plain", Data: []byte("ignored")},
				tt.item,
			}})
			assert.True(t, handled)
			assert.Equal(t, tt.item.Name, <-h.proc.started)

			att, role := h.proc.routed(tt.item.Name)
			assert.Equal(t, tt.wantRole, role)
			assert.Equal(t, tt.wantMime, att.Mime)

			h.proc.release(tt.item.Name, pipeline.Outcome{Result: pipeline.Result{Fragment: fragment(tt.item.Name)}})
			h.ctrl.Wait()
			assert.Equal(t, 1, h.sender.count())
		})
	}
}

func TestOnPasteTextOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	handled := h.ctrl.OnPaste(context.Background(), ClipboardEvent{Items: []ClipboardItem{
		{Kind: ClipboardString, Mime: "text/plain", Data: []byte("hello")},
	}})
	assert.False(t, handled)
}

func TestDisabledIgnoresInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ctrl.SetDisabled(true)
	h.ctrl.SetDraft("hello")

	require.NoError(t, h.ctrl.SendCurrentDraft(context.Background()))
	assert.False(t, h.ctrl.OnPaste(context.Background(), ClipboardEvent{Items: []ClipboardItem{
		{Kind: ClipboardFile, Mime: "image/png", Name: "x.png", Data: []byte{1}},
	}}))
	h.ctrl.OnAttach(context.Background(), media.RawAttachment{Name: "y"}, media.RoleFile)
	h.ctrl.Wait()

	assert.Equal(t, 0, h.sender.count())
	assert.Equal(t, "hello", h.ctrl.Draft())
	assert.Empty(t, h.proc.started)
}

func TestCloseCancelsInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ctrl.OnAttach(context.Background(), media.RawAttachment{Name: "slow"}, media.RoleFile)
	<-h.proc.started
	h.ctrl.Close()

	assert.Equal(t, 0, h.sender.count())
	assert.Empty(t, h.reporter.all())

	h.ctrl.OnAttach(context.Background(), media.RawAttachment{Name: "late"}, media.RoleFile)
	assert.Empty(t, h.proc.started)
}

func TestCloseCancelsUndeliveredPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ctrl.Close()

	cancelled := make(chan struct{})
	handle, _ := upload.NewHandle(func() { close(cancelled) })
	h.ctrl.deliver(context.Background(), pipeline.Outcome{Result: pipeline.Result{
		Fragment: fragment("x"),
		Pending:  &upload.Pending{Handle: handle, PlaceholderID: "p"},
	}})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("pending upload was not cancelled")
	}
	assert.Equal(t, 0, h.sender.count())
}

func TestRunProcessesEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(context.Background(), events) }()

	events <- TypingEvent{Text: "from run"}
	events <- KeyEvent{Key: KeyEnter}
	m := waitSent(t, h.sender)
	assert.Equal(t, "from run", m.text)

	handled := make(chan bool, 1)
	events <- PasteEvent{Clipboard: ClipboardEvent{Items: []ClipboardItem{{Kind: ClipboardFile, Mime: "image/gif", Name: "a.gif", Data: []byte{1}}}}, Handled: handled}
	assert.True(t, <-handled)
	<-h.proc.started

	close(events)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.sender.count())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx, make(chan Event)) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
