package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"

	"github.com/memohai/composer/internal/composer"
	"github.com/memohai/composer/internal/config"
	"github.com/memohai/composer/internal/media"
)

func testLimits() config.LimitsConfig {
	l := config.Default().Limits
	l.MaxInbandBytes = 1024
	l.MaxExternBytes = 4096
	l.MaxReadBytes = 4096
	return l
}

func writeTemp(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x25}, size), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestClassifyFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	paths := []string{
		writeTemp(t, dir, "small.txt", 10),
		writeTemp(t, dir, "medium.pdf", 2000),
		writeTemp(t, dir, "large.zip", 10000),
	}

	rows, err := classifyFiles(context.Background(), testLimits(), media.RoleFile, paths)
	if err != nil {
		t.Fatalf("classifyFiles returned error: %v", err)
	}
	want := []media.DecisionKind{media.DecisionInlineAsIs, media.DecisionOutOfBand, media.DecisionRejected}
	for i, row := range rows {
		if row.decision.Kind != want[i] {
			t.Fatalf("%s: decision = %s, want %s", row.name, row.decision.Kind, want[i])
		}
	}
	if rows[2].size != 10000 || rows[2].note == "" {
		t.Fatalf("oversized row = %+v", rows[2])
	}
	if rows[0].note != "" {
		t.Fatalf("inline row has note %q", rows[0].note)
	}
}

func TestClassifyFilesMissing(t *testing.T) {
	t.Parallel()
	_, err := classifyFiles(context.Background(), testLimits(), media.RoleFile, []string{filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLineEvent(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, t.TempDir(), "a.bin", 5)

	evs, err := lineEvent("hello", 1024)
	if err != nil || len(evs) != 2 {
		t.Fatalf("text line = %v, %v", evs, err)
	}
	if ev, ok := evs[0].(composer.TypingEvent); !ok || ev.Text != "hello" {
		t.Fatalf("first event = %#v", evs[0])
	}
	if ev, ok := evs[1].(composer.KeyEvent); !ok || ev.Key != composer.KeyEnter || ev.Shift {
		t.Fatalf("second event = %#v", evs[1])
	}

	evs, err = lineEvent("/image "+path, 1024)
	if err != nil || len(evs) != 1 {
		t.Fatalf("image line = %v, %v", evs, err)
	}
	ev, ok := evs[0].(composer.AttachEvent)
	if !ok || ev.Role != media.RoleImage || ev.Attachment.Name != "a.bin" || ev.Attachment.Size != 5 {
		t.Fatalf("attach event = %#v", evs[0])
	}

	if _, err := lineEvent("/file "+filepath.Join(t.TempDir(), "missing"), 1024); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDecisionLabelPlainWithoutColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	for _, kind := range []media.DecisionKind{media.DecisionRejected, media.DecisionOutOfBand, media.DecisionInlineAsIs} {
		if got := decisionLabel(kind); got != string(kind) {
			t.Fatalf("decisionLabel(%s) = %q", kind, got)
		}
	}
}

func TestPushEventsRefusesReadOnlyTopic(t *testing.T) {
	ctrl := composer.New(nil, nil, nil, nil, nil, nil)
	defer ctrl.Close()
	ctrl.SetDisabled(true)

	err := pushEvents(context.Background(), sendDeps{Controller: ctrl}, sendOptions{Topic: "grpNews", Text: "hi"}, nil)
	if !errors.Is(err, errReadOnly) {
		t.Fatalf("expected errReadOnly, got %v", err)
	}
}
