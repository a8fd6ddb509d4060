package composer

import "github.com/memohai/composer/internal/media"

// Event is an input delivered to Run.
type Event interface {
	isEvent()
}

// TypingEvent replaces the draft text.
type TypingEvent struct {
	Text string
}

// KeyEvent is a key press in the message input.
type KeyEvent struct {
	Key   string
	Shift bool
}

// AttachEvent is a file picked by the user.
type AttachEvent struct {
	Attachment media.RawAttachment
	Role       media.Role
}

// PasteEvent carries clipboard contents. When Handled is non-nil it receives
// whether the default text paste should be suppressed.
type PasteEvent struct {
	Clipboard ClipboardEvent
	Handled   chan<- bool
}

// SendEvent sends the current draft.
type SendEvent struct{}

func (TypingEvent) isEvent() {}
func (KeyEvent) isEvent()    {}
func (AttachEvent) isEvent() {}
func (PasteEvent) isEvent()  {}
func (SendEvent) isEvent()   {}

// ClipboardKind tells file items from string items.
type ClipboardKind string

const (
	ClipboardFile   ClipboardKind = "file"
	ClipboardString ClipboardKind = "string"
)

// ClipboardItem is one entry of a paste.
type ClipboardItem struct {
	Kind ClipboardKind
	Mime string
	Name string
	Data []byte
}

// ClipboardEvent is the content of a paste.
type ClipboardEvent struct {
	Items []ClipboardItem
}

// KeyEnter is the key name that sends the draft.
const KeyEnter = "Enter"
