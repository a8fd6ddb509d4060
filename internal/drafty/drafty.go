// Package drafty builds Drafty rich-text documents, the content format used by
// Tinode-compatible chat servers for formatted messages with inline images and
// file attachments.
package drafty

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Mime is the content type advertised in message headers for Drafty content.
const Mime = "text/x-drafty"

// Entity types.
const (
	EntityImage      = "IM"
	EntityAttachment = "EX"
)

var (
	// ErrMixedEntity indicates an entity carries inline data and an upload placeholder at once.
	ErrMixedEntity = errors.New("entity mixes inline data and upload placeholder")
	// ErrInvalidRange indicates a style span falls outside the text.
	ErrInvalidRange = errors.New("style range out of bounds")
	// ErrInvalidKey indicates a style references a missing entity.
	ErrInvalidKey = errors.New("style references unknown entity")
)

// Style is a formatting span. At -1 with Len 0 marks an attachment that is
// not anchored in the text.
type Style struct {
	At  int    `json:"at"`
	Len int    `json:"len"`
	Tp  string `json:"tp,omitempty"`
	Key int    `json:"key,omitempty"`
}

// EntityData is the payload of an entity. Val holds base64 data for inline
// content; Ref points at uploaded content. Placeholder is a local token that
// stands in for Ref until an out-of-band upload settles.
type EntityData struct {
	Mime        string `json:"mime,omitempty"`
	Val         string `json:"val,omitempty"`
	Ref         string `json:"ref,omitempty"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Entity is an object referenced by styles.
type Entity struct {
	Tp   string     `json:"tp"`
	Data EntityData `json:"data"`
}

// Document is a Drafty document. Values are treated as immutable: every
// operation returns a new Document.
type Document struct {
	Txt string   `json:"txt"`
	Fmt []Style  `json:"fmt,omitempty"`
	Ent []Entity `json:"ent,omitempty"`
}

// Image describes an image to insert.
type Image struct {
	Mime        string
	Val         string
	Ref         string
	Width       int
	Height      int
	Name        string
	Size        int64
	Placeholder string
}

// File describes a file to attach.
type File struct {
	Mime        string
	Val         string
	Ref         string
	Name        string
	Size        int64
	Placeholder string
}

// Parse wraps plain text into a document.
func Parse(text string) Document {
	return Document{Txt: text}
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	return Document{
		Txt: d.Txt,
		Fmt: slices.Clone(d.Fmt),
		Ent: slices.Clone(d.Ent),
	}
}

// IsPlain reports whether the document carries no formatting or entities.
func (d Document) IsPlain() bool {
	return len(d.Fmt) == 0 && len(d.Ent) == 0
}

// IsEmpty reports whether the document has neither text nor entities.
func (d Document) IsEmpty() bool {
	return strings.TrimSpace(d.Txt) == "" && len(d.Ent) == 0
}

// InsertImage inserts an inline image at rune offset at. The image occupies
// one space character in the text.
func InsertImage(d Document, at int, img Image) (Document, error) {
	runes := []rune(d.Txt)
	if at < 0 || at > len(runes) {
		return Document{}, fmt.Errorf("%w: insert at %d, text length %d", ErrInvalidRange, at, len(runes))
	}
	ent := Entity{Tp: EntityImage, Data: EntityData{
		Mime:        img.Mime,
		Val:         img.Val,
		Ref:         img.Ref,
		Name:        img.Name,
		Size:        img.Size,
		Width:       img.Width,
		Height:      img.Height,
		Placeholder: img.Placeholder,
	}}
	if err := validateEntity(ent); err != nil {
		return Document{}, err
	}
	out := d.Clone()
	out.Txt = string(runes[:at]) + " " + string(runes[at:])
	for i := range out.Fmt {
		if out.Fmt[i].At >= at {
			out.Fmt[i].At++
		}
	}
	out.Ent = append(out.Ent, ent)
	out.Fmt = append(out.Fmt, Style{At: at, Len: 1, Key: len(out.Ent) - 1})
	return out, nil
}

// AttachFile appends a file attachment that is not anchored in the text.
func AttachFile(d Document, f File) (Document, error) {
	ent := Entity{Tp: EntityAttachment, Data: EntityData{
		Mime:        f.Mime,
		Val:         f.Val,
		Ref:         f.Ref,
		Name:        f.Name,
		Size:        f.Size,
		Placeholder: f.Placeholder,
	}}
	if err := validateEntity(ent); err != nil {
		return Document{}, err
	}
	out := d.Clone()
	out.Ent = append(out.Ent, ent)
	out.Fmt = append(out.Fmt, Style{At: -1, Len: 0, Key: len(out.Ent) - 1})
	return out, nil
}

// Resolve returns a copy with the entity holding placeholder switched to ref.
// It reports false when no entity carries the placeholder.
func Resolve(d Document, placeholder, ref string) (Document, bool) {
	if placeholder == "" {
		return d, false
	}
	out := d.Clone()
	found := false
	for i := range out.Ent {
		if out.Ent[i].Data.Placeholder != placeholder {
			continue
		}
		out.Ent[i].Data.Placeholder = ""
		out.Ent[i].Data.Ref = ref
		found = true
	}
	return out, found
}

// Placeholders lists unresolved upload placeholders in entity order.
func Placeholders(d Document) []string {
	var out []string
	for _, ent := range d.Ent {
		if ent.Data.Placeholder != "" {
			out = append(out, ent.Data.Placeholder)
		}
	}
	return out
}

// HasPlaceholder reports whether any entity still waits for an upload.
func HasPlaceholder(d Document) bool {
	return len(Placeholders(d)) > 0
}

// Validate checks style ranges, entity keys and the inline/placeholder rule.
func Validate(d Document) error {
	length := len([]rune(d.Txt))
	for _, st := range d.Fmt {
		if st.At == -1 && st.Len == 0 {
			if st.Key < 0 || st.Key >= len(d.Ent) {
				return fmt.Errorf("%w: key %d", ErrInvalidKey, st.Key)
			}
			continue
		}
		if st.At < 0 || st.Len < 0 || st.At+st.Len > length {
			return fmt.Errorf("%w: at %d len %d, text length %d", ErrInvalidRange, st.At, st.Len, length)
		}
		if st.Tp == "" && (st.Key < 0 || st.Key >= len(d.Ent)) {
			return fmt.Errorf("%w: key %d", ErrInvalidKey, st.Key)
		}
	}
	for _, ent := range d.Ent {
		if err := validateEntity(ent); err != nil {
			return err
		}
	}
	return nil
}

// PlainText renders the document as text, describing attachments by name.
func PlainText(d Document) string {
	text := strings.TrimSpace(d.Txt)
	var names []string
	for _, ent := range d.Ent {
		if ent.Tp != EntityAttachment {
			continue
		}
		name := ent.Data.Name
		if name == "" {
			name = "attachment"
		}
		names = append(names, "["+name+"]")
	}
	if len(names) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(names, " ")
	}
	return text + " " + strings.Join(names, " ")
}

func validateEntity(ent Entity) error {
	if ent.Data.Val != "" && ent.Data.Placeholder != "" {
		return fmt.Errorf("%w: %s %q", ErrMixedEntity, ent.Tp, ent.Data.Name)
	}
	return nil
}

// Builder exposes the document operations as methods for callers that take
// the builder as a dependency.
type Builder struct{}

// InsertImage calls the package-level InsertImage.
func (Builder) InsertImage(d Document, at int, img Image) (Document, error) {
	return InsertImage(d, at, img)
}

// AttachFile calls the package-level AttachFile.
func (Builder) AttachFile(d Document, f File) (Document, error) {
	return AttachFile(d, f)
}
