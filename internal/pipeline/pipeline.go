// Package pipeline turns a raw attachment into a rich fragment, inline or
// backed by an out-of-band upload.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/memohai/composer/internal/drafty"
	"github.com/memohai/composer/internal/media"
	"github.com/memohai/composer/internal/upload"
)

// Encoder converts attachment bytes into inline payloads.
type Encoder interface {
	EncodeInline(ctx context.Context, att media.RawAttachment) (media.EncodedPayload, error)
	EncodeImageScaled(ctx context.Context, att media.RawAttachment, maxWidth, maxHeight int, preserveAspect bool) (media.EncodedPayload, error)
}

// Builder produces rich fragments.
type Builder interface {
	InsertImage(doc drafty.Document, at int, img drafty.Image) (drafty.Document, error)
	AttachFile(doc drafty.Document, f drafty.File) (drafty.Document, error)
}

// UploaderSource hands out the session's large file uploader. It returns nil
// when out-of-band uploads are not possible.
type UploaderSource interface {
	LargeFileHelper() upload.Uploader
}

// Result is a built fragment. Pending is set only for out-of-band uploads, in
// which case the fragment carries a placeholder instead of inline data.
type Result struct {
	Fragment drafty.Document
	Pending  *upload.Pending
	Decision media.Decision
}

// Outcome is the settled result of ProcessAsync.
type Outcome struct {
	Attachment media.RawAttachment
	Role       media.Role
	Result     Result
	Err        error
}

// Pipeline classifies, encodes and builds fragments.
type Pipeline struct {
	profile   media.SizeProfile
	encoder   Encoder
	builder   Builder
	uploaders UploaderSource
	newID     func() string
	logger    *slog.Logger
}

// New creates a pipeline. uploaders may be nil, which disables out-of-band
// uploads.
func New(log *slog.Logger, profile media.SizeProfile, encoder Encoder, builder Builder, uploaders UploaderSource) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if builder == nil {
		builder = drafty.Builder{}
	}
	return &Pipeline{
		profile:   profile,
		encoder:   encoder,
		builder:   builder,
		uploaders: uploaders,
		newID:     uuid.NewString,
		logger:    log.With(slog.String("service", "attachment_pipeline")),
	}
}

// Process runs one attachment through the pipeline.
func (p *Pipeline) Process(ctx context.Context, att media.RawAttachment, role media.Role) (Result, error) {
	decision := media.Classify(att, p.profile, role)
	p.logger.Debug("attachment classified",
		slog.String("name", att.Name),
		slog.String("mime", att.Mime),
		slog.Int64("size", att.ByteLength()),
		slog.String("role", string(role)),
		slog.String("decision", string(decision.Kind)),
	)

	switch decision.Kind {
	case media.DecisionRejected:
		return Result{Decision: decision}, decision.Err(att, p.profile)
	case media.DecisionInlineAsIs:
		payload, err := p.encoder.EncodeInline(ctx, att)
		if err != nil {
			return Result{Decision: decision}, err
		}
		return p.buildInline(decision, role, payload)
	case media.DecisionConvertThenInline:
		dim := p.profile.MaxImageDimension
		if dim <= 0 {
			dim = media.DefaultMaxImageDimension
		}
		payload, err := p.encoder.EncodeImageScaled(ctx, att, dim, dim, true)
		if err != nil {
			return Result{Decision: decision}, err
		}
		return p.buildInline(decision, role, payload)
	case media.DecisionOutOfBand:
		return p.startUpload(ctx, decision, att)
	default:
		return Result{Decision: decision}, fmt.Errorf("unknown transport decision %q", decision.Kind)
	}
}

// ProcessAsync runs Process on its own goroutine. The channel yields exactly
// one Outcome and is then closed.
func (p *Pipeline) ProcessAsync(ctx context.Context, att media.RawAttachment, role media.Role) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		res, err := p.Process(ctx, att, role)
		out <- Outcome{Attachment: att, Role: role, Result: res, Err: err}
	}()
	return out
}

func (p *Pipeline) buildInline(decision media.Decision, role media.Role, payload media.EncodedPayload) (Result, error) {
	var (
		doc drafty.Document
		err error
	)
	if role == media.RoleImage {
		doc, err = p.builder.InsertImage(drafty.Document{}, 0, drafty.Image{
			Mime:   payload.Mime,
			Val:    payload.Data,
			Width:  payload.Width,
			Height: payload.Height,
			Name:   payload.Name,
			Size:   payload.Size,
		})
	} else {
		doc, err = p.builder.AttachFile(drafty.Document{}, drafty.File{
			Mime: payload.Mime,
			Val:  payload.Data,
			Name: payload.Name,
			Size: payload.Size,
		})
	}
	if err != nil {
		return Result{Decision: decision}, fmt.Errorf("build fragment: %w", err)
	}
	return Result{Fragment: doc, Decision: decision}, nil
}

// startUpload builds the placeholder fragment first so that a handle is only
// created when it can be handed to the caller.
func (p *Pipeline) startUpload(ctx context.Context, decision media.Decision, att media.RawAttachment) (Result, error) {
	if p.uploaders == nil {
		return Result{Decision: decision}, media.ErrUploaderUnavailable
	}
	uploader := p.uploaders.LargeFileHelper()
	if uploader == nil {
		return Result{Decision: decision}, media.ErrUploaderUnavailable
	}
	mime := att.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	placeholder := p.newID()
	doc, err := p.builder.AttachFile(drafty.Document{}, drafty.File{
		Mime:        mime,
		Name:        att.Name,
		Size:        att.ByteLength(),
		Placeholder: placeholder,
	})
	if err != nil {
		return Result{Decision: decision}, fmt.Errorf("build fragment: %w", err)
	}
	handle := uploader.Upload(ctx, att)
	p.logger.Info("out-of-band upload started",
		slog.String("name", att.Name),
		slog.Int64("size", att.ByteLength()),
		slog.String("placeholder", placeholder),
	)
	return Result{
		Fragment: doc,
		Decision: decision,
		Pending: &upload.Pending{
			Handle:        handle,
			Uploader:      uploader,
			PlaceholderID: placeholder,
			Name:          att.Name,
			Mime:          mime,
			Size:          att.ByteLength(),
		},
	}, nil
}
