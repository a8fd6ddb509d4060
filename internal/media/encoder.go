package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"log/slog"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp" // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

const (
	defaultJPEGQuality = 85
	minJPEGQuality     = 40
	jpegQualityStep    = 15
	shrinkFactor       = 0.75
	minScaledDimension = 16
)

// Encoder turns raw attachment bytes into inline payloads.
type Encoder struct {
	profile SizeProfile
	quality int
	scaler  draw.Scaler
	logger  *slog.Logger
}

// EncoderOption customises an Encoder.
type EncoderOption func(*Encoder)

// WithJPEGQuality sets the first JPEG quality tried when re-encoding.
func WithJPEGQuality(quality int) EncoderOption {
	return func(e *Encoder) {
		if quality > 0 && quality <= 100 {
			e.quality = quality
		}
	}
}

// WithScaler replaces the interpolation used for down-scaling.
func WithScaler(scaler draw.Scaler) EncoderOption {
	return func(e *Encoder) {
		if scaler != nil {
			e.scaler = scaler
		}
	}
}

// WithLogger sets the encoder logger.
func WithLogger(log *slog.Logger) EncoderOption {
	return func(e *Encoder) {
		if log != nil {
			e.logger = log
		}
	}
}

// NewEncoder creates an encoder bound to profile. Converted images are kept
// within profile.MaxInbandBytes.
func NewEncoder(profile SizeProfile, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		profile: profile,
		quality: defaultJPEGQuality,
		scaler:  draw.CatmullRom,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("service", "media_encoder"))
	return e
}

// EncodeInline base64-encodes the attachment bytes unchanged. Image
// dimensions are filled in when the header can be decoded.
func (e *Encoder) EncodeInline(ctx context.Context, att RawAttachment) (EncodedPayload, error) {
	if err := ctx.Err(); err != nil {
		return EncodedPayload{}, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	if len(att.Data) == 0 {
		return EncodedPayload{}, fmt.Errorf("%w: attachment %q is empty", ErrEncoding, att.Name)
	}
	payload := EncodedPayload{
		Scheme: SchemeBase64,
		Data:   base64.StdEncoding.EncodeToString(att.Data),
		Mime:   coalesce(NormalizeMime(att.Mime), "application/octet-stream"),
		Name:   att.Name,
		Size:   int64(len(att.Data)),
	}
	if IsImageMime(payload.Mime) {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(att.Data)); err == nil {
			payload.Width = cfg.Width
			payload.Height = cfg.Height
		}
	}
	return payload, nil
}

// EncodeImageScaled decodes the image, scales it into maxWidth x maxHeight
// and re-encodes it into a supported format small enough to travel inline.
// With preserveAspect false the image is centre-cropped to fill the box.
func (e *Encoder) EncodeImageScaled(ctx context.Context, att RawAttachment, maxWidth, maxHeight int, preserveAspect bool) (EncodedPayload, error) {
	if err := ctx.Err(); err != nil {
		return EncodedPayload{}, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	if maxWidth <= 0 || maxHeight <= 0 {
		return EncodedPayload{}, fmt.Errorf("%w: invalid bounds %dx%d", ErrEncoding, maxWidth, maxHeight)
	}
	if len(att.Data) == 0 {
		return EncodedPayload{}, fmt.Errorf("%w: attachment %q is empty", ErrDecode, att.Name)
	}
	src, format, err := image.Decode(bytes.NewReader(att.Data))
	if err != nil {
		if isVectorMime(att.Mime) {
			return EncodedPayload{}, fmt.Errorf("%w: vector images above %s cannot be converted", ErrDecode, FormatBytes(e.profile.MaxInbandBytes))
		}
		return EncodedPayload{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	bounds := src.Bounds()
	width, height := Dimensions(maxWidth, maxHeight, bounds.Dx(), bounds.Dy(), preserveAspect)
	if width == 0 || height == 0 {
		return EncodedPayload{}, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	crop := bounds
	if !preserveAspect {
		crop = centerCrop(bounds, width, height)
	}
	formats := e.outputFormats(format)
	if len(formats) == 0 {
		return EncodedPayload{}, fmt.Errorf("%w: no supported output format for %q", ErrEncoding, att.Name)
	}

	for {
		if err := ctx.Err(); err != nil {
			return EncodedPayload{}, fmt.Errorf("%w: %w", ErrEncoding, err)
		}
		for _, mime := range formats {
			data, err := e.render(src, crop, width, height, mime)
			if err != nil {
				return EncodedPayload{}, err
			}
			if e.fits(data) {
				return EncodedPayload{
					Scheme: SchemeBase64,
					Data:   base64.StdEncoding.EncodeToString(data),
					Mime:   mime,
					Name:   replaceExtension(att.Name, mime),
					Size:   int64(len(data)),
					Width:  width,
					Height: height,
				}, nil
			}
		}
		if width < minScaledDimension && height < minScaledDimension {
			break
		}
		e.logger.Debug("scaled image above inline limit, shrinking",
			slog.String("name", att.Name),
			slog.Int("width", width),
			slog.Int("height", height),
		)
		width = int(float64(width) * shrinkFactor)
		height = int(float64(height) * shrinkFactor)
		if width < 1 || height < 1 {
			break
		}
	}
	return EncodedPayload{}, fmt.Errorf("%w: cannot fit %q within %s", ErrEncoding, att.Name, FormatBytes(e.profile.MaxInbandBytes))
}

// Dimensions computes the output size for a srcW x srcH image bounded by
// maxW x maxH. Images are never enlarged.
func Dimensions(maxW, maxH, srcW, srcH int, preserveAspect bool) (int, int) {
	if srcW <= 0 || srcH <= 0 || maxW <= 0 || maxH <= 0 {
		return 0, 0
	}
	if !preserveAspect {
		return min(srcW, maxW), min(srcH, maxH)
	}
	scale := min(1.0, float64(maxW)/float64(srcW), float64(maxH)/float64(srcH))
	width := max(1, int(float64(srcW)*scale))
	height := max(1, int(float64(srcH)*scale))
	return min(width, maxW), min(height, maxH)
}

// outputFormats lists the supported target MIME types in preference order.
// JPEG sources stay JPEG; everything else tries PNG first and falls back to
// JPEG. The result is empty when the profile allows neither.
func (e *Encoder) outputFormats(format string) []string {
	if format == "jpeg" && e.profile.Supports("image/jpeg") {
		return []string{"image/jpeg"}
	}
	formats := make([]string, 0, 2)
	for _, mime := range []string{"image/png", "image/jpeg"} {
		if e.profile.Supports(mime) {
			formats = append(formats, mime)
		}
	}
	return formats
}

func isVectorMime(mime string) bool {
	switch NormalizeMime(mime) {
	case "image/svg", "image/svg+xml":
		return true
	}
	return false
}

func (e *Encoder) render(src image.Image, crop image.Rectangle, width, height int, mime string) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if mime == "image/jpeg" {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	e.scaler.Scale(dst, dst.Bounds(), src, crop, draw.Over, nil)

	var buf bytes.Buffer
	if mime == "image/png" {
		if err := png.Encode(&buf, dst); err != nil {
			return nil, fmt.Errorf("%w: png: %w", ErrEncoding, err)
		}
		return buf.Bytes(), nil
	}
	var last []byte
	for quality := e.quality; quality >= minJPEGQuality; quality -= jpegQualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("%w: jpeg: %w", ErrEncoding, err)
		}
		last = append(last[:0], buf.Bytes()...)
		if e.fits(last) {
			break
		}
	}
	return last, nil
}

func (e *Encoder) fits(data []byte) bool {
	return e.profile.MaxInbandBytes <= 0 || int64(len(data)) <= e.profile.MaxInbandBytes
}

// centerCrop returns the largest centred sub-rectangle of b with the aspect
// ratio width:height.
func centerCrop(b image.Rectangle, width, height int) image.Rectangle {
	srcW, srcH := b.Dx(), b.Dy()
	if srcW*height > srcH*width {
		cropW := srcH * width / height
		x0 := b.Min.X + (srcW-cropW)/2
		return image.Rect(x0, b.Min.Y, x0+cropW, b.Max.Y)
	}
	cropH := srcW * height / width
	y0 := b.Min.Y + (srcH-cropH)/2
	return image.Rect(b.Min.X, y0, b.Max.X, y0+cropH)
}

func replaceExtension(name, mime string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "image" + extensionFromMime(mime)
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + extensionFromMime(mime)
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
