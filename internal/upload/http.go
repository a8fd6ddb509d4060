package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/memohai/composer/internal/media"
)

const (
	uploadPath          = "/v0/file/u/"
	apiKeyHeader        = "X-Tinode-APIKey"
	defaultTimeout      = 10 * time.Minute
	defaultProgressTick = 250 * time.Millisecond
	maxResponseBytes    = 64 * 1024
)

// ProgressFunc receives the number of bytes sent out of total.
type ProgressFunc func(name string, sent, total int64)

// HTTPConfig configures HTTPUploader.
type HTTPConfig struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	ProgressInterval time.Duration
}

// HTTPUploader posts attachments as multipart forms to the server's large
// file endpoint.
type HTTPUploader struct {
	cfg        HTTPConfig
	client     *http.Client
	logger     *slog.Logger
	onProgress ProgressFunc
}

// NewHTTPUploader creates an uploader. client may be nil.
func NewHTTPUploader(log *slog.Logger, cfg HTTPConfig, client *http.Client) *HTTPUploader {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressTick
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &HTTPUploader{
		cfg:    cfg,
		client: client,
		logger: log.With(slog.String("service", "uploader")),
	}
}

// OnProgress registers a progress callback. Calls are sampled at the
// configured interval; the final count is always reported.
func (u *HTTPUploader) OnProgress(fn ProgressFunc) {
	u.onProgress = fn
}

// Upload starts the transfer and returns its completion handle at once.
// The transfer is detached from ctx cancellation so that a caller going away
// does not abort it; use Handle.Cancel for that.
func (u *HTTPUploader) Upload(ctx context.Context, att media.RawAttachment) *Handle {
	if u.cfg.BaseURL == "" {
		return Settled("", fmt.Errorf("%w: upload endpoint not configured", media.ErrTransport))
	}
	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.Timeout)
	handle, settle := NewHandle(cancel)
	go func() {
		defer cancel()
		ref, err := u.do(uploadCtx, att)
		if err != nil {
			u.logger.Warn("upload failed", slog.String("name", att.Name), slog.Any("error", err))
		} else {
			u.logger.Info("upload completed", slog.String("name", att.Name), slog.String("ref", ref))
		}
		settle(ref, err)
	}()
	return handle
}

type ctrlResponse struct {
	Ctrl struct {
		ID     string `json:"id,omitempty"`
		Code   int    `json:"code"`
		Text   string `json:"text,omitempty"`
		Params struct {
			URL string `json:"url"`
		} `json:"params"`
	} `json:"ctrl"`
}

func (u *HTTPUploader) do(ctx context.Context, att media.RawAttachment) (string, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	total := int64(len(att.Data))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pw.CloseWithError(u.writeForm(form, att, total))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL+uploadPath, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		wg.Wait()
		return "", fmt.Errorf("%w: build request: %w", media.ErrTransport, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if u.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, u.cfg.APIKey)
	}
	resp, err := u.client.Do(req)
	_ = pr.Close()
	wg.Wait()
	if err != nil {
		return "", fmt.Errorf("%w: %w", media.ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := media.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", media.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", media.ErrTransport, resp.StatusCode)
	}
	var ctrl ctrlResponse
	if err := json.Unmarshal(body, &ctrl); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", media.ErrTransport, err)
	}
	if ctrl.Ctrl.Code >= 300 {
		return "", fmt.Errorf("%w: %d %s", media.ErrTransport, ctrl.Ctrl.Code, ctrl.Ctrl.Text)
	}
	ref := strings.TrimSpace(ctrl.Ctrl.Params.URL)
	if ref == "" {
		return "", fmt.Errorf("%w: response has no url", media.ErrTransport)
	}
	return ref, nil
}

func (u *HTTPUploader) writeForm(form *multipart.Writer, att media.RawAttachment, total int64) error {
	header := make(textproto.MIMEHeader)
	name := att.Name
	if name == "" {
		name = "blob"
	}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", coalesceMime(att.Mime))
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	counter := &progressWriter{
		w:     part,
		total: total,
		name:  name,
		fn:    u.onProgress,
		every: &rate.Sometimes{Interval: u.cfg.ProgressInterval},
	}
	if _, err := counter.Write(att.Data); err != nil {
		return err
	}
	counter.report()
	return form.Close()
}

// progressWriter counts bytes and reports progress through a sampler.
type progressWriter struct {
	w     io.Writer
	sent  atomic.Int64
	total int64
	name  string
	fn    ProgressFunc
	every *rate.Sometimes
}

const writeChunk = 32 * 1024

func (p *progressWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := min(len(b), writeChunk)
		m, err := p.w.Write(b[:n])
		written += m
		p.sent.Add(int64(m))
		if err != nil {
			return written, err
		}
		if p.fn != nil {
			p.every.Do(p.report)
		}
		b = b[n:]
	}
	return written, nil
}

func (p *progressWriter) report() {
	if p.fn != nil {
		p.fn(p.name, p.sent.Load(), p.total)
	}
}

func coalesceMime(mime string) string {
	if m := media.NormalizeMime(mime); m != "" {
		return m
	}
	return "application/octet-stream"
}
