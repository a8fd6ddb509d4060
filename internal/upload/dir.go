package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/memohai/composer/internal/media"
)

// DirUploader stores attachments in a local directory. It stands in for the
// server endpoint when sending offline or in tests.
type DirUploader struct {
	root    string
	baseURL string
	logger  *slog.Logger
}

// NewDirUploader creates an uploader writing under root. References are
// baseURL joined with the stored key, or file URLs when baseURL is empty.
func NewDirUploader(log *slog.Logger, root, baseURL string) (*DirUploader, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	return &DirUploader{
		root:    abs,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.With(slog.String("service", "dir_uploader")),
	}, nil
}

// Upload copies att into the directory in the background.
func (u *DirUploader) Upload(ctx context.Context, att media.RawAttachment) *Handle {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h, settle := NewHandle(cancel)
	key := uuid.NewString()[:8] + "/" + safeName(att.Name)
	go func() {
		defer cancel()
		ref, err := u.store(ctx, key, att.Data)
		if err != nil {
			u.logger.Warn("store attachment failed", slog.String("key", key), slog.Any("error", err))
			settle("", fmt.Errorf("%w: %w", media.ErrTransport, err))
			return
		}
		settle(ref, nil)
	}()
	return h
}

func (u *DirUploader) store(ctx context.Context, key string, data []byte) (string, error) {
	dest, err := u.hostPath(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	_, err = io.Copy(f, &ctxReader{ctx: ctx, r: bytes.NewReader(data)})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("write file: %w", err)
	}
	if u.baseURL == "" {
		return "file://" + filepath.ToSlash(dest), nil
	}
	return u.baseURL + "/" + key, nil
}

// hostPath converts a key of the form "<dir>/<name>" into a path under root.
func (u *DirUploader) hostPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute key is forbidden: %s", key)
	}
	if strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("path traversal is forbidden: %s", key)
	}
	idx := strings.IndexByte(clean, filepath.Separator)
	if idx <= 0 || strings.TrimSpace(clean[idx+1:]) == "" {
		return "", fmt.Errorf("invalid storage key: %s", key)
	}
	joined := filepath.Join(u.root, clean)
	if !strings.HasPrefix(joined, u.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes upload dir: %s", key)
	}
	return joined, nil
}

func safeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
		return "attachment.bin"
	}
	return name
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
