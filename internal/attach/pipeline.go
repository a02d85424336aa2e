// Package attach converts local file selections into transmittable payloads
// and tracks per-attachment upload status. Preview handles are local files in
// a cache dir, created before any network activity and released exactly once.
package attach

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/ws"
)

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные — разрешены.
var blockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

// ErrStatusRegression guards the forward-only status invariant:
// pending -> uploaded or pending -> error, never back.
var ErrStatusRegression = errors.New("attach: status cannot move backwards")

// Pipeline enforces the per-message attachment cap and owns preview handles.
type Pipeline struct {
	maxCount int
	maxSize  int64
	cacheDir string

	// released guards release-exactly-once per attachment id.
	released map[string]bool
}

func New(maxCount int, maxSize int64, cacheDir string) *Pipeline {
	if maxCount <= 0 {
		maxCount = 2
	}
	return &Pipeline{
		maxCount: maxCount,
		maxSize:  maxSize,
		cacheDir: cacheDir,
		released: make(map[string]bool),
	}
}

// Preview creates local renderable handles for the selected files. Selections
// over the cap are truncated; the excess count is returned as a recoverable
// condition, not an error.
func (p *Pipeline) Preview(paths []string) (atts []model.Attachment, truncated int, err error) {
	if len(paths) > p.maxCount {
		truncated = len(paths) - p.maxCount
		paths = paths[:p.maxCount]
	}
	if len(paths) == 0 {
		return nil, truncated, nil
	}
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return nil, truncated, fmt.Errorf("attach: create cache dir: %w", err)
	}

	atts = make([]model.Attachment, 0, len(paths))
	for _, path := range paths {
		att, err := p.previewOne(path)
		if err != nil {
			// Roll back previews already created for this selection.
			for i := range atts {
				p.Release(&atts[i])
			}
			return nil, truncated, err
		}
		atts = append(atts, att)
	}
	return atts, truncated, nil
}

func (p *Pipeline) previewOne(path string) (model.Attachment, error) {
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))
	if blockedExt[ext] {
		return model.Attachment{}, fmt.Errorf("attach: file type %s not allowed", ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("attach: stat %s: %w", name, err)
	}
	if p.maxSize > 0 && info.Size() > p.maxSize {
		return model.Attachment{}, fmt.Errorf("attach: %s exceeds size limit (%d bytes)", name, info.Size())
	}

	id := uuid.New().String()
	preview := filepath.Join(p.cacheDir, id+ext)
	if err := copyFile(path, preview); err != nil {
		return model.Attachment{}, fmt.Errorf("attach: preview %s: %w", name, err)
	}

	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return model.Attachment{
		ID:         id,
		Name:       name,
		Type:       mimeType,
		Size:       info.Size(),
		PreviewURL: preview,
		Status:     model.AttachmentPending,
	}, nil
}

// Encode reads every attachment's preview and produces the wire payloads.
// All-or-nothing: a failure for any file rejects the whole batch so a send
// never carries a partial attachment set. Blocks on file IO; respect ctx.
func (p *Pipeline) Encode(ctx context.Context, atts []model.Attachment) ([]ws.FilePayload, error) {
	payloads := make([]ws.FilePayload, 0, len(atts))
	for _, att := range atts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(att.PreviewURL)
		if err != nil {
			return nil, fmt.Errorf("attach: encode %s: %w", att.Name, err)
		}
		payloads = append(payloads, ws.FilePayload{
			Name: att.Name,
			Type: att.Type,
			Size: att.Size,
			Data: base64.StdEncoding.EncodeToString(data),
		})
	}
	return payloads, nil
}

// MarkUploaded records the server-confirmed location. The preview handle is
// superseded and released. Forward-only: an uploaded attachment never goes
// back to pending.
func (p *Pipeline) MarkUploaded(att *model.Attachment, url string) error {
	if att.Status == model.AttachmentUploaded {
		return nil
	}
	if att.Status == model.AttachmentError {
		return ErrStatusRegression
	}
	att.Status = model.AttachmentUploaded
	att.URL = url
	p.Release(att)
	return nil
}

// MarkError records a failed upload. Terminal like uploaded.
func (p *Pipeline) MarkError(att *model.Attachment) error {
	if att.Status == model.AttachmentError {
		return nil
	}
	if att.Status == model.AttachmentUploaded {
		return ErrStatusRegression
	}
	att.Status = model.AttachmentError
	return nil
}

// Release frees the local preview handle. Exactly once per attachment; a
// second call is a logged no-op.
func (p *Pipeline) Release(att *model.Attachment) {
	if att.PreviewURL == "" {
		return
	}
	if p.released[att.ID] {
		logger.Debugf("attach: preview %s already released", att.ID)
		att.PreviewURL = ""
		return
	}
	p.released[att.ID] = true
	if err := os.Remove(att.PreviewURL); err != nil && !os.IsNotExist(err) {
		logger.Errorf("attach: remove preview %s: %v", att.PreviewURL, err)
	}
	att.PreviewURL = ""
}

// ReleaseAll releases every preview of a message being discarded.
func (p *Pipeline) ReleaseAll(atts []model.Attachment) {
	for i := range atts {
		p.Release(&atts[i])
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
