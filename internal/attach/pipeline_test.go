package attach

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/kejichat/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestPipeline(t *testing.T, maxCount int, maxSize int64) (*Pipeline, string) {
	t.Helper()
	cache := t.TempDir()
	return New(maxCount, maxSize, cache), cache
}

func TestPreviewCreatesLocalHandles(t *testing.T) {
	p, cache := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	a := writeFile(t, src, "menu.jpg", "jpeg-bytes")

	atts, truncated, err := p.Preview([]string{a})

	require.NoError(t, err)
	assert.Zero(t, truncated)
	require.Len(t, atts, 1)
	assert.Equal(t, "menu.jpg", atts[0].Name)
	assert.Equal(t, model.AttachmentPending, atts[0].Status)
	assert.Equal(t, int64(len("jpeg-bytes")), atts[0].Size)
	assert.FileExists(t, atts[0].PreviewURL)
	assert.Equal(t, cache, filepath.Dir(atts[0].PreviewURL))
}

func TestPreviewTruncatesOverCap(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	paths := []string{
		writeFile(t, src, "a.jpg", "a"),
		writeFile(t, src, "b.jpg", "b"),
		writeFile(t, src, "c.jpg", "c"),
	}

	atts, truncated, err := p.Preview(paths)

	require.NoError(t, err)
	assert.Equal(t, 1, truncated, "excess is a recoverable condition, not an error")
	assert.Len(t, atts, 2)
	assert.Equal(t, "a.jpg", atts[0].Name)
	assert.Equal(t, "b.jpg", atts[1].Name)
}

func TestPreviewRejectsBlockedExtension(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	ok := writeFile(t, src, "fine.png", "png")
	bad := writeFile(t, src, "virus.exe", "mz")

	atts, _, err := p.Preview([]string{ok, bad})

	require.Error(t, err)
	assert.Nil(t, atts, "previews created before the failure are rolled back")
}

func TestPreviewRejectsOversizedFile(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 4)
	src := t.TempDir()
	big := writeFile(t, src, "big.jpg", "way too large")

	_, _, err := p.Preview([]string{big})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

func TestEncodeProducesBase64Payloads(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	a := writeFile(t, src, "pic.jpg", "raw-bytes")

	atts, _, err := p.Preview([]string{a})
	require.NoError(t, err)

	payloads, err := p.Encode(context.Background(), atts)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "pic.jpg", payloads[0].Name)

	decoded, err := base64.StdEncoding.DecodeString(payloads[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "raw-bytes", string(decoded))
}

func TestEncodeIsAllOrNothing(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	a := writeFile(t, src, "a.jpg", "a")
	b := writeFile(t, src, "b.jpg", "b")

	atts, _, err := p.Preview([]string{a, b})
	require.NoError(t, err)

	// Sabotage the second preview handle.
	require.NoError(t, os.Remove(atts[1].PreviewURL))

	payloads, err := p.Encode(context.Background(), atts)
	assert.Error(t, err)
	assert.Nil(t, payloads)
}

func TestStatusIsForwardOnly(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	a := writeFile(t, src, "pic.jpg", "x")
	atts, _, err := p.Preview([]string{a})
	require.NoError(t, err)
	att := &atts[0]

	require.NoError(t, p.MarkUploaded(att, "/uploads/pic.jpg"))
	assert.Equal(t, model.AttachmentUploaded, att.Status)
	assert.Equal(t, "/uploads/pic.jpg", att.URL)

	// uploaded is terminal.
	assert.ErrorIs(t, p.MarkError(att), ErrStatusRegression)
	assert.NoError(t, p.MarkUploaded(att, "/uploads/other.jpg"), "repeat confirmation is a no-op")
	assert.Equal(t, "/uploads/pic.jpg", att.URL)
}

func TestErrorIsTerminalToo(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	a := writeFile(t, src, "pic.jpg", "x")
	atts, _, err := p.Preview([]string{a})
	require.NoError(t, err)
	att := &atts[0]

	require.NoError(t, p.MarkError(att))
	assert.Equal(t, model.AttachmentError, att.Status)
	assert.ErrorIs(t, p.MarkUploaded(att, "/u"), ErrStatusRegression)
	assert.NoError(t, p.MarkError(att), "repeat is a no-op")
}

func TestReleaseExactlyOnce(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	a := writeFile(t, src, "pic.jpg", "x")
	atts, _, err := p.Preview([]string{a})
	require.NoError(t, err)

	preview := atts[0].PreviewURL
	p.Release(&atts[0])
	assert.NoFileExists(t, preview)
	assert.Empty(t, atts[0].PreviewURL)

	// Second release of the same attachment id is a no-op.
	atts[0].PreviewURL = preview
	assert.NotPanics(t, func() { p.Release(&atts[0]) })
	assert.Empty(t, atts[0].PreviewURL)
}

func TestMarkUploadedReleasesPreview(t *testing.T) {
	p, _ := newTestPipeline(t, 2, 0)
	src := t.TempDir()
	a := writeFile(t, src, "pic.jpg", "x")
	atts, _, err := p.Preview([]string{a})
	require.NoError(t, err)

	preview := atts[0].PreviewURL
	require.NoError(t, p.MarkUploaded(&atts[0], "/uploads/pic.jpg"))
	assert.NoFileExists(t, preview)
}
