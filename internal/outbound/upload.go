package outbound

import (
	"bufio"
	"context"
	"io"
	"sync"

	"livechat/internal/models"

	"github.com/h2non/filetype"
)

// Number of leading bytes filetype needs to recognize every supported format.
const sniffLen = 262

// Uploader streams a file to blob storage and resolves its durable URL.
// *blob.Uploader satisfies it.
type Uploader interface {
	Upload(ctx context.Context, identityID, name string, r io.Reader, size int64, progress func(percent int)) (string, error)
}

// Preview describes a chosen file before it is uploaded.
type Preview struct {
	Name string
	MIME string
	Type models.AttachmentType
	Size int64
}

// UploadTask tracks one attachment from "file chosen" until the upload resolves or fails.
type UploadTask struct {
	preview Preview
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	progress int
	url      string
	err      error
}

func (t *UploadTask) Preview() Preview {
	return t.preview
}

// Progress returns the completion percentage. It never decreases.
func (t *UploadTask) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *UploadTask) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *UploadTask) Failed() bool {
	return t.Err() != nil
}

// Err returns the KindUpload error of a failed task.
func (t *UploadTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *UploadTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the upload resolves and returns its URL.
func (t *UploadTask) Wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.url, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel aborts an upload that is still running.
func (t *UploadTask) Cancel() {
	t.cancel()
}

func (t *UploadTask) setProgress(percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if percent > t.progress && percent <= 100 {
		t.progress = percent
	}
}

func (t *UploadTask) resolve(url string, err error) {
	t.mu.Lock()
	if err != nil {
		t.err = models.NewError(models.KindUpload, "upload "+t.preview.Name, err)
	} else {
		t.url = url
		t.progress = 100
	}
	t.mu.Unlock()
}

// sniff detects the attachment type and MIME from the first bytes of r.
// The returned reader replays those bytes.
func sniff(r io.Reader, kind models.AttachmentType) (io.Reader, string, models.AttachmentType) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, _ := br.Peek(sniffLen)

	mime := "application/octet-stream"
	if match, err := filetype.Match(head); err == nil && match != filetype.Unknown {
		mime = match.MIME.Value
	}

	if kind == models.AttachmentTypeNone {
		kind = models.AttachmentTypeFile
		if filetype.IsImage(head) {
			kind = models.AttachmentTypeImage
		}
	}
	return br, mime, kind
}
