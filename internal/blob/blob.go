package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"livechat/internal/models"
)

// Uploader streams files to the blob storage endpoint and resolves them to durable URLs.
type Uploader struct {
	baseURL    string
	httpClient *http.Client
}

func NewUploader(baseURL string, httpClient *http.Client) *Uploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Uploader{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload sends size bytes from r under name and reports progress in percent.
// progress may be nil. It is called from the goroutine reading the body.
func (u *Uploader) Upload(ctx context.Context, identityID, name string, r io.Reader, size int64, progress func(percent int)) (string, error) {
	body := &progressReader{r: r, total: size, report: progress}

	endpoint := fmt.Sprintf("%s/api/files?name=%s", u.baseURL, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(models.IdentityHeader, identityID)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %w", models.ErrTimeout, ctx.Err())
		}
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("failed to upload %s (status %d): %s", name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("upload response for %s has no url", name)
	}

	body.finish()
	return result.URL, nil
}

// progressReader reports whole percentages as the body is consumed.
// 100 is only reported once the server accepted the file.
type progressReader struct {
	r      io.Reader
	total  int64
	report func(int)

	mu   sync.Mutex
	read int64
	last int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.mu.Lock()
		p.read += int64(n)
		percent := int(p.read * 100 / p.total)
		if percent > 99 {
			percent = 99
		}
		p.emit(percent)
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(100)
}

func (p *progressReader) emit(percent int) {
	if p.report == nil || percent <= p.last {
		return
	}
	p.last = percent
	p.report(percent)
}
