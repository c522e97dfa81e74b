package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"sync"
)

// ProgressFunc receives the bytes of the request body sent so far and the
// total body size.
type ProgressFunc func(sent, total int64)

// PostMultipart streams fields, then the file, to dest.URL as a multipart
// form. It returns the response status; non-2xx statuses are a *StatusError.
// progress is never called after PostMultipart returns.
func (c *Client) PostMultipart(ctx context.Context, dest *UploadDestination, name string, content []byte, progress ProgressFunc) (int, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(dest.Fields))
	for k := range dest.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, dest.Fields[k]); err != nil {
			return 0, fmt.Errorf("write field %s: %w", k, err)
		}
	}

	field := dest.FileField
	if field == "" {
		field = DefaultFileField
	}
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return 0, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return 0, fmt.Errorf("write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close multipart writer: %w", err)
	}

	body := &progressReader{r: &buf, total: int64(buf.Len()), fn: progress}
	defer body.stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, body)
	if err != nil {
		return 0, fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = body.total
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Method: http.MethodPost, URL: dest.URL, Status: resp.StatusCode, Body: truncate(data)}
	}
	return resp.StatusCode, nil
}

// progressReader reports cumulative reads until stopped. The transport may
// keep reading the body after the response arrives, so stop gates callbacks.
type progressReader struct {
	r     io.Reader
	total int64
	fn    ProgressFunc

	mu      sync.Mutex
	sent    int64
	stopped bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.fn != nil {
		p.mu.Lock()
		p.sent += int64(n)
		if !p.stopped {
			p.fn(p.sent, p.total)
		}
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
