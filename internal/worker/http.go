package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pagecache/internal/page"
	"pagecache/internal/ring"
)

const (
	// DefaultTimeout bounds a single request.
	DefaultTimeout = 30 * time.Second
	// maxErrorBody is how much of an error response is kept.
	maxErrorBody = 512
)

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	// Timeout bounds every request. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxConnsPerHost sizes the idle connection pool per worker.
	MaxConnsPerHost int
	// Client overrides the HTTP client. Timeout still applies per request.
	Client *http.Client
}

// HTTPTransport is a Transport over the workers' REST API.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.MaxConnsPerHost > 0 {
			tr.MaxIdleConnsPerHost = opts.MaxConnsPerHost
			tr.MaxIdleConns = 0
		}
		client = &http.Client{Transport: tr}
	}
	return &HTTPTransport{client: client, timeout: opts.Timeout}
}

// Close releases idle connections.
func (t *HTTPTransport) Close() {
	t.client.CloseIdleConnections()
}

func baseURL(w ring.Worker) string {
	return "http://" + w.Addr()
}

func pageURL(w ring.Worker, key page.Key) string {
	return fmt.Sprintf("%s/v1/file/%s/page/%d", baseURL(w), url.PathEscape(key.FileID), key.Index)
}

// GetPage fetches a page or part of one.
func (t *HTTPTransport) GetPage(ctx context.Context, w ring.Worker, key page.Key, offset, length int64) ([]byte, error) {
	u := pageURL(w, key)
	if length >= 0 {
		q := url.Values{}
		q.Set("offset", strconv.FormatInt(offset, 10))
		q.Set("length", strconv.FormatInt(length, 10))
		u += "?" + q.Encode()
	}

	var data []byte
	err := t.do(ctx, w, call{
		op:       "get page " + key.String(),
		method:   http.MethodGet,
		url:      u,
		notFound: ErrPageNotFound,
		handle: func(body io.Reader) error {
			var err error
			data, err = io.ReadAll(body)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PutPage writes a page.
func (t *HTTPTransport) PutPage(ctx context.Context, w ring.Worker, key page.Key, data []byte) error {
	return t.do(ctx, w, call{
		op:          "put page " + key.String(),
		method:      http.MethodPost,
		url:         pageURL(w, key),
		body:        bytes.NewReader(data),
		contentType: "application/octet-stream",
	})
}

type loadResponse struct {
	Success bool `json:"success"`
}

func (t *HTTPTransport) load(ctx context.Context, w ring.Worker, path, op string, out any) error {
	q := url.Values{}
	q.Set("path", path)
	q.Set("opType", op)
	u := baseURL(w) + "/v1/load?" + q.Encode()
	return t.do(ctx, w, call{op: op + " load " + path, method: http.MethodGet, url: u, handle: decodeJSON(out)})
}

// SubmitLoad starts a load job.
func (t *HTTPTransport) SubmitLoad(ctx context.Context, w ring.Worker, path string) (bool, error) {
	var resp loadResponse
	if err := t.load(ctx, w, path, OpSubmit, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// LoadProgress polls a load job.
func (t *HTTPTransport) LoadProgress(ctx context.Context, w ring.Worker, path string) (LoadProgress, error) {
	var resp LoadProgress
	if err := t.load(ctx, w, path, OpProgress, &resp); err != nil {
		return LoadProgress{}, err
	}
	if resp.JobState == "" {
		return LoadProgress{}, fmt.Errorf("progress load %s on worker %s: response has no jobState", path, w)
	}
	return resp, nil
}

// StopLoad cancels a load job.
func (t *HTTPTransport) StopLoad(ctx context.Context, w ring.Worker, path string) (bool, error) {
	var resp loadResponse
	if err := t.load(ctx, w, path, OpStop, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// FileStatus returns the status of path.
func (t *HTTPTransport) FileStatus(ctx context.Context, w ring.Worker, path string) (FileStatus, error) {
	var resp []FileStatus
	u := baseURL(w) + "/v1/info?" + url.Values{"path": {path}}.Encode()
	if err := t.do(ctx, w, call{op: "file status " + path, method: http.MethodGet, url: u, handle: decodeJSON(&resp)}); err != nil {
		return FileStatus{}, err
	}
	if len(resp) == 0 {
		return FileStatus{}, fmt.Errorf("file status %s on worker %s: empty response", path, w)
	}
	return resp[0], nil
}

// ListDir lists a directory.
func (t *HTTPTransport) ListDir(ctx context.Context, w ring.Worker, path string) ([]FileStatus, error) {
	var resp []FileStatus
	u := baseURL(w) + "/v1/files?" + url.Values{"path": {path}}.Encode()
	if err := t.do(ctx, w, call{op: "list " + path, method: http.MethodGet, url: u, handle: decodeJSON(&resp)}); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeJSON(out any) func(io.Reader) error {
	return func(body io.Reader) error {
		return json.NewDecoder(body).Decode(out)
	}
}

type call struct {
	op          string
	method      string
	url         string
	body        io.Reader
	contentType string
	// notFound, if set, is returned for a 404 response.
	notFound error
	// handle consumes a 2xx body.
	handle func(io.Reader) error
}

// do issues one request bounded by the transport timeout.
func (t *HTTPTransport) do(ctx context.Context, w ring.Worker, c call) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, c.body)
	if err != nil {
		return fmt.Errorf("%s: %w", c.op, err)
	}
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s on worker %s: %w", c.op, w, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && c.notFound != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s on worker %s: %w", c.op, w, c.notFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Worker:     w,
			Op:         c.op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if c.handle == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := c.handle(resp.Body); err != nil {
		return fmt.Errorf("%s on worker %s: read response: %w", c.op, w, err)
	}
	return nil
}
