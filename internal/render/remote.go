package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ensure RemoteRenderer implements Renderer at compile time.
var _ Renderer = (*RemoteRenderer)(nil)

// RemoteRenderer delegates rendering to an external rendering service
// over a single request/response call. Used when the embedded browser
// is not wanted on the API nodes.
type RemoteRenderer struct {
	endpoint string
	client   *http.Client
}

// NewRemoteRenderer points at the rendering service endpoint.
func NewRemoteRenderer(endpoint string) *RemoteRenderer {
	return &RemoteRenderer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 90 * time.Second},
	}
}

type remoteRequest struct {
	URL        string            `json:"url"`
	WaitUntil  string            `json:"waitUntil,omitempty"`
	TimeoutMs  int64             `json:"timeoutMs,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Screenshot bool              `json:"screenshot,omitempty"`
}

type remoteResponse struct {
	Content    string `json:"content"`
	Title      string `json:"title"`
	Blocked    bool   `json:"blocked"`
	Screenshot []byte `json:"screenshot,omitempty"`
}

// Render calls the rendering service.
func (r *RemoteRenderer) Render(ctx context.Context, url string, opts Options) (*Page, error) {
	body, err := json.Marshal(remoteRequest{
		URL:        url,
		WaitUntil:  opts.WaitUntil,
		TimeoutMs:  opts.Timeout.Milliseconds(),
		Headers:    opts.Headers,
		Screenshot: opts.Screenshot,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("render service returned %d: %s", resp.StatusCode, msg)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding render response: %w", err)
	}

	return &Page{
		Content:    out.Content,
		Title:      out.Title,
		Blocked:    out.Blocked,
		Screenshot: out.Screenshot,
	}, nil
}

// Close is a no-op for the remote renderer.
func (r *RemoteRenderer) Close() error { return nil }
