package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds a single attempt.
const DefaultRequestTimeout = 15 * time.Second

// HTTPTransport adapts net/http to the Transport interface.
type HTTPTransport struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Timeout per attempt. Defaults to DefaultRequestTimeout.
	Timeout time.Duration
}

// RoundTrip performs one HTTP request.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		httpReq.Header[k] = v
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   respBody,
	}, nil
}
