// Package webclient is the plain HTTP transport used to talk to
// collaborators: the deployment API, webhooks and chat endpoints.
package webclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError is returned by the JSON helpers for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

const maxErrorBody = 512

// DoJSON sends in (if non-nil) as a JSON body and decodes a 2xx response
// into out (if non-nil).
func DoJSON(ctx context.Context, wc WebClient, method, url string, headers http.Header, in, out any) (*Response, error) {
	req := &Request{Method: method, URL: url, Headers: http.Header{}}
	for k, vs := range headers {
		for _, v := range vs {
			req.Headers.Add(k, v)
		}
	}
	req.Headers.Set("Accept", "application/json")
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		req.Body = b
		req.Headers.Set("Content-Type", "application/json")
	}

	resp, err := wc.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		body := string(resp.Body)
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return resp, &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: body}
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("decode response body: %w", err)
		}
	}
	return resp, nil
}
