// Package webclient is the HTTP client shared by the http channel, the
// httppoll observer and the http task. Responses become HTTPResponseEvent
// domain events.
package webclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/macro"
)

// ResponseEventName is the kind of events built from responses.
const ResponseEventName = "HTTPResponseEvent"

func init() {
	driver.RegisterEventKind(ResponseEventName, "url", "method", "status", "latency", "body", "source", "json.*")
}

// Request is an HTTP request whose fields may hold macros.
type Request struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`
}

// Validate checks the static parts of the request.
func (r Request) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// Render expands every macro of r in scope.
func (r Request) Render(scope *macro.Scope) (Request, error) {
	out := r
	var err error
	if out.URL, err = scope.Render(r.URL); err != nil {
		return out, fmt.Errorf("url: %w", err)
	}
	if out.Body, err = scope.Render(r.Body); err != nil {
		return out, fmt.Errorf("body: %w", err)
	}
	if out.Method, err = scope.Render(r.Method); err != nil {
		return out, fmt.Errorf("method: %w", err)
	}
	if out.Headers, err = scope.RenderMap(r.Headers); err != nil {
		return out, fmt.Errorf("headers: %w", err)
	}
	return out, nil
}

// Response is the outcome of one request.
type Response struct {
	Request Request
	Status  int
	Body    string
	// Latency is the time to the last byte of the body, in seconds.
	Latency float64
}

// Client performs requests.
type Client struct {
	httpClient *http.Client
}

// New creates a client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Do sends req. Non-2xx statuses are not errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
		if req.Body != "" {
			method = http.MethodPost
		}
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("request creation error: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" && json.Valid([]byte(req.Body)) {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	req.Method = method
	return &Response{
		Request: req,
		Status:  resp.StatusCode,
		Body:    string(data),
		Latency: time.Since(start).Seconds(),
	}, nil
}

// Event converts a response into an HTTPResponseEvent. A JSON object body
// is exposed under json.*.
func (r *Response) Event(source string) *driver.DomainEvent {
	fields := map[string]any{
		"url":     r.Request.URL,
		"method":  r.Request.Method,
		"status":  r.Status,
		"latency": r.Latency,
		"body":    r.Body,
		"source":  source,
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(r.Body), &obj); err == nil {
		fields["json"] = obj
	}
	return driver.NewDomainEvent(ResponseEventName, fields)
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }
