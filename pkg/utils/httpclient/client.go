// Package httpclient provides a small JSON-over-HTTP client used by LLM providers.
// Retries are not performed here; callers wrap requests with pkg/llm/resilience.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

// maxErrorBody caps how much of an error response body is echoed into the error.
const maxErrorBody = 512

// Client is a wrapper around http.Client with JSON helpers and trace propagation.
type Client struct {
	httpClient *http.Client
	headers    http.Header
}

// NewClient creates a new HTTP client wrapper.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		headers:    make(http.Header),
	}
}

// SetHeader sets a header sent with every request (e.g. Authorization).
func (c *Client) SetHeader(key, value string) {
	c.headers.Set(key, value)
}

// PostJSON encodes body, POSTs it to url and decodes the response into out.
// Non-2xx responses are returned as errors containing "status code N" so that
// transient failures can be classified by the caller.
func (c *Client) PostJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// GetJSON performs a GET and decodes the JSON response into out (if non-nil).
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	injectTraceContext(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return fmt.Errorf("request failed with status code %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// injectTraceContext 将 W3C Trace Context 头注入到 HTTP 请求中，无活跃 Span 时为空操作。
func injectTraceContext(req *http.Request) {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil {
		return
	}
	propagator.Inject(req.Context(), propagation.HeaderCarrier(req.Header))
}
