// Package upstream turns calls to configured HTTP dependencies into units of
// work for the coordinator.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NikhilSetiya/agentguard/internal/coordinator"
	"github.com/NikhilSetiya/agentguard/pkg/config"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
)

// forwardedHeaders are copied from the inbound request to the upstream call
var forwardedHeaders = []string{"Content-Type", "Accept", "Authorization", "X-Request-ID"}

// Response is what an upstream call hands back as the execution output
type Response struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
}

// StatusError is a non-2xx upstream reply. The classifier reads StatusCode.
type StatusError struct {
	Resource string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.Resource, e.Code, strings.ToLower(http.StatusText(e.Code)))
}

// StatusCode implements the classifier's status interface
func (e *StatusError) StatusCode() int {
	return e.Code
}

// Request is one call to make against an upstream
type Request struct {
	Method string
	Body   []byte
	Header http.Header
}

// Client calls upstreams by resource name
type Client struct {
	http         *http.Client
	upstreams    map[string]*url.URL
	usageHeader  string
	maxBodyBytes int64
}

// NewClient creates a client from the execution config. httpClient may be nil.
func NewClient(cfg *config.ExecutionConfig, httpClient *http.Client) (*Client, error) {
	if cfg == nil {
		return nil, errors.NewConfigurationError("execution configuration is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	upstreams := make(map[string]*url.URL, len(cfg.Upstreams))
	for name, raw := range cfg.Upstreams {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, errors.NewConfigurationError(fmt.Sprintf("invalid upstream URL for %q", name)).WithCause(err)
		}
		upstreams[name] = u
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return &Client{
		http:         httpClient,
		upstreams:    upstreams,
		usageHeader:  cfg.UsageHeader,
		maxBodyBytes: maxBody,
	}, nil
}

// Has reports whether resource is a configured upstream
func (c *Client) Has(resource string) bool {
	_, ok := c.upstreams[resource]
	return ok
}

// Work builds the unit of work for one call. Every attempt sends a fresh request.
func (c *Client) Work(resource string, req Request) (coordinator.Work, error) {
	target, ok := c.upstreams[resource]
	if !ok {
		return nil, errors.NewNotFoundError("upstream " + resource)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	return func(ctx context.Context) (*coordinator.WorkResult, error) {
		httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(req.Body))
		if err != nil {
			return nil, errors.NewValidationError("could not build upstream request").WithCause(err)
		}
		for _, name := range forwardedHeaders {
			if v := req.Header.Get(name); v != "" {
				httpReq.Header.Set(name, v)
			}
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 400 {
			return nil, &StatusError{Resource: resource, Code: resp.StatusCode}
		}

		return &coordinator.WorkResult{
			Output: &Response{
				StatusCode:  resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        string(body),
			},
			Usage: c.usage(resp.Header),
		}, nil
	}, nil
}

// usage reads the measured consumption the upstream reports, if any
func (c *Client) usage(h http.Header) int64 {
	if c.usageHeader == "" {
		return 0
	}
	n, err := strconv.ParseInt(h.Get(c.usageHeader), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
