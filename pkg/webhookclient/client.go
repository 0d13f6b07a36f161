/**
 * @description
 * This package delivers signed outbound webhooks to subscriber URLs.
 * Bodies are signed with HMAC-SHA256 and the hex digest is sent in the
 * `X-Signature: sha256=<hex>` header.
 */
package webhookclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Signature"
	signaturePrefix = "sha256="

	// DefaultTimeout bounds a single delivery.
	DefaultTimeout = 15 * time.Second
	// MaxExcerptBytes is how much of the subscriber's response is kept.
	MaxExcerptBytes = 1000
)

// Client posts webhook payloads.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a delivery client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// NewClientWithHTTP wraps an existing http.Client, mainly for tests.
func NewClientWithHTTP(hc *http.Client) *Client {
	return &Client{httpClient: hc}
}

// Request is one signed delivery.
type Request struct {
	URL     string
	Body    []byte
	Secret  string
	Headers map[string]string
}

// Response is what the subscriber answered.
type Response struct {
	StatusCode int
	Excerpt    string
}

// OK reports whether the subscriber acknowledged with a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// Post signs and delivers the request. A transport error returns a nil Response.
// Non-2xx responses are not errors; callers inspect Response.OK.
func (c *Client) Post(ctx context.Context, r Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	// custom headers can not override these
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pixgate-webhooks/1.0")
	req.Header.Set(SignatureHeader, Sign(r.Secret, r.Body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute webhook request: %w", err)
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, MaxExcerptBytes))
	return &Response{StatusCode: resp.StatusCode, Excerpt: string(excerpt)}, nil
}
