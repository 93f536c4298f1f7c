// Package vantiq is a minimal client for the Vantiq REST API, covering
// just what the connector needs: fetching document metadata and
// downloading document content.
package vantiq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// Document is the metadata record for one stored document.
type Document struct {
	Name         string `json:"name"`
	ContentSize  int64  `json:"contentSize"`
	IsIncomplete bool   `json:"isIncomplete"`
	Content      string `json:"content"` // server-relative content reference
	ModifiedAt   string `json:"ars_modifiedAt"`
	CreatedAt    string `json:"ars_createdAt"`
}

// ModDate returns the document's modification timestamp, falling back to
// the creation timestamp when the document has never been modified.
func (d *Document) ModDate() string {
	if d.ModifiedAt != "" {
		return d.ModifiedAt
	}
	return d.CreatedAt
}

// APIError is an error payload returned by the REST API. The code is
// preserved so callers can surface it on the wire unchanged.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Params  []any  `json:"params"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// DocumentClient is the document-store surface the script executor
// consumes. Implemented by Client; replaced by a fake in tests.
type DocumentClient interface {
	SelectOneDocument(ctx context.Context, name string) (*Document, error)
	Download(ctx context.Context, contentRef string) ([]byte, error)
}

// Client talks to a Vantiq server over HTTP with bearer-token auth and
// bounded retries on transient failures.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// NewClient builds a client for the given server URL (WebSocket or HTTP
// form; it is normalized either way) and access token.
func NewClient(serverURL, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return &Client{
		baseURL: HTTPBaseURL(serverURL),
		token:   token,
		http:    rc,
	}
}

// SelectOneDocument fetches the metadata record for a named document.
func (c *Client) SelectOneDocument(ctx context.Context, name string) (*Document, error) {
	u := c.baseURL + "/api/v1/resources/documents/" + url.PathEscape(name)
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", name, err)
	}
	return &doc, nil
}

// Download retrieves the raw content bytes behind a document's content
// reference.
func (c *Client) Download(ctx context.Context, contentRef string) ([]byte, error) {
	u := contentRef
	if !strings.Contains(u, "://") {
		u = c.baseURL + "/" + strings.TrimPrefix(contentRef, "/")
	}
	return c.get(ctx, u)
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// decodeAPIError extracts the server's own error from a failed response,
// falling back to a synthesized one when the body is not the usual error
// array.
func decodeAPIError(status int, body []byte) error {
	var errs []APIError
	if err := json.Unmarshal(body, &errs); err == nil && len(errs) > 0 {
		return &errs[0]
	}
	return &APIError{
		Code:    fmt.Sprintf("io.vantiq.server.http.%d", status),
		Message: fmt.Sprintf("request failed with status %d", status),
		Params:  []any{},
	}
}

// HTTPBaseURL converts a server URL to its HTTP base form: ws becomes
// http, wss becomes https, and any path is dropped since the REST client
// appends its own.
func HTTPBaseURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return strings.TrimSuffix(serverURL, "/")
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	return u.Scheme + "://" + u.Host
}
