package frappe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cragr/frappe-ticket-agent/internal/config"
)

// CSRFHeader carries the CSRF token on mutating requests.
const CSRFHeader = "X-Frappe-CSRF-Token"

// Request sends one request to endpoint, which is either a path relative to
// the base URL or an absolute URL. body, when non-nil, is sent as JSON.
// The response body is returned as raw JSON; a non-2xx status, transport
// failure or timeout yields an *APIError.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, headers map[string]string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, method, endpoint, body, headers, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// do executes the request and decodes a successful body into out.
// GET requests are retried with backoff up to Config.Retries times.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	cfg := c.Config()

	target, err := resolveURL(cfg.BaseURL, endpoint)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	sameOrigin := isSameOrigin(target, callerOrigin(cfg))

	// The CSRF token is resolved once per request, not per retry.
	var csrf string
	if isMutating(method) && !cfg.SkipCSRF && sameOrigin {
		csrf = c.session.CSRFToken(ctx, cfg)
	}

	attempt := func() error {
		return c.send(ctx, cfg, method, target, payload, headers, sameOrigin, csrf, out)
	}

	if method != http.MethodGet || cfg.Retries == 0 {
		return attempt()
	}

	rc := c.retryConfig
	rc.MaxAttempts = cfg.Retries + 1
	return WithRetry(ctx, rc, attempt)
}

// send performs a single HTTP exchange under the configured timeout.
func (c *Client) send(ctx context.Context, cfg *config.Config, method string, target *url.URL, payload []byte, headers map[string]string, sameOrigin bool, csrf string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req, cfg, headers, sameOrigin, csrf)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(method, 0, time.Since(start))
		apiErr := classifyTransport(ctx, err, cfg.Timeout.Milliseconds())
		c.logger.Warn("Frappe request failed",
			"method", method,
			"path", target.Path,
			"error", apiErr.Message,
		)
		return apiErr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	c.metrics.ObserveRequest(method, resp.StatusCode, time.Since(start))
	if err != nil {
		return classifyTransport(ctx, fmt.Errorf("failed to read response: %w", err), cfg.Timeout.Milliseconds())
	}

	if err := c.checkResponse(cfg, method, target, resp.StatusCode, respBody); err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &APIError{
			Kind:       KindParse,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("invalid JSON response: %v", err),
			Body:       string(respBody),
			Err:        err,
		}
	}
	return nil
}

// setHeaders applies the auth, content, cookie and CSRF headers.
func (c *Client) setHeaders(req *http.Request, cfg *config.Config, extra map[string]string, sameOrigin bool, csrf string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "token "+cfg.AuthToken())

	for k, v := range extra {
		req.Header.Set(k, v)
	}

	if cookie := c.cookieHeader(cfg, sameOrigin); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	if csrf != "" {
		req.Header.Set(CSRFHeader, csrf)
	}
}

// cookieHeader builds the Cookie header. Cookies go only to the caller's own
// origin unless ForceCookies is set.
func (c *Client) cookieHeader(cfg *config.Config, sameOrigin bool) string {
	if !sameOrigin && !cfg.ForceCookies {
		return ""
	}

	parts := c.session.cookiePairs()
	if custom := strings.TrimSpace(cfg.CustomCookies); cfg.AllowCookies && custom != "" {
		parts = append(parts, custom)
	}
	return strings.Join(parts, "; ")
}

// checkResponse validates the HTTP response from Frappe.
func (c *Client) checkResponse(cfg *config.Config, method string, target *url.URL, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	apiErr := classifyStatus(status, body, isTicketResource(cfg, target))

	c.logger.Error("Frappe API error",
		"method", method,
		"path", target.Path,
		"status_code", status,
		"server_message", apiErr.ServerMessage,
	)

	return apiErr
}

// resolveURL joins a relative endpoint onto baseURL; absolute endpoints are
// used as-is.
func resolveURL(baseURL, endpoint string) (*url.URL, error) {
	raw := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		raw = strings.TrimRight(baseURL, "/") + endpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return u, nil
}

// callerOrigin is the origin requests are judged same-origin against.
func callerOrigin(cfg *config.Config) *url.URL {
	raw := cfg.Origin
	if raw == "" {
		raw = cfg.BaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

func isSameOrigin(target, origin *url.URL) bool {
	if target == nil || origin == nil {
		return false
	}
	return strings.EqualFold(target.Scheme, origin.Scheme) &&
		strings.EqualFold(hostPort(target), hostPort(origin))
}

// hostPort returns host:port with the scheme's default port filled in.
func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return u.Hostname() + ":" + port
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// isTicketResource reports whether target addresses the configured ticket
// DocType itself: its collection path or its DocType definition. A single
// record under the collection is not the DocType, so a 404 there means the
// record is missing.
func isTicketResource(cfg *config.Config, target *url.URL) bool {
	ticketPath := cfg.TicketEndpoint()
	if u, err := url.Parse(ticketPath); err == nil {
		ticketPath = u.Path
	}
	path := strings.TrimRight(target.Path, "/")
	return path == strings.TrimRight(ticketPath, "/") ||
		path == "/api/resource/DocType/"+cfg.DocType
}
