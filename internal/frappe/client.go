// Package frappe provides a client for the Frappe REST API: session and CSRF
// handling, a request executor with error classification, and typed ticket
// operations.
package frappe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cragr/frappe-ticket-agent/internal/config"
	"github.com/cragr/frappe-ticket-agent/internal/logging"
	"github.com/cragr/frappe-ticket-agent/internal/metrics"
	"github.com/cragr/frappe-ticket-agent/internal/models"
	"github.com/cragr/frappe-ticket-agent/internal/store"
)

// Client handles communication with one Frappe site.
type Client struct {
	mu  sync.RWMutex
	cfg *config.Config

	session     *Session
	httpClient  *http.Client
	retryConfig RetryConfig
	store       store.Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithStore sets where session state and config are persisted.
func WithStore(s store.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRetryConfig overrides the backoff used for GET retries.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) { c.retryConfig = rc }
}

// NewClient creates a new Frappe API client. The configuration is validated
// and copied; persisted session cookies are restored from the store.
func NewClient(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		logger = logging.Discard()
	}

	c := &Client{
		cfg: cfg.Clone(),
		// Timeouts are enforced per request from Config.Timeout.
		httpClient:  &http.Client{},
		retryConfig: DefaultRetryConfig(),
		store:       store.NewMemoryStore(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.session = newSession(c.httpClient, c.store, c.metrics, logger.With("subsystem", "session"))

	return c, nil
}

// Config returns a copy of the active configuration.
func (c *Client) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Clone()
}

// UpdateConfig validates and swaps in a new configuration. Session cookies
// and the CSRF token are cleared because the host or credentials may differ.
func (c *Client) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.mu.Lock()
	c.cfg = cfg.Clone()
	c.mu.Unlock()

	c.session.Clear()

	if err := config.Save(c.store, cfg); err != nil {
		c.logger.Warn("failed to persist configuration", "error", err)
	}

	c.logger.Info("configuration updated",
		"base_url", cfg.BaseURL,
		"doctype", cfg.DocType,
	)

	return nil
}

// Session exposes the client's session manager.
func (c *Client) Session() *Session {
	return c.session
}

// Login authenticates with username and password, capturing session cookies.
func (c *Client) Login(ctx context.Context, username, password string) ([]string, error) {
	return c.session.Login(ctx, c.Config(), Credentials{Username: username, Password: password})
}

// SessionCookies returns the joined session cookie string, if any.
func (c *Client) SessionCookies() (string, bool) {
	return c.session.SessionCookies()
}

// ClearAuth drops all session state.
func (c *Client) ClearAuth() {
	c.session.Clear()
}

// Logout ends the server session best-effort and clears local auth state.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Request(ctx, http.MethodGet, LogoutPath, nil, nil)
	c.session.Clear()
	if err != nil {
		c.logger.Warn("server logout failed, local session cleared", "error", err)
	}
	return err
}

// CurrentUser returns the logged in user and caches it in the store.
func (c *Client) CurrentUser(ctx context.Context) (*models.CurrentUser, error) {
	var resp models.MethodResponse[string]
	if err := c.do(ctx, http.MethodGet, LoggedUserPath, nil, nil, &resp); err != nil {
		return nil, err
	}

	user := &models.CurrentUser{Name: resp.Message}

	var cached models.CurrentUser
	if store.GetObject(c.store, store.KeyCurrentUser, &cached) && cached.Name == user.Name {
		user.FullName = cached.FullName
	}
	if err := store.SetObject(c.store, store.KeyCurrentUser, user); err != nil {
		c.logger.Warn("failed to persist current user", "error", err)
	}

	return user, nil
}

// CachedUser returns the last user persisted by Login or CurrentUser.
func (c *Client) CachedUser() (*models.CurrentUser, bool) {
	var u models.CurrentUser
	if !store.GetObject(c.store, store.KeyCurrentUser, &u) || u.Name == "" {
		return nil, false
	}
	return &u, true
}
