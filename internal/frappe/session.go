package frappe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cragr/frappe-ticket-agent/internal/config"
	"github.com/cragr/frappe-ticket-agent/internal/metrics"
	"github.com/cragr/frappe-ticket-agent/internal/models"
	"github.com/cragr/frappe-ticket-agent/internal/store"
)

// Fixed method paths used by the session manager.
const (
	LoginPath = "/api/method/login"
	CSRFPath  = "/api/method/frappe.sessions.get_csrf_token"
)

// CSRFCooldown is how long live CSRF fetches are suppressed after a failure.
const CSRFCooldown = 30 * time.Second

// Credentials are the username and password posted to the login method.
type Credentials struct {
	Username string
	Password string
}

// Session owns the session cookies and CSRF token for one client.
type Session struct {
	mu               sync.Mutex
	cookies          []string
	csrfToken        string
	lastFetchFailure time.Time

	// loginMu serializes logins so two concurrent calls cannot interleave
	// their cookie writes.
	loginMu sync.Mutex

	httpClient *http.Client
	store      store.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func newSession(httpClient *http.Client, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Session {
	s := &Session{
		httpClient: httpClient,
		store:      st,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
	if raw, ok := st.Get(store.KeySessionCookies); ok && raw != "" {
		s.cookies = strings.Split(raw, "\n")
		logger.Debug("restored session cookies", "count", len(s.cookies))
	}
	return s
}

// Login posts the credentials and keeps every Set-Cookie header verbatim, in
// the order received, as the active session.
func (s *Session) Login(ctx context.Context, cfg *config.Config, creds Credentials) ([]string, error) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	body, err := json.Marshal(models.LoginRequest{Usr: creds.Username, Pwd: creds.Password})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	target, err := resolveURL(cfg.BaseURL, LoginPath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	s.logger.Debug("logging in", "username", creds.Username)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{
			Kind:    KindAuthentication,
			Message: fmt.Sprintf("login failed: %v", err),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("login rejected", "status_code", resp.StatusCode)
		return nil, &APIError{
			Kind:       KindAuthentication,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("login failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Body:       string(respBody),
		}
	}

	cookies := append([]string(nil), resp.Header.Values("Set-Cookie")...)

	s.mu.Lock()
	s.cookies = cookies
	s.mu.Unlock()

	if err := s.store.Set(store.KeySessionCookies, strings.Join(cookies, "\n")); err != nil {
		s.logger.Warn("failed to persist session cookies", "error", err)
	}

	var login models.LoginResponse
	if json.Unmarshal(respBody, &login) == nil {
		user := models.CurrentUser{Name: creds.Username, FullName: login.FullName}
		if err := store.SetObject(s.store, store.KeyCurrentUser, user); err != nil {
			s.logger.Warn("failed to persist current user", "error", err)
		}
	}

	s.logger.Info("logged in", "username", creds.Username, "cookies", len(cookies))

	return cookies, nil
}

// SessionCookies returns the captured Set-Cookie values joined with "; ".
// ok is false when no session has been captured.
func (s *Session) SessionCookies() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cookies) == 0 {
		return "", false
	}
	return strings.Join(s.cookies, "; "), true
}

// cookiePairs returns the name=value part of each captured cookie, which is
// what belongs in an outgoing Cookie header.
func (s *Session) cookiePairs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]string, 0, len(s.cookies))
	for _, c := range s.cookies {
		pair, _, _ := strings.Cut(c, ";")
		if pair = strings.TrimSpace(pair); pair != "" {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// CSRFToken resolves a CSRF token. It returns "" when skipCSRF is set or no
// source yields a token; callers proceed without one.
//
// Resolution order: in-memory cache, local sources (runtime token, csrf
// cookie, persisted store), then a live fetch unless a fetch failed within
// the last CSRFCooldown.
func (s *Session) CSRFToken(ctx context.Context, cfg *config.Config) string {
	if cfg.SkipCSRF {
		return ""
	}

	s.mu.Lock()
	if s.csrfToken != "" {
		tok := s.csrfToken
		s.mu.Unlock()
		return tok
	}
	s.mu.Unlock()

	if tok, source := s.localCSRFToken(cfg); tok != "" {
		s.logger.Debug("using local csrf token", "source", source)
		s.mu.Lock()
		s.csrfToken = tok
		s.mu.Unlock()
		return tok
	}

	s.mu.Lock()
	lastFailure := s.lastFetchFailure
	s.mu.Unlock()
	if !lastFailure.IsZero() && s.now().Sub(lastFailure) < CSRFCooldown {
		s.metrics.CSRFFetch("cooldown")
		return ""
	}

	tok, err := s.fetchCSRFToken(ctx, cfg)
	if err != nil {
		s.metrics.CSRFFetch("failure")
		s.logger.Warn("csrf token fetch failed, continuing without csrf", "error", err)
		s.mu.Lock()
		s.lastFetchFailure = s.now()
		s.mu.Unlock()
		return ""
	}

	s.metrics.CSRFFetch("success")
	s.mu.Lock()
	s.csrfToken = tok
	s.lastFetchFailure = time.Time{}
	s.mu.Unlock()

	if err := s.store.Set(store.KeyCSRFToken, tok); err != nil {
		s.logger.Warn("failed to persist csrf token", "error", err)
	}

	return tok
}

// localCSRFToken checks sources that need no network call.
func (s *Session) localCSRFToken(cfg *config.Config) (token, source string) {
	if cfg.CSRFToken != "" {
		return cfg.CSRFToken, "runtime"
	}

	if tok := csrfFromCookies(s.cookiePairs()); tok != "" {
		return tok, "session_cookie"
	}
	if tok := csrfFromCookies(strings.Split(cfg.CustomCookies, ";")); tok != "" {
		return tok, "custom_cookie"
	}

	if tok, ok := s.store.Get(store.KeyCSRFToken); ok && tok != "" {
		return tok, "store"
	}

	return "", ""
}

func csrfFromCookies(pairs []string) string {
	for _, p := range pairs {
		name, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		if name == "csrf_token" || name == "csrftoken" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// fetchCSRFToken asks the server for a token using the API token as bearer auth.
func (s *Session) fetchCSRFToken(ctx context.Context, cfg *config.Config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	target, err := resolveURL(cfg.BaseURL, CSRFPath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create csrf request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.AuthToken())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send csrf request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read csrf response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("csrf endpoint returned status %d", resp.StatusCode)
	}

	var csrf models.CSRFResponse
	if err := json.Unmarshal(body, &csrf); err != nil {
		return "", fmt.Errorf("failed to unmarshal csrf response: %w", err)
	}
	if csrf.Token() == "" {
		return "", errors.New("csrf response carried no token")
	}

	return csrf.Token(), nil
}

// Clear drops cookies, the cached CSRF token, the failure timestamp and their
// persisted copies.
func (s *Session) Clear() {
	s.mu.Lock()
	s.cookies = nil
	s.csrfToken = ""
	s.lastFetchFailure = time.Time{}
	s.mu.Unlock()

	if err := s.store.Delete(store.KeySessionCookies, store.KeyCSRFToken, store.KeyCurrentUser); err != nil {
		s.logger.Warn("failed to clear persisted auth state", "error", err)
	}
}
