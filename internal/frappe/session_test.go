package frappe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cragr/frappe-ticket-agent/internal/config"
	"github.com/cragr/frappe-ticket-agent/internal/models"
	"github.com/cragr/frappe-ticket-agent/internal/store"
)

func TestSession_Login(t *testing.T) {
	var received models.LoginRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != LoginPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode login body: %v", err)
		}
		w.Header().Add("Set-Cookie", "sid=abc123; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "system_user=yes; Path=/")
		w.Header().Add("Set-Cookie", "full_name=Administrator; Path=/")
		json.NewEncoder(w).Encode(models.LoginResponse{Message: "Logged In", FullName: "Administrator"})
	}))
	defer server.Close()

	st := store.NewMemoryStore()
	client := newTestClient(t, server.URL, nil, WithStore(st))

	cookies, err := client.Login(context.Background(), "admin@example.com", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if received.Usr != "admin@example.com" || received.Pwd != "secret" {
		t.Errorf("unexpected login body %+v", received)
	}

	want := []string{"sid=abc123; Path=/; HttpOnly", "system_user=yes; Path=/", "full_name=Administrator; Path=/"}
	if len(cookies) != len(want) {
		t.Fatalf("expected %d cookies, got %v", len(want), cookies)
	}
	for i := range want {
		if cookies[i] != want[i] {
			t.Errorf("cookie %d = %q, want %q", i, cookies[i], want[i])
		}
	}

	joined, ok := client.SessionCookies()
	if !ok || joined != "sid=abc123; Path=/; HttpOnly; system_user=yes; Path=/; full_name=Administrator; Path=/" {
		t.Errorf("SessionCookies() = %q, %v", joined, ok)
	}

	if _, ok := st.Get(store.KeySessionCookies); !ok {
		t.Error("expected session cookies to be persisted")
	}
	if user, ok := client.CachedUser(); !ok || user.FullName != "Administrator" {
		t.Errorf("expected cached user, got %+v", user)
	}
}

func TestSession_LoginFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message": "Invalid login credentials"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)

	_, err := client.Login(context.Background(), "admin@example.com", "wrong")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Body != `{"message": "Invalid login credentials"}` {
		t.Errorf("expected raw body to be preserved, got %+v", apiErr)
	}
	if _, ok := client.SessionCookies(); ok {
		t.Error("failed login must not create a session")
	}
}

func TestSession_LoginNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestClient(t, url, nil)

	if _, err := client.Login(context.Background(), "u", "p"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

// csrfServer serves the CSRF method, counting calls.
func csrfServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer key:secret" {
			t.Errorf("csrf fetch Authorization = %q", got)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestSession_CSRFTokenLocalSourcesSkipNetwork(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		setup  func(*Session, store.Store)
		want   string
	}{
		{
			name:  "cached",
			setup: func(s *Session, _ store.Store) { s.csrfToken = "cached" },
			want:  "cached",
		},
		{
			name:   "runtime token",
			mutate: func(c *config.Config) { c.CSRFToken = "runtime" },
			want:   "runtime",
		},
		{
			name:  "session cookie",
			setup: func(s *Session, _ store.Store) { s.cookies = []string{"sid=x; Path=/", "csrf_token=from-cookie; Path=/"} },
			want:  "from-cookie",
		},
		{
			name:   "custom cookie",
			mutate: func(c *config.Config) { c.CustomCookies = "lang=en; csrftoken=custom" },
			want:   "custom",
		},
		{
			name:  "persisted",
			setup: func(_ *Session, st store.Store) { st.Set(store.KeyCSRFToken, "persisted") },
			want:  "persisted",
		},
		{
			name:   "cache beats runtime",
			mutate: func(c *config.Config) { c.CSRFToken = "runtime" },
			setup:  func(s *Session, _ store.Store) { s.csrfToken = "cached" },
			want:   "cached",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, calls := csrfServer(t, http.StatusOK, `{"message": "network"}`)
			st := store.NewMemoryStore()
			client := newTestClient(t, server.URL, tt.mutate, WithStore(st))
			if tt.setup != nil {
				tt.setup(client.session, st)
			}

			got := client.session.CSRFToken(context.Background(), client.Config())
			if got != tt.want {
				t.Errorf("CSRFToken() = %q, want %q", got, tt.want)
			}
			if calls.Load() != 0 {
				t.Errorf("expected no network fetch, got %d", calls.Load())
			}
		})
	}
}

func TestSession_CSRFTokenFetchAndCache(t *testing.T) {
	server, calls := csrfServer(t, http.StatusOK, `{"csrf_token": "server-token"}`)
	st := store.NewMemoryStore()
	client := newTestClient(t, server.URL, nil, WithStore(st))

	for i := 0; i < 3; i++ {
		if got := client.session.CSRFToken(context.Background(), client.Config()); got != "server-token" {
			t.Fatalf("CSRFToken() = %q", got)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single fetch, got %d", calls.Load())
	}
	if v, _ := st.Get(store.KeyCSRFToken); v != "server-token" {
		t.Errorf("expected fetched token to be persisted, got %q", v)
	}
}

func TestSession_CSRFTokenCooldown(t *testing.T) {
	server, calls := csrfServer(t, http.StatusInternalServerError, `{}`)
	client := newTestClient(t, server.URL, nil)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	client.session.now = func() time.Time { return now }

	ctx := context.Background()
	if got := client.session.CSRFToken(ctx, client.Config()); got != "" {
		t.Fatalf("expected empty token after failure, got %q", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls.Load())
	}

	now = now.Add(29 * time.Second)
	for i := 0; i < 5; i++ {
		if got := client.session.CSRFToken(ctx, client.Config()); got != "" {
			t.Fatalf("expected empty token during cooldown, got %q", got)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected no fetch during cooldown, got %d", calls.Load())
	}

	now = now.Add(2 * time.Second)
	client.session.CSRFToken(ctx, client.Config())
	if calls.Load() != 2 {
		t.Errorf("expected fetch after cooldown, got %d", calls.Load())
	}
}

func TestSession_CSRFTokenSkip(t *testing.T) {
	server, calls := csrfServer(t, http.StatusOK, `{"message": "network"}`)
	client := newTestClient(t, server.URL, func(c *config.Config) {
		c.SkipCSRF = true
		c.CSRFToken = "runtime"
	})

	if got := client.session.CSRFToken(context.Background(), client.Config()); got != "" {
		t.Errorf("CSRFToken() = %q, want empty", got)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no csrf fetch, got %d", calls.Load())
	}
}

func TestSession_Clear(t *testing.T) {
	st := store.NewMemoryStore()
	client := newTestClient(t, "https://desk.example.com", nil, WithStore(st))
	client.session.cookies = []string{"sid=x"}
	client.session.csrfToken = "tok"
	st.Set(store.KeyCSRFToken, "tok")
	st.Set(store.KeySessionCookies, "sid=x")

	client.ClearAuth()

	if _, ok := client.SessionCookies(); ok {
		t.Error("expected cookies to be cleared")
	}
	if client.session.csrfToken != "" {
		t.Error("expected csrf token to be cleared")
	}
	if _, ok := st.Get(store.KeyCSRFToken); ok {
		t.Error("expected persisted csrf token to be cleared")
	}
}

func TestClient_UpdateConfigResetsSession(t *testing.T) {
	st := store.NewMemoryStore()
	client := newTestClient(t, "https://desk.example.com", nil, WithStore(st))
	client.session.cookies = []string{"sid=x"}
	client.session.csrfToken = "tok"

	next := client.Config()
	next.BaseURL = "https://other.example.com"
	if err := client.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	if _, ok := client.SessionCookies(); ok {
		t.Error("expected session cookies to be cleared on config update")
	}
	if client.session.csrfToken != "" {
		t.Error("expected csrf token to be cleared on config update")
	}
	if client.Config().BaseURL != "https://other.example.com" {
		t.Errorf("config not replaced: %q", client.Config().BaseURL)
	}

	var persisted config.Config
	if !store.GetObject(st, store.KeyConfig, &persisted) || persisted.BaseURL != "https://other.example.com" {
		t.Errorf("expected config to be persisted, got %+v", persisted)
	}

	bad := client.Config()
	bad.BaseURL = "not a url"
	if err := client.UpdateConfig(bad); err == nil {
		t.Error("expected invalid config to be rejected")
	}
	if client.Config().BaseURL != "https://other.example.com" {
		t.Error("rejected config must not replace the active one")
	}
}

func TestNewClient_RestoresPersistedCookies(t *testing.T) {
	st := store.NewMemoryStore()
	st.Set(store.KeySessionCookies, "sid=abc; Path=/\nsystem_user=yes")

	client := newTestClient(t, "https://desk.example.com", nil, WithStore(st))

	if got := client.session.cookiePairs(); len(got) != 2 || got[0] != "sid=abc" {
		t.Errorf("unexpected restored cookies %v", got)
	}
}

func TestNewClient_RestoredConfigRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	client := newTestClient(t, "https://desk.example.com", nil, WithStore(st))

	next := client.Config()
	next.BaseURL = "https://other.example.com"
	next.DocType = "Issue"
	next.Endpoint = config.ResourcePath("Issue")
	next.Timeout = 1500 * time.Millisecond
	next.Retries = 5
	next.SkipCSRF = true
	next.Password = "secret"
	if err := client.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	restored, ok := config.Restore(st)
	if !ok {
		t.Fatal("expected saved config to be restored")
	}
	if restored.BaseURL != "https://other.example.com" || restored.DocType != "Issue" {
		t.Errorf("unexpected restored target %q %q", restored.BaseURL, restored.DocType)
	}
	if restored.Endpoint != "/api/resource/Issue" {
		t.Errorf("Endpoint = %q", restored.Endpoint)
	}
	if restored.Timeout != 1500*time.Millisecond || restored.Retries != 5 || !restored.SkipCSRF {
		t.Errorf("unexpected restored behaviour %+v", restored)
	}
	if restored.Password != "" {
		t.Error("password must not be persisted")
	}
	if restored.Token != "key:secret" {
		t.Errorf("Token = %q", restored.Token)
	}

	if _, err := NewClient(restored, newTestLogger(), WithStore(st)); err != nil {
		t.Errorf("restored config rejected: %v", err)
	}
}

func TestSession_TrailingSlashBaseURL(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()

		switch r.URL.Path {
		case LoginPath:
			w.Header().Add("Set-Cookie", "sid=abc; Path=/")
			w.Write([]byte(`{"message": "Logged In"}`))
		case CSRFPath:
			w.Write([]byte(`{"message": "fetched"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/", nil)
	ctx := context.Background()

	if _, err := client.Login(ctx, "admin@example.com", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if tok := client.Session().CSRFToken(ctx, client.Config()); tok != "fetched" {
		t.Errorf("CSRFToken() = %q, want %q", tok, "fetched")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{LoginPath, CSRFPath}
	if len(paths) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("request %d path = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestNewClient_NilLogger(t *testing.T) {
	client, err := NewClient(testConfig("https://desk.example.com"), nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.ClearAuth()
}
