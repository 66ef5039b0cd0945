package frappe

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/cragr/frappe-ticket-agent/internal/config"
	"github.com/cragr/frappe-ticket-agent/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.Token = "key:secret"
	cfg.Timeout = 2 * time.Second
	cfg.Retries = 0
	return cfg
}

// newTestClient builds a client against baseURL; mutate may adjust the config.
func newTestClient(t *testing.T, baseURL string, mutate func(*config.Config), opts ...Option) *Client {
	t.Helper()
	cfg := testConfig(baseURL)
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithStore(store.NewMemoryStore())}, opts...)
	client, err := NewClient(cfg, newTestLogger(), opts...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}
