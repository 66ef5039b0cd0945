// Package main is the entrypoint for the frappe-ticket-agent application.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/cragr/frappe-ticket-agent/internal/bulk"
	"github.com/cragr/frappe-ticket-agent/internal/config"
	"github.com/cragr/frappe-ticket-agent/internal/frappe"
	"github.com/cragr/frappe-ticket-agent/internal/intake"
	"github.com/cragr/frappe-ticket-agent/internal/logging"
	"github.com/cragr/frappe-ticket-agent/internal/metrics"
	"github.com/cragr/frappe-ticket-agent/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var baseURL, docType, port, stateFile string

	flagSet := pflag.NewFlagSet("frappe-ticket-agent", pflag.ContinueOnError)
	flagSet.StringVar(&baseURL, "base-url", "", "Frappe server URL (overrides FRAPPE_BASE_URL)")
	flagSet.StringVar(&docType, "doctype", "", "ticket DocType (overrides FRAPPE_DOCTYPE)")
	flagSet.StringVar(&port, "port", "", "HTTP listen port (overrides HTTP_PORT)")
	flagSet.StringVar(&stateFile, "state-file", "", "path of the persisted session state (overrides STATE_FILE)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// Initialize logger
	logger := logging.NewLogger()
	logger.Info("starting frappe-ticket-agent")

	// Restore the last saved connection settings; env and flags override them.
	st := store.OpenFile(config.StateFilePath(stateFile), logging.WithComponent(logger, "store"))
	base, restored := config.Restore(st)
	if restored {
		logger.Info("restored saved configuration", "frappe_base_url", base.BaseURL)
	}

	// Load configuration
	cfg, err := config.LoadFrom(base,
		config.WithBaseURL(baseURL),
		config.WithDocType(docType),
		config.WithHTTPPort(port),
		config.WithStateFile(stateFile),
	)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("configuration loaded",
		"http_port", cfg.HTTPPort,
		"frappe_base_url", cfg.BaseURL,
		"doctype", cfg.DocType,
		"endpoint", cfg.Endpoint,
		"retries", cfg.Retries,
		"timeout", cfg.Timeout,
		"skip_csrf", cfg.SkipCSRF,
		"fallback_mode", cfg.FallbackMode,
	)

	m := metrics.New(prometheus.DefaultRegisterer)

	// Create Frappe client
	client, err := frappe.NewClient(cfg, logging.WithComponent(logger, "frappe"),
		frappe.WithStore(st),
		frappe.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to create frappe client: %w", err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		if _, err := client.Login(ctx, cfg.Username, cfg.Password); err != nil {
			// Token auth still works without a session.
			logger.Warn("session login failed", "username", cfg.Username, "error", err)
		} else if user, err := client.CurrentUser(ctx); err == nil {
			logger.Info("session established", "user", user.Name)
		}
		cancel()
	}

	// Create intake handlers
	pipeline := bulk.NewPipeline(client, logging.WithComponent(logger, "bulk"), m)
	intakeHandler := intake.NewHandler(client, pipeline, m, logging.WithComponent(logger, "intake"))

	// Setup HTTP routes
	mux := http.NewServeMux()
	intakeHandler.Register(mux)

	// Health and readiness probes
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/readyz", readyzHandler(client, logger))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Create HTTP server. Bulk runs can outlast a normal request, so there
	// is no write timeout.
	addr := fmt.Sprintf(":%s", cfg.HTTPPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// healthzHandler handles liveness probe requests.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// readyzHandler reports ready once the Frappe server answers a ping.
func readyzHandler(client *frappe.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := client.TestConnection(r.Context()); err != nil {
			logger.Debug("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
