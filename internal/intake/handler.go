package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cragr/frappe-ticket-agent/internal/bulk"
	"github.com/cragr/frappe-ticket-agent/internal/config"
	"github.com/cragr/frappe-ticket-agent/internal/frappe"
	"github.com/cragr/frappe-ticket-agent/internal/logging"
	"github.com/cragr/frappe-ticket-agent/internal/metrics"
	"github.com/cragr/frappe-ticket-agent/internal/models"
)

// maxBodyBytes bounds the bulk request body.
const maxBodyBytes = 10 << 20

// TicketClient defines the Frappe operations the handlers need.
type TicketClient interface {
	Config() *config.Config
	ListTickets(ctx context.Context, opts frappe.ListOptions) ([]models.Ticket, error)
	TestConnection(ctx context.Context) error
	ValidateDocType(ctx context.Context) error
}

// BulkRunner runs a bulk creation.
type BulkRunner interface {
	Run(ctx context.Context, payloads []models.Ticket, opts bulk.Options) *bulk.Result
}

// BulkRequest is the body of POST /tickets/bulk.
type BulkRequest struct {
	Tickets []models.Ticket `json:"tickets"`
	Options BulkOptions     `json:"options"`
}

// BulkOptions mirrors bulk.Options with millisecond delays.
type BulkOptions struct {
	BatchSize              int  `json:"batch_size"`
	DelayBetweenRequestsMs int  `json:"delay_between_requests_ms"`
	DelayBetweenBatchesMs  int  `json:"delay_between_batches_ms"`
	StopOnError            bool `json:"stop_on_error"`
	MaxRetries             int  `json:"max_retries"`
}

func (o BulkOptions) toBulk() bulk.Options {
	return bulk.Options{
		BatchSize:            o.BatchSize,
		DelayBetweenRequests: time.Duration(o.DelayBetweenRequestsMs) * time.Millisecond,
		DelayBetweenBatches:  time.Duration(o.DelayBetweenBatchesMs) * time.Millisecond,
		StopOnError:          o.StopOnError,
		MaxRetries:           o.MaxRetries,
	}
}

// ListResponse is the body of GET /tickets.
type ListResponse struct {
	Connected bool            `json:"connected"`
	Fallback  bool            `json:"fallback,omitempty"`
	Error     string          `json:"error,omitempty"`
	Tickets   []models.Ticket `json:"tickets"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Connected bool   `json:"connected"`
	BaseURL   string `json:"base_url"`
	DocType   string `json:"doctype"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Invalid []int  `json:"invalid,omitempty"`
}

// Handler serves the intake endpoints.
type Handler struct {
	client  TicketClient
	runner  BulkRunner
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a new intake handler. Payload defaults are read from
// the client's current configuration on every request.
func NewHandler(client TicketClient, runner BulkRunner, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		client:  client,
		runner:  runner,
		metrics: m,
		logger:  logger,
	}
}

// Register mounts the handlers on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/tickets/bulk", h.handleBulk)
	mux.HandleFunc("/tickets", h.handleList)
	mux.HandleFunc("/status", h.handleStatus)
}

// handleBulk validates and normalizes the payloads, then runs the pipeline.
func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/tickets/bulk"

	if r.Method != http.MethodPost {
		h.writeJSON(w, endpoint, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error("failed to read request body", "error", err)
		h.writeJSON(w, endpoint, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}
	defer r.Body.Close()

	var req BulkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("failed to parse bulk request", "error", err)
		h.writeJSON(w, endpoint, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}

	opts := req.Options.toBulk()
	if err := opts.Validate(); err != nil {
		h.writeJSON(w, endpoint, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	cfg := h.client.Config()

	tickets, invalid := NewTransformer(cfg).TransformAll(req.Tickets)
	if len(invalid) > 0 {
		h.writeJSON(w, endpoint, http.StatusBadRequest, errorResponse{
			Error:   fmt.Sprintf("%d tickets have no subject", len(invalid)),
			Invalid: invalid,
		})
		return
	}

	ctx := r.Context()

	if cfg.ValidateDocTypes {
		if err := h.client.ValidateDocType(ctx); err != nil {
			h.logger.Error("doctype validation failed", "error", err)
			h.writeJSON(w, endpoint, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
	}

	h.logger.Info("received bulk creation request",
		"ticket_count", len(tickets),
		"batch_size", opts.BatchSize,
		"max_retries", opts.MaxRetries,
	)

	opts.OnBatchComplete = func(b bulk.BatchResult) {
		h.logger.Debug("batch complete",
			"batch", b.BatchIndex,
			"completed", b.Completed,
			"failed", b.Failed,
		)
	}

	result := h.runner.Run(ctx, tickets, opts)

	if result.Failed > 0 {
		h.logger.Warn("some tickets failed to create",
			"run_id", result.RunID,
			"total", result.Total,
			"failed", result.Failed,
		)
	}

	// Partial failures are reported in the body, not the status code.
	h.writeJSON(w, endpoint, http.StatusOK, result)
}

// handleList returns a page of tickets, or the fallback dataset when the
// backend is unreachable and fallback mode is on.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/tickets"

	if r.Method != http.MethodGet {
		h.writeJSON(w, endpoint, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	opts := frappe.ListOptions{
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}

	tickets, err := h.client.ListTickets(r.Context(), opts)
	if err != nil {
		if h.client.Config().FallbackMode {
			h.logger.Warn("backend unavailable, serving fallback tickets", "error", err)
			h.writeJSON(w, endpoint, http.StatusOK, ListResponse{
				Connected: false,
				Fallback:  true,
				Error:     err.Error(),
				Tickets:   FallbackTickets(),
			})
			return
		}
		h.writeJSON(w, endpoint, http.StatusBadGateway, ListResponse{Error: err.Error(), Tickets: []models.Ticket{}})
		return
	}

	if tickets == nil {
		tickets = []models.Ticket{}
	}
	h.writeJSON(w, endpoint, http.StatusOK, ListResponse{Connected: true, Tickets: tickets})
}

// handleStatus reports whether the backend answers a ping.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/status"

	cfg := h.client.Config()
	resp := StatusResponse{BaseURL: cfg.BaseURL, DocType: cfg.DocType}

	if err := h.client.TestConnection(r.Context()); err != nil {
		resp.Error = err.Error()
		h.writeJSON(w, endpoint, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Connected = true
	h.writeJSON(w, endpoint, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, endpoint string, status int, v any) {
	h.metrics.IntakeRequest(endpoint, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
