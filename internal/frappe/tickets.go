package frappe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/go-querystring/query"

	"github.com/cragr/frappe-ticket-agent/internal/config"
	"github.com/cragr/frappe-ticket-agent/internal/models"
)

// Fixed method paths.
const (
	PingPath       = "/api/method/ping"
	CountPath      = "/api/method/frappe.client.get_count"
	LogoutPath     = "/api/method/logout"
	LoggedUserPath = "/api/method/frappe.auth.get_logged_user"
)

// ListOptions controls a ticket list query.
type ListOptions struct {
	Limit  int
	Offset int
	// Fields defaults to Config.Fields when empty.
	Fields []string
	// Filters is a field -> value (or [operator, value]) mapping.
	Filters map[string]any
	OrderBy string
}

type listQuery struct {
	Fields  string `url:"fields,omitempty"`
	Filters string `url:"filters,omitempty"`
	OrderBy string `url:"order_by,omitempty"`
	Limit   int    `url:"limit_page_length,omitempty"`
	Offset  int    `url:"limit_start,omitempty"`
}

type countQuery struct {
	DocType string `url:"doctype"`
	Filters string `url:"filters,omitempty"`
}

// ListTickets returns one page of tickets.
func (c *Client) ListTickets(ctx context.Context, opts ListOptions) ([]models.Ticket, error) {
	cfg := c.Config()

	fields := opts.Fields
	if len(fields) == 0 {
		fields = cfg.Fields
	}

	q := listQuery{OrderBy: opts.OrderBy, Limit: opts.Limit, Offset: opts.Offset}
	var err error
	if q.Fields, err = encodeJSONParam(fields); err != nil {
		return nil, err
	}
	if q.Filters, err = encodeJSONParam(opts.Filters); err != nil {
		return nil, err
	}

	endpoint, err := withQuery(cfg.TicketEndpoint(), q)
	if err != nil {
		return nil, err
	}

	var resp models.ListResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CountTickets returns the number of tickets matching filters.
func (c *Client) CountTickets(ctx context.Context, filters map[string]any) (int, error) {
	cfg := c.Config()

	q := countQuery{DocType: cfg.DocType}
	var err error
	if q.Filters, err = encodeJSONParam(filters); err != nil {
		return 0, err
	}

	endpoint, err := withQuery(CountPath, q)
	if err != nil {
		return 0, err
	}

	var resp models.MethodResponse[int]
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Message, nil
}

// GetTicket fetches a ticket by name.
func (c *Client) GetTicket(ctx context.Context, name string) (*models.Ticket, error) {
	var resp models.DocResponse
	if err := c.do(ctx, http.MethodGet, c.ticketPath(name), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// CreateTicket creates a ticket and returns the stored document. Any Name on
// the input is ignored; the backend assigns it.
func (c *Client) CreateTicket(ctx context.Context, ticket models.Ticket) (*models.Ticket, error) {
	ticket.Name = ""

	c.logger.Debug("creating ticket", "subject", ticket.Subject)

	var resp models.DocResponse
	if err := c.do(ctx, http.MethodPost, c.Config().TicketEndpoint(), ticket, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// UpdateTicket applies a partial update. fields is marshalled as the body,
// so either a models.Ticket or a map of changed fields works.
func (c *Client) UpdateTicket(ctx context.Context, name string, fields any) (*models.Ticket, error) {
	var resp models.DocResponse
	if err := c.do(ctx, http.MethodPut, c.ticketPath(name), fields, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// DeleteTicket deletes a ticket by name.
func (c *Client) DeleteTicket(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.ticketPath(name), nil, nil, nil)
}

// SubmitTicket moves a ticket to the submitted workflow state.
func (c *Client) SubmitTicket(ctx context.Context, name string) (*models.Ticket, error) {
	return c.UpdateTicket(ctx, name, models.StatusUpdate{DocStatus: models.DocStatusSubmitted})
}

// CancelTicket moves a submitted ticket to the cancelled workflow state.
func (c *Client) CancelTicket(ctx context.Context, name string) (*models.Ticket, error) {
	return c.UpdateTicket(ctx, name, models.StatusUpdate{DocStatus: models.DocStatusCancelled})
}

// TestConnection pings the server. A nil error means connected.
func (c *Client) TestConnection(ctx context.Context) error {
	var resp models.MethodResponse[string]
	if err := c.do(ctx, http.MethodGet, PingPath, nil, nil, &resp); err != nil {
		return err
	}
	if resp.Message != "pong" {
		c.logger.Debug("unexpected ping reply", "message", resp.Message)
	}
	return nil
}

// ValidateDocType checks that the configured DocType exists on the server.
func (c *Client) ValidateDocType(ctx context.Context) error {
	doctype := c.Config().DocType
	return c.do(ctx, http.MethodGet, config.ResourcePath("DocType")+"/"+url.PathEscape(doctype), nil, nil, nil)
}

func (c *Client) ticketPath(name string) string {
	return c.Config().TicketEndpoint() + "/" + url.PathEscape(name)
}

// encodeJSONParam renders a value the way Frappe expects list-valued query
// parameters: as a JSON document. Empty values encode to "".
func encodeJSONParam(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case []string:
		if len(t) == 0 {
			return "", nil
		}
	case map[string]any:
		if len(t) == 0 {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode query parameter: %w", err)
	}
	return string(data), nil
}

func withQuery(path string, q any) (string, error) {
	values, err := query.Values(q)
	if err != nil {
		return "", fmt.Errorf("failed to encode query: %w", err)
	}
	if len(values) == 0 {
		return path, nil
	}
	return path + "?" + values.Encode(), nil
}
