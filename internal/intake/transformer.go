// Package intake exposes HTTP endpoints that feed tickets into Frappe.
package intake

import (
	"strings"

	"github.com/cragr/frappe-ticket-agent/internal/config"
	"github.com/cragr/frappe-ticket-agent/internal/models"
)

// Transformer normalizes inbound ticket payloads before creation.
type Transformer struct {
	cfg *config.Config
}

// NewTransformer creates a new Transformer with the given configuration.
func NewTransformer(cfg *config.Config) *Transformer {
	return &Transformer{cfg: cfg}
}

// Transform returns a copy of ticket ready to be created: the backend owned
// fields are cleared, text is trimmed and configured defaults fill gaps.
func (t *Transformer) Transform(ticket models.Ticket) models.Ticket {
	ticket.Name = ""
	ticket.Creation = ""
	ticket.Modified = ""
	ticket.Owner = ""
	ticket.DocStatus = nil

	ticket.Subject = strings.TrimSpace(ticket.Subject)
	ticket.RaisedBy = strings.TrimSpace(ticket.RaisedBy)

	if ticket.Priority == "" {
		ticket.Priority = t.cfg.DefaultPriority
	}
	if ticket.TicketType == "" {
		ticket.TicketType = t.cfg.DefaultTicketType
	}
	if ticket.Status == "" {
		ticket.Status = "Open"
	}

	return ticket
}

// TransformAll transforms every ticket and returns the indexes of the ones
// that cannot be created.
func (t *Transformer) TransformAll(tickets []models.Ticket) ([]models.Ticket, []int) {
	out := make([]models.Ticket, len(tickets))
	var invalid []int
	for i, tk := range tickets {
		out[i] = t.Transform(tk)
		if out[i].Subject == "" {
			invalid = append(invalid, i)
		}
	}
	return out, invalid
}
