package intake

import "github.com/cragr/frappe-ticket-agent/internal/models"

// fallbackTickets is served by the list endpoint when the backend cannot be
// reached and fallback mode is enabled.
var fallbackTickets = []models.Ticket{
	{
		Name:        "DEMO-0001",
		Subject:     "Unable to connect to VPN",
		RaisedBy:    "jane.doe@example.com",
		Status:      "Open",
		Priority:    "High",
		TicketType:  "Incident",
		OpeningDate: "2026-01-05",
	},
	{
		Name:        "DEMO-0002",
		Subject:     "Request for new laptop",
		RaisedBy:    "john.smith@example.com",
		Status:      "Replied",
		Priority:    "Medium",
		TicketType:  "Service Request",
		OpeningDate: "2026-01-06",
	},
	{
		Name:        "DEMO-0003",
		Subject:     "Email quota exceeded",
		RaisedBy:    "ops@example.com",
		Status:      "Resolved",
		Priority:    "Low",
		TicketType:  "Incident",
		OpeningDate: "2026-01-07",
	},
}

// FallbackTickets returns a copy of the static dataset.
func FallbackTickets() []models.Ticket {
	return append([]models.Ticket(nil), fallbackTickets...)
}
