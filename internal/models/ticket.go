// Package models holds the Frappe ticket record and response envelopes.
package models

// Ticket is a Frappe helpdesk ticket document. Every field except Name is
// optional; Name is assigned by the backend and never set by callers on create.
type Ticket struct {
	Name string `json:"name,omitempty"`

	// Requester
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
	RaisedBy    string `json:"raised_by,omitempty"`
	Contact     string `json:"contact,omitempty"`
	Customer    string `json:"customer,omitempty"`

	// Classification
	TicketType string `json:"ticket_type,omitempty"`
	Category   string `json:"category,omitempty"`
	AgentGroup string `json:"agent_group,omitempty"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Impact     string `json:"impact,omitempty"`

	// Timestamps
	OpeningDate      string `json:"opening_date,omitempty"`
	OpeningTime      string `json:"opening_time,omitempty"`
	FirstRespondedOn string `json:"first_responded_on,omitempty"`
	ResponseBy       string `json:"response_by,omitempty"`
	ResolutionBy     string `json:"resolution_by,omitempty"`
	Creation         string `json:"creation,omitempty"`
	Modified         string `json:"modified,omitempty"`
	Owner            string `json:"owner,omitempty"`

	// Resolution
	ResolutionDate    string   `json:"resolution_date,omitempty"`
	ResolutionDetails string   `json:"resolution_details,omitempty"`
	AgreementStatus   string   `json:"agreement_status,omitempty"`
	FeedbackRating    *float64 `json:"feedback_rating,omitempty"`

	// Workflow
	DocStatus     *int   `json:"docstatus,omitempty"`
	WorkflowState string `json:"workflow_state,omitempty"`
	Assign        string `json:"_assign,omitempty"`
}

// Frappe document status values.
const (
	DocStatusDraft     = 0
	DocStatusSubmitted = 1
	DocStatusCancelled = 2
)

// DocResponse is the envelope for single document reads and writes.
type DocResponse struct {
	Data Ticket `json:"data"`
}

// ListResponse is the envelope for resource list queries.
type ListResponse struct {
	Data []Ticket `json:"data"`
}

// MethodResponse is the envelope returned by whitelisted /api/method calls.
type MethodResponse[T any] struct {
	Message T `json:"message"`
}

// ErrorEnvelope is the subset of a Frappe error body we look at.
// ServerMessages is a JSON encoded list of JSON encoded {"message": ...} objects.
type ErrorEnvelope struct {
	ServerMessages string `json:"_server_messages"`
	ExcType        string `json:"exc_type"`
	Exception      string `json:"exception"`
}

// ServerMessage is one decoded entry of ErrorEnvelope.ServerMessages.
type ServerMessage struct {
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
}

// LoginRequest is the body posted to the login method.
type LoginRequest struct {
	Usr string `json:"usr"`
	Pwd string `json:"pwd"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Message  string `json:"message"`
	HomePage string `json:"home_page,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// CSRFResponse covers both shapes the CSRF method is known to return.
type CSRFResponse struct {
	Message   string `json:"message"`
	CSRFToken string `json:"csrf_token"`
}

// Token returns whichever field carried the token.
func (r CSRFResponse) Token() string {
	if r.Message != "" {
		return r.Message
	}
	return r.CSRFToken
}

// CurrentUser is the cached identity of the authenticated user.
type CurrentUser struct {
	Name     string `json:"name" yaml:"name"`
	FullName string `json:"full_name,omitempty" yaml:"full_name,omitempty"`
}

// StatusUpdate is the payload for workflow transitions via docstatus.
type StatusUpdate struct {
	DocStatus int `json:"docstatus"`
}
