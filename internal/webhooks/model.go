package webhooks

import "time"

// Event types dispatched by the ledger.
const (
	EventRequestApproved  = "cost_request.approved"
	EventRequestRejected  = "cost_request.rejected"
	EventChainRetired     = "state_chain.retired"
	EventIntegrityFailure = "state_chain.integrity_failure"
)

// Endpoint is a configured receiver of ledger events. An empty Events list
// receives every event type.
type Endpoint struct {
	URL    string   `mapstructure:"url"    json:"url"`
	Events []string `mapstructure:"events" json:"events"`
	Secret string   `mapstructure:"secret" json:"-"`
}

// Wants reports whether the endpoint subscribes to eventType.
func (e Endpoint) Wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == eventType || ev == "*" {
			return true
		}
	}
	return false
}

// Event is the JSON body POSTed to endpoints.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery is the outcome of one delivery attempt.
type Delivery struct {
	URL        string
	EventID    string
	EventType  string
	StatusCode int
	Attempt    int
	Success    bool
	Error      string
}
