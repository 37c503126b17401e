package statechain

import (
	"strconv"
	"time"
)

// Kind tags the concrete entity type a chain holds. It doubles as the
// statekeys TargetType of the entity's keypair.
type Kind string

const (
	KindCostCode    Kind = "costcode"
	KindCostRequest Kind = "costrequest"
)

// Clock supplies entity creation times.
type Clock func() time.Time

// SystemClock returns the current UTC time truncated to milliseconds, the
// precision kept in hash material.
func SystemClock() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// Status is the decision state of a cost request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Entity is a record that participates in a state chain.
type Entity interface {
	Kind() Kind
	Head() *Header
	// HashFields lists the domain-significant fields in hash order.
	HashFields() []string
}

// Header holds the chain bookkeeping shared by every entity.
type Header struct {
	ID         int64     `json:"id"`
	Previous   int64     `json:"previous"`
	StateKeyID int64     `json:"state_key_id"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`

	// RequestSignature holds the most recently issued approval token. It is
	// not hash material and may change after signing.
	RequestSignature string `json:"-"`
}

// Head returns h. It lets entity structs satisfy Entity by embedding Header.
func (h *Header) Head() *Header { return h }

// Signed reports whether the entity carries a signature.
func (h *Header) Signed() bool { return h.Signature != "" }

// CostCode is a transfer of Amount (minor currency units) from one party to
// another.
type CostCode struct {
	Header
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Domain      string `json:"domain,omitempty"`
	Description string `json:"description,omitempty"`
}

// Kind implements Entity.
func (c *CostCode) Kind() Kind { return KindCostCode }

// HashFields implements Entity.
func (c *CostCode) HashFields() []string {
	return []string{
		c.From,
		c.To,
		strconv.FormatInt(c.Amount, 10),
		c.Currency,
		c.Domain,
		c.Description,
	}
}

// CostRequest asks for spending against a cost code. A decision on a request
// is recorded as a new CostRequest whose Origin is the pending request's id.
type CostRequest struct {
	Header
	CostCode    string `json:"costcode"`
	Status      Status `json:"status"`
	RequestedBy string `json:"requested_by"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Origin      int64  `json:"origin,omitempty"`
}

// Kind implements Entity.
func (r *CostRequest) Kind() Kind { return KindCostRequest }

// HashFields implements Entity.
func (r *CostRequest) HashFields() []string {
	return []string{
		r.CostCode,
		string(r.Status),
		r.RequestedBy,
		strconv.FormatInt(r.Amount, 10),
		r.Currency,
		strconv.FormatInt(r.Origin, 10),
	}
}

func cloneEntity(e Entity) Entity {
	switch v := e.(type) {
	case *CostCode:
		cp := *v
		return &cp
	case *CostRequest:
		cp := *v
		return &cp
	}
	return e
}
