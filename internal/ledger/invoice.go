package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/stateledger/internal/statechain"
	"github.com/jmerrifield20/stateledger/internal/statekeys"
)

// InvoiceDetails describes a transfer of Amount minor currency units from one
// party to another.
type InvoiceDetails struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Description string `json:"description,omitempty"`
}

// Balance is one currency's running position of a party.
type Balance struct {
	Balance  int64 `json:"balance"`
	Incoming int64 `json:"incoming"`
	Outgoing int64 `json:"outgoing"`
}

// ContextKey returns the chain context of invoices between two parties.
func ContextKey(from, to string) string {
	return from + "|" + to
}

// Invoice records a cost code from d.From to d.To on the parties' chain.
// Both parties must hold a registered party key.
func (s *Service) Invoice(ctx context.Context, d InvoiceDetails) (*statechain.CostCode, error) {
	if d.From == "" || d.To == "" {
		return nil, invalid("from and to are required")
	}
	if d.Amount <= 0 {
		return nil, invalid("amount must be positive")
	}
	currency := strings.ToUpper(d.Currency)
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	from, err := s.resolveParty(ctx, d.From)
	if err != nil {
		return nil, err
	}
	to, err := s.resolveParty(ctx, d.To)
	if err != nil {
		return nil, err
	}
	if from == to {
		return nil, invalid("from and to must differ")
	}

	build := func(ctx context.Context, last statechain.Entity, memo statechain.Memo) (statechain.Entity, error) {
		c := &statechain.CostCode{
			From:        from,
			To:          to,
			Amount:      d.Amount,
			Currency:    currency,
			Domain:      d.Domain,
			Description: d.Description,
		}
		if err := s.mintAfter(ctx, c, last, memo); err != nil {
			return nil, err
		}
		return c, nil
	}
	e, err := s.appendEntity(ctx, ContextKey(from, to), statechain.KindCostCode, build)
	if err != nil {
		return nil, err
	}
	return e.(*statechain.CostCode), nil
}

// resolveParty maps an identity or public key to the party's identity.
func (s *Service) resolveParty(ctx context.Context, identifier string) (string, error) {
	k, err := s.keys.FindParty(ctx, identifier)
	if err != nil {
		if errors.Is(err, statekeys.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown party %q", ErrNotACostCodeTransaction, identifier)
		}
		return "", fmt.Errorf("resolve party %q: %w", identifier, err)
	}
	return k.Identity, nil
}

// GetBalance sums entities per currency from party's point of view:
// amounts sent by party are outgoing, amounts sent to it incoming, and the
// balance is outgoing minus incoming.
func GetBalance(party string, entities []*statechain.CostCode) map[string]Balance {
	out := make(map[string]Balance)
	for _, e := range entities {
		if e.From != party && e.To != party {
			continue
		}
		b := out[e.Currency]
		if e.From == party {
			b.Outgoing += e.Amount
			b.Balance += e.Amount
		}
		if e.To == party {
			b.Incoming += e.Amount
			b.Balance -= e.Amount
		}
		out[e.Currency] = b
	}
	return out
}

// Balance returns party's balances over every signed cost code naming it,
// narrowed by f's currency and time window.
func (s *Service) Balance(ctx context.Context, party string, f statechain.Filter) (map[string]Balance, error) {
	identity, err := s.resolveParty(ctx, party)
	if err != nil {
		return nil, err
	}
	f.Party = identity
	es, err := s.entities.Find(ctx, statechain.KindCostCode, nil, f)
	if err != nil {
		return nil, fmt.Errorf("query cost codes for %q: %w", identity, err)
	}
	codes := make([]*statechain.CostCode, 0, len(es))
	for _, e := range es {
		c, ok := e.(*statechain.CostCode)
		if !ok || !c.Signed() {
			continue
		}
		codes = append(codes, c)
	}
	return GetBalance(identity, codes), nil
}
