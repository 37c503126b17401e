// Package email delivers approval tokens to the people who decide cost
// requests.
package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/stateledger/internal/statechain"
)

// Sender delivers transactional email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ApprovalRequest composes the message that carries an approval token for
// the pending cost request r. The token stops working after ttl or once a
// newer token is issued.
func ApprovalRequest(r *statechain.CostRequest, token string, ttl time.Duration) (subject, body string) {
	subject = fmt.Sprintf("Approval needed: %s %s on %s", formatAmount(r.Amount), r.Currency, r.CostCode)

	var b strings.Builder
	fmt.Fprintf(&b, "%s requested %s %s against cost code %s (request %d).\n\n",
		r.RequestedBy, formatAmount(r.Amount), r.Currency, r.CostCode, r.ID)
	b.WriteString("To approve:\n\n")
	fmt.Fprintf(&b, "  ledgerctl approve %s\n\n", token)
	b.WriteString("To reject:\n\n")
	fmt.Fprintf(&b, "  ledgerctl approve --reject %s\n\n", token)
	fmt.Fprintf(&b, "The token is valid for %s and can be used once.\n", ttl)
	return subject, b.String()
}

// formatAmount renders minor units with two decimals.
func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
