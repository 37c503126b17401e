package ledger

import (
	"context"

	"github.com/jmerrifield20/stateledger/internal/statechain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stateledger_appends_total",
		Help: "Total entities appended to state chains by kind.",
	}, []string{"kind"})

	ledgerIntegrityFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stateledger_integrity_failures_total",
		Help: "Total failed chain verifications by operation.",
	}, []string{"operation"})

	ledgerRetirementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stateledger_chain_retirements_total",
		Help: "Total state chains retired by kind.",
	}, []string{"kind"})

	ledgerApprovalTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stateledger_approval_tokens_total",
		Help: "Total approval token events by result.",
	}, []string{"result"})
)

func recordAppend(kind statechain.Kind) {
	ledgerAppendsTotal.WithLabelValues(string(kind)).Inc()
}

func recordIntegrityFailure(operation string) {
	ledgerIntegrityFailuresTotal.WithLabelValues(operation).Inc()
}

func recordToken(result string) {
	ledgerApprovalTokensTotal.WithLabelValues(result).Inc()
}

// RecordRetirement counts a retired chain. It matches statechain.Options.OnRetire.
func RecordRetirement(_ context.Context, c *statechain.Chain) {
	ledgerRetirementsTotal.WithLabelValues(string(c.Kind)).Inc()
}
