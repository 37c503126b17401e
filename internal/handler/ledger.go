// Package handler serves the read-only operations surface of the ledger
// daemon: chain inspection, integrity checks and balances.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/stateledger/internal/ledger"
	"github.com/jmerrifield20/stateledger/internal/statechain"
	"go.uber.org/zap"
)

// LedgerHandler exposes read-only HTTP endpoints for the state chains.
type LedgerHandler struct {
	ledger *ledger.Service
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc *ledger.Service, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: svc, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("/chains/:context", h.ListChains)
		l.GET("/chains/:context/verify", h.Verify)
		l.GET("/chains/:context/states", h.States)
		l.GET("/balance/:party", h.Balance)
		l.GET("/requests/:id/decision", h.Decision)
	}
}

type chainSummary struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Blocks    int       `json:"blocks"`
	Retired   bool      `json:"retired"`
	CreatedAt time.Time `json:"created_at"`
}

func summarise(chains []*statechain.Chain) []chainSummary {
	out := make([]chainSummary, 0, len(chains))
	for _, c := range chains {
		out = append(out, chainSummary{
			ID:        c.ID,
			Kind:      string(c.Kind),
			Blocks:    len(c.Blocks),
			Retired:   c.Retired,
			CreatedAt: c.CreatedAt,
		})
	}
	return out
}

// ListChains handles GET /ledger/chains/:context: lists every chain of the
// context, retired ones included.
func (h *LedgerHandler) ListChains(c *gin.Context) {
	contextKey := c.Param("context")
	chains, err := h.ledger.Chains(c.Request.Context(), contextKey)
	if err != nil {
		h.respondError(c, "list chains", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"context": contextKey,
		"chains":  summarise(chains),
	})
}

// Verify handles GET /ledger/chains/:context/verify: validates every entity
// on every chain of the context.
func (h *LedgerHandler) Verify(c *gin.Context) {
	contextKey := c.Param("context")
	chains, err := h.ledger.VerifyChain(c.Request.Context(), contextKey)
	if err != nil {
		if errors.Is(err, statechain.ErrHackingAttempt) {
			h.logger.Error("ledger integrity check failed",
				zap.String("context", contextKey),
				zap.Error(err),
			)
			c.JSON(http.StatusOK, gin.H{"valid": false, "error": "ledger error"})
			return
		}
		h.respondError(c, "verify chain", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":  true,
		"chains": summarise(chains),
	})
}

// States handles GET /ledger/chains/:context/states: returns the entities
// recorded on the context's chains. Query parameters: kind, currency, since,
// until (RFC 3339).
func (h *LedgerHandler) States(c *gin.Context) {
	kind := statechain.Kind(c.DefaultQuery("kind", string(statechain.KindCostCode)))
	if kind != statechain.KindCostCode && kind != statechain.KindCostRequest {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be costcode or costrequest"})
		return
	}
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	states, err := h.ledger.States(c.Request.Context(), c.Param("context"), kind, f)
	if err != nil {
		h.respondError(c, "query states", err)
		return
	}
	if states == nil {
		states = []statechain.Entity{}
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}

// Balance handles GET /ledger/balance/:party: returns the party's balance
// per currency. Accepts the same currency and time filters as States.
func (h *LedgerHandler) Balance(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	party := c.Param("party")
	balances, err := h.ledger.Balance(c.Request.Context(), party, f)
	if err != nil {
		h.respondError(c, "balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"party": party, "balances": balances})
}

// Decision handles GET /ledger/requests/:id/decision: returns the entity
// that decided a cost request.
func (h *LedgerHandler) Decision(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}
	d, err := h.ledger.Decision(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "decision", err)
		return
	}
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no decision recorded"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func parseFilter(c *gin.Context) (statechain.Filter, bool) {
	f := statechain.Filter{Currency: c.Query("currency")}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": p.name + " must be an RFC 3339 timestamp"})
			return f, false
		}
		*p.dst = t
	}
	return f, true
}

// respondError maps service errors to responses. Integrity and storage
// failures are reported as an opaque ledger error.
func (h *LedgerHandler) respondError(c *gin.Context, op string, err error) {
	var ve *ledger.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Msg})
	case errors.Is(err, ledger.ErrNotACostCodeTransaction):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown party"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger error"})
	}
}
