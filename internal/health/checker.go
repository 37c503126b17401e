// Package health periodically re-verifies every state chain and reports
// contexts whose integrity checks start or stop failing.
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jmerrifield20/stateledger/internal/ledger"
	"go.uber.org/zap"
)

// Config holds integrity check configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	FailThreshold int
}

// Verifier walks every context. *ledger.Service satisfies it.
type Verifier interface {
	VerifyAll(ctx context.Context) ([]ledger.ContextReport, error)
}

// DispatchFunc is an optional callback for integrity-failure events.
type DispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording per-context results.
type MetricsRecordFunc func(valid bool)

// Summary is the outcome of one CheckAll pass.
type Summary struct {
	Contexts int
	Blocks   int
	Invalid  []string
	Took     time.Duration
}

// EventIntegrityFailure is dispatched when a context reaches FailThreshold
// consecutive failed checks.
const EventIntegrityFailure = "state_chain.integrity_failure"

// Checker runs periodic chain verification.
type Checker struct {
	verifier   Verifier
	failCounts map[string]int
	mu         sync.Mutex
	cfg        Config
	onDispatch DispatchFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Checker.
func New(verifier Verifier, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Minute
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = cfg.CheckInterval
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 1
	}
	return &Checker{
		verifier:   verifier,
		failCounts: make(map[string]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// SetDispatch configures the event dispatch callback.
func (h *Checker) SetDispatch(fn DispatchFunc) {
	h.onDispatch = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
			if _, err := h.CheckAll(checkCtx); err != nil {
				h.logger.Warn("health: chain verification aborted", zap.Error(err))
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll verifies every context once and updates the per-context failure
// counts. The returned error is non-nil only when the pass itself could not
// complete.
func (h *Checker) CheckAll(ctx context.Context) (Summary, error) {
	start := time.Now()
	reports, err := h.verifier.VerifyAll(ctx)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Contexts: len(reports)}
	for _, r := range reports {
		sum.Blocks += r.Blocks
		if !r.Valid {
			sum.Invalid = append(sum.Invalid, r.Context)
		}
		if h.onMetrics != nil {
			h.onMetrics(r.Valid)
		}
		h.track(ctx, r)
	}
	sum.Took = time.Since(start)

	h.logger.Info("health: state chains verified",
		zap.Int("contexts", sum.Contexts),
		zap.Int("blocks", sum.Blocks),
		zap.Int("invalid", len(sum.Invalid)),
		zap.Duration("took", sum.Took),
	)
	return sum, nil
}

func (h *Checker) track(ctx context.Context, r ledger.ContextReport) {
	h.mu.Lock()
	prevCount := h.failCounts[r.Context]
	if r.Valid {
		delete(h.failCounts, r.Context)
	} else {
		h.failCounts[r.Context]++
	}
	count := h.failCounts[r.Context]
	h.mu.Unlock()

	switch {
	case r.Valid && prevCount >= h.cfg.FailThreshold:
		// Transition: failing → verified
		h.logger.Info("health: context verifies again", zap.String("context", r.Context))
	case !r.Valid && count == h.cfg.FailThreshold:
		// Transition: verified → failing (exactly at threshold)
		h.logger.Error("health: state chain integrity check FAILED",
			zap.String("context", r.Context),
			zap.Int("fail_count", count),
		)
		if h.onDispatch != nil {
			h.onDispatch(ctx, EventIntegrityFailure, map[string]string{
				"context":    r.Context,
				"chains":     strconv.Itoa(r.Chains),
				"fail_count": strconv.Itoa(count),
			})
		}
	}
}

// Failing returns the contexts currently at or above the failure threshold.
func (h *Checker) Failing() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for k, n := range h.failCounts {
		if n >= h.cfg.FailThreshold {
			out = append(out, k)
		}
	}
	return out
}
