// Package webhooks delivers ledger events to configured HTTP endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmerrifield20/stateledger/internal/statechain"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ledger-Signature"

// Config tunes delivery.
type Config struct {
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher fans ledger events out to endpoints. It satisfies
// ledger.ApprovalHooks and its OnRetire method fits statechain.Options.
type Dispatcher struct {
	endpoints  []Endpoint
	httpClient *http.Client
	cfg        Config
	onMetrics  MetricsRecorder
	now        func() time.Time
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewDispatcher creates a Dispatcher. Endpoints without a URL are ignored.
func NewDispatcher(endpoints []Endpoint, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = time.Second
	}
	eps := make([]Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.URL != "" {
			eps = append(eps, e)
		}
	}
	return &Dispatcher{
		endpoints:  eps,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// Dispatch sends the event to every subscribed endpoint in the background.
// Delivery outlives ctx cancellation; use Wait to drain.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: d.now(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, ep := range d.endpoints {
		if !ep.Wants(eventType) {
			continue
		}
		d.wg.Add(1)
		go func(ep Endpoint) {
			defer d.wg.Done()
			d.deliver(ctx, ep, event, body)
		}(ep)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// OnApproved dispatches EventRequestApproved.
func (d *Dispatcher) OnApproved(ctx context.Context, decision *statechain.CostRequest) error {
	d.Dispatch(ctx, EventRequestApproved, decisionPayload(decision))
	return nil
}

// OnRejected dispatches EventRequestRejected.
func (d *Dispatcher) OnRejected(ctx context.Context, decision *statechain.CostRequest) error {
	d.Dispatch(ctx, EventRequestRejected, decisionPayload(decision))
	return nil
}

// OnRetire dispatches EventChainRetired.
func (d *Dispatcher) OnRetire(ctx context.Context, c *statechain.Chain) {
	d.Dispatch(ctx, EventChainRetired, map[string]string{
		"chain_id": strconv.FormatInt(c.ID, 10),
		"context":  c.ContextKey,
		"kind":     string(c.Kind),
		"blocks":   strconv.Itoa(len(c.Blocks)),
	})
}

func decisionPayload(d *statechain.CostRequest) map[string]string {
	return map[string]string{
		"decision_id":  strconv.FormatInt(d.ID, 10),
		"request_id":   strconv.FormatInt(d.Origin, 10),
		"costcode":     d.CostCode,
		"status":       string(d.Status),
		"requested_by": d.RequestedBy,
		"amount":       strconv.FormatInt(d.Amount, 10),
		"currency":     d.Currency,
	}
}

// deliver POSTs body to ep, retrying 5xx and transport failures.
func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, event Event, body []byte) {
	signature := SignPayload(body, ep.Secret)

	attempt := 0
	op := func() error {
		attempt++
		del := d.doDelivery(ctx, ep.URL, body, signature)
		del.EventID, del.EventType, del.Attempt = event.ID, event.Type, attempt
		if d.onMetrics != nil {
			d.onMetrics(del.Success)
		}
		if del.Success {
			return nil
		}
		err := fmt.Errorf("deliver %s: %s", event.Type, del.Error)
		if del.StatusCode >= 400 && del.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.Multiplier = 5
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ctx)

	notify := func(err error, next time.Duration) {
		d.logger.Warn("webhook: delivery failed, retrying",
			zap.String("url", ep.URL),
			zap.Int("attempt", attempt),
			zap.Duration("next_retry_in", next),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		d.logger.Error("webhook: delivery abandoned",
			zap.String("url", ep.URL),
			zap.String("event", event.Type),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url string, body []byte, signature string) Delivery {
	del := Delivery{URL: url}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		del.Error = err.Error()
		return del
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		del.Error = err.Error()
		return del
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	del.StatusCode = resp.StatusCode
	del.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !del.Success {
		del.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return del
}

// SignPayload computes the "sha256=<hex>" HMAC of body. An empty secret
// yields an empty signature.
func SignPayload(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
