package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when ledgerd answers 404, for an unknown party or
// an undecided cost request.
var ErrNotFound = errors.New("not found")

// Chain summarises one state chain of a context.
type Chain struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Blocks    int       `json:"blocks"`
	Retired   bool      `json:"retired"`
	CreatedAt time.Time `json:"created_at"`
}

// VerifyResult is the outcome of an integrity check. Error is opaque and set
// only when Valid is false.
type VerifyResult struct {
	Valid  bool    `json:"valid"`
	Error  string  `json:"error,omitempty"`
	Chains []Chain `json:"chains,omitempty"`
}

// State is a recorded cost code or cost request. Fields of the other kind
// are left zero.
type State struct {
	ID         int64     `json:"id"`
	Previous   int64     `json:"previous"`
	StateKeyID int64     `json:"state_key_id"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`

	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Description string `json:"description,omitempty"`

	CostCode    string `json:"costcode,omitempty"`
	Status      string `json:"status,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
	Origin      int64  `json:"origin,omitempty"`

	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Balance is a party's position in one currency, in minor units.
type Balance struct {
	Balance  int64 `json:"balance"`
	Incoming int64 `json:"incoming"`
	Outgoing int64 `json:"outgoing"`
}

// Filter narrows States and Balance. Zero fields are not sent.
type Filter struct {
	Kind     string
	Currency string
	Since    time.Time
	Until    time.Time
}

func (f Filter) values() url.Values {
	q := url.Values{}
	if f.Kind != "" {
		q.Set("kind", f.Kind)
	}
	if f.Currency != "" {
		q.Set("currency", f.Currency)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.UTC().Format(time.RFC3339))
	}
	return q
}

// Client talks to one ledgerd instance.
type Client struct {
	base       string
	httpClient *http.Client
	cache      *verifyCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL caches successful Verify results per context for ttl.
// Failed checks are never cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive, got %v", ttl)
		}
		c.cache = newVerifyCache(ttl)
		return nil
	}
}

// New creates a Client for the ledgerd at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledgerd base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/") + "/api/v1/ledger",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Chains lists every chain of contextKey, retired ones included.
func (c *Client) Chains(ctx context.Context, contextKey string) ([]Chain, error) {
	var resp struct {
		Chains []Chain `json:"chains"`
	}
	if err := c.get(ctx, "/chains/"+url.PathEscape(contextKey), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chains, nil
}

// Verify runs the server-side integrity check of contextKey.
func (c *Client) Verify(ctx context.Context, contextKey string) (*VerifyResult, error) {
	if c.cache != nil {
		if r, ok := c.cache.get(contextKey); ok {
			return r, nil
		}
	}
	var r VerifyResult
	if err := c.get(ctx, "/chains/"+url.PathEscape(contextKey)+"/verify", nil, &r); err != nil {
		return nil, err
	}
	if c.cache != nil && r.Valid {
		c.cache.set(contextKey, &r)
	}
	return &r, nil
}

// States returns the states recorded on contextKey's chains.
func (c *Client) States(ctx context.Context, contextKey string, f Filter) ([]State, error) {
	var resp struct {
		States []State `json:"states"`
	}
	if err := c.get(ctx, "/chains/"+url.PathEscape(contextKey)+"/states", f.values(), &resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}

// Balance returns party's balance per currency. Filter.Kind is ignored.
func (c *Client) Balance(ctx context.Context, party string, f Filter) (map[string]Balance, error) {
	f.Kind = ""
	var resp struct {
		Balances map[string]Balance `json:"balances"`
	}
	if err := c.get(ctx, "/balance/"+url.PathEscape(party), f.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Balances, nil
}

// Decision returns the entity that decided cost request requestID, or
// ErrNotFound while the request is pending.
func (c *Client) Decision(ctx context.Context, requestID int64) (*State, error) {
	var s State
	if err := c.get(ctx, "/requests/"+strconv.FormatInt(requestID, 10)+"/decision", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

// --- simple in-memory verify cache ---

type cacheEntry struct {
	result    *VerifyResult
	expiresAt time.Time
}

type verifyCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newVerifyCache(ttl time.Duration) *verifyCache {
	return &verifyCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (vc *verifyCache) get(key string) (*VerifyResult, bool) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	e, ok := vc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.result, true
}

func (vc *verifyCache) set(key string, result *VerifyResult) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.entries[key] = &cacheEntry{result: result, expiresAt: time.Now().Add(vc.ttl)}
}
