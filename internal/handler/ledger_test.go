package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/stateledger/internal/approval"
	"github.com/jmerrifield20/stateledger/internal/handler"
	"github.com/jmerrifield20/stateledger/internal/ledger"
	"github.com/jmerrifield20/stateledger/internal/statechain"
	"github.com/jmerrifield20/stateledger/internal/statekeys"
	"go.uber.org/zap"
)

// editingStore lets a test rewrite one stored cost code on read.
type editingStore struct {
	*statechain.MemoryStore
	mu   sync.Mutex
	edit map[int64]int64
}

func (s *editingStore) Get(ctx context.Context, kind statechain.Kind, id int64) (statechain.Entity, error) {
	e, err := s.MemoryStore.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount, ok := s.edit[id]; ok && kind == statechain.KindCostCode {
		e.(*statechain.CostCode).Amount = amount
	}
	return e, nil
}

type testEnv struct {
	router *gin.Engine
	svc    *ledger.Service
	store  *editingStore
}

func setupLedgerRouter(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := &editingStore{MemoryStore: statechain.NewMemoryStore(), edit: make(map[int64]int64)}
	keys := statekeys.NewRegistry(statekeys.NewMemoryRepository(), zap.NewNop())
	signer := statechain.NewSigner(keys, store, zap.NewNop())
	chains := statechain.NewChains(store, store, signer, statechain.Options{}, zap.NewNop())
	tokens, err := approval.NewIssuer([]byte("test-secret"), "stateledger-test", 0)
	if err != nil {
		t.Fatal(err)
	}
	svc := ledger.NewService(keys, chains, tokens, ledger.Config{}, zap.NewNop())

	for _, p := range []string{"STATION-1", "STATION-2"} {
		if _, err := svc.RegisterParty(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, d := range []ledger.InvoiceDetails{
		{From: "STATION-1", To: "STATION-2", Amount: 500, Currency: "USD"},
		{From: "STATION-1", To: "STATION-2", Amount: 120, Currency: "USD"},
	} {
		if _, err := svc.Invoice(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := handler.NewLedgerHandler(svc, zap.NewNop())
	v1 := r.Group("/api/v1")
	h.Register(v1)
	return &testEnv{router: r, svc: svc, store: store}
}

func (e *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v (%s)", path, err, w.Body.String())
	}
	return w, resp
}

var stationContext = "/api/v1/ledger/chains/" + url.PathEscape("STATION-1|STATION-2")

func TestListChains_200(t *testing.T) {
	env := setupLedgerRouter(t)

	w, resp := env.get(t, stationContext)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	chains := resp["chains"].([]any)
	if len(chains) != 1 {
		t.Fatalf("expected 1 chain, got %d", len(chains))
	}
	if blocks := int(chains[0].(map[string]any)["blocks"].(float64)); blocks != 2 {
		t.Errorf("expected 2 blocks, got %d", blocks)
	}
}

func TestListChains_unknownContext(t *testing.T) {
	env := setupLedgerRouter(t)

	w, resp := env.get(t, "/api/v1/ledger/chains/nowhere")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if chains := resp["chains"].([]any); len(chains) != 0 {
		t.Errorf("expected no chains, got %d", len(chains))
	}
}

func TestVerify_valid(t *testing.T) {
	env := setupLedgerRouter(t)

	w, resp := env.get(t, stationContext+"/verify")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["valid"] != true {
		t.Errorf("expected valid=true, got %v", resp["valid"])
	}
}

func TestVerify_tamperedIsOpaque(t *testing.T) {
	env := setupLedgerRouter(t)
	env.store.mu.Lock()
	env.store.edit[1] = 1
	env.store.mu.Unlock()

	w, resp := env.get(t, stationContext+"/verify")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["valid"] != false {
		t.Errorf("expected valid=false, got %v", resp["valid"])
	}
	if resp["error"] != "ledger error" {
		t.Errorf("expected opaque error, got %v", resp["error"])
	}
}

func TestStates_200(t *testing.T) {
	env := setupLedgerRouter(t)

	w, resp := env.get(t, stationContext+"/states?currency=USD")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	states := resp["states"].([]any)
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	first := states[0].(map[string]any)
	if first["amount"].(float64) != 500 {
		t.Errorf("expected first amount 500, got %v", first["amount"])
	}
	if _, leaked := first["RequestSignature"]; leaked {
		t.Error("request signature must not be serialised")
	}
}

func TestStates_badKind(t *testing.T) {
	env := setupLedgerRouter(t)
	w, _ := env.get(t, stationContext+"/states?kind=invoice")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStates_badSince(t *testing.T) {
	env := setupLedgerRouter(t)
	w, _ := env.get(t, stationContext+"/states?since=yesterday")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestBalance_200(t *testing.T) {
	env := setupLedgerRouter(t)

	w, resp := env.get(t, "/api/v1/ledger/balance/STATION-2")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	usd := resp["balances"].(map[string]any)["USD"].(map[string]any)
	if usd["incoming"].(float64) != 620 || usd["balance"].(float64) != -620 {
		t.Errorf("unexpected USD balance: %v", usd)
	}
}

func TestBalance_unknownParty(t *testing.T) {
	env := setupLedgerRouter(t)
	w, _ := env.get(t, "/api/v1/ledger/balance/NOBODY")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDecision(t *testing.T) {
	env := setupLedgerRouter(t)
	ctx := context.Background()

	r, err := env.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-1", RequestedBy: "alice", Amount: 10})
	if err != nil {
		t.Fatal(err)
	}
	path := "/api/v1/ledger/requests/" + strconv.FormatInt(r.ID, 10) + "/decision"

	if w, _ := env.get(t, path); w.Code != http.StatusNotFound {
		t.Fatalf("pending request: expected 404, got %d", w.Code)
	}

	if _, err := env.svc.SetApproval(ctx, statechain.StatusApproved, r, nil); err != nil {
		t.Fatal(err)
	}
	w, resp := env.get(t, path)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["status"] != string(statechain.StatusApproved) {
		t.Errorf("status: got %v", resp["status"])
	}

	if w, _ := env.get(t, "/api/v1/ledger/requests/abc/decision"); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 1))
	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("expected [200 429], got %v", codes)
	}
}
