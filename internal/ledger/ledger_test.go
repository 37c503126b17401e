package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/stateledger/internal/approval"
	"github.com/jmerrifield20/stateledger/internal/ledger"
	"github.com/jmerrifield20/stateledger/internal/statechain"
	"github.com/jmerrifield20/stateledger/internal/statekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ctx = context.Background()

// tamperStore rewrites entities on the way out of storage, standing in for a
// direct edit of the stored row.
type tamperStore struct {
	*statechain.MemoryStore
	mu    sync.Mutex
	edits map[string]func(statechain.Entity)
}

func (s *tamperStore) Get(ctx context.Context, kind statechain.Kind, id int64) (statechain.Entity, error) {
	e, err := s.MemoryStore.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	edit := s.edits[fmt.Sprintf("%s:%d", kind, id)]
	s.mu.Unlock()
	if edit != nil {
		edit(e)
	}
	return e, nil
}

func (s *tamperStore) tamper(kind statechain.Kind, id int64, edit func(statechain.Entity)) {
	s.mu.Lock()
	s.edits[fmt.Sprintf("%s:%d", kind, id)] = edit
	s.mu.Unlock()
}

type fixture struct {
	svc    *ledger.Service
	store  *tamperStore
	keys   *statekeys.Registry
	chains *statechain.Chains
}

type options struct {
	threshold int
	tokenTTL  time.Duration
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	store := &tamperStore{MemoryStore: statechain.NewMemoryStore(), edits: make(map[string]func(statechain.Entity))}
	keys := statekeys.NewRegistry(statekeys.NewMemoryRepository(), zap.NewNop())
	signer := statechain.NewSigner(keys, store, zap.NewNop())
	chains := statechain.NewChains(store, store, signer, statechain.Options{
		RetirementThreshold: opts.threshold,
		OnRetire:            ledger.RecordRetirement,
	}, zap.NewNop())
	tokens, err := approval.NewIssuer([]byte("test-secret"), "stateledger-test", opts.tokenTTL)
	require.NoError(t, err)

	var ticks atomic.Int64
	epoch := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		return epoch.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}

	svc := ledger.NewService(keys, chains, tokens, ledger.Config{Clock: clock}, zap.NewNop())
	return &fixture{svc: svc, store: store, keys: keys, chains: chains}
}

func (f *fixture) parties(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		_, err := f.svc.RegisterParty(ctx, n)
		require.NoError(t, err)
	}
}

func (f *fixture) isValid(t *testing.T, kind statechain.Kind, id int64) bool {
	t.Helper()
	e, err := f.store.Get(ctx, kind, id)
	require.NoError(t, err)
	ok, err := f.chains.Signer().IsValid(ctx, e, nil)
	require.NoError(t, err)
	return ok
}

func TestInvoice_endToEnd(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "STATION-1", "STATION-2")

	code, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "STATION-1", To: "STATION-2", Amount: 500, Currency: "USD"})
	require.NoError(t, err)
	assert.NotZero(t, code.ID)
	assert.Zero(t, code.Previous, "first entity hashes from an empty previous")
	assert.NotZero(t, code.StateKeyID)
	assert.NotEmpty(t, code.Signature)

	key, err := f.keys.Find(ctx, string(statechain.KindCostCode), code.ID)
	require.NoError(t, err)
	assert.Equal(t, key.ID, code.StateKeyID)

	chains, err := f.svc.VerifyChain(ctx, "STATION-1|STATION-2")
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, statechain.KindCostCode, chains[0].Kind)
	require.Len(t, chains[0].Blocks, 1)
	assert.Equal(t, code.ID, chains[0].Blocks[0].TargetID)

	ok, err := f.chains.ValidateAllStates(ctx, chains[0])
	require.NoError(t, err)
	assert.True(t, ok)

	f.store.tamper(statechain.KindCostCode, code.ID, func(e statechain.Entity) {
		e.(*statechain.CostCode).Amount = 5000
	})
	assert.False(t, f.isValid(t, statechain.KindCostCode, code.ID))

	_, err = f.svc.VerifyChain(ctx, "STATION-1|STATION-2")
	assert.ErrorIs(t, err, statechain.ErrHackingAttempt)
}

func TestInvoice_validation(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "A", "B")

	tests := []struct {
		name string
		d    ledger.InvoiceDetails
	}{
		{"missing from", ledger.InvoiceDetails{To: "B", Amount: 1}},
		{"missing to", ledger.InvoiceDetails{From: "A", Amount: 1}},
		{"zero amount", ledger.InvoiceDetails{From: "A", To: "B"}},
		{"negative amount", ledger.InvoiceDetails{From: "A", To: "B", Amount: -5}},
		{"same party", ledger.InvoiceDetails{From: "A", To: "A", Amount: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Invoice(ctx, tt.d)
			var ve *ledger.ValidationError
			assert.True(t, errors.As(err, &ve), "got %v", err)
		})
	}
}

func TestInvoice_unknownParty(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "A")

	_, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "NOBODY", Amount: 10})
	assert.ErrorIs(t, err, ledger.ErrNotACostCodeTransaction)

	_, err = f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "NOBODY", To: "A", Amount: 10})
	assert.ErrorIs(t, err, ledger.ErrNotACostCodeTransaction)
}

func TestInvoice_partyByPublicKey(t *testing.T) {
	f := newFixture(t, options{})
	a, err := f.svc.RegisterParty(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, a.PrivateKey)
	f.parties(t, "B")

	code, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: a.PublicKey, To: "B", Amount: 10, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "A", code.From)
	assert.Equal(t, "USD", code.Currency)
}

func TestInvoice_defaultCurrency(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "A", "B")
	code, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "B", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultCurrency, code.Currency)
}

func TestInvoice_tamperInvalidatesLaterStates(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "A", "B")

	var codes []*statechain.CostCode
	for i := 1; i <= 5; i++ {
		c, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "B", Amount: int64(i * 10)})
		require.NoError(t, err)
		if len(codes) > 0 {
			require.Equal(t, codes[len(codes)-1].ID, c.Previous)
		}
		codes = append(codes, c)
	}
	for _, c := range codes {
		require.True(t, f.isValid(t, statechain.KindCostCode, c.ID))
	}

	f.store.tamper(statechain.KindCostCode, codes[2].ID, func(e statechain.Entity) {
		e.(*statechain.CostCode).To = "C"
	})
	for i, c := range codes {
		assert.Equal(t, i < 2, f.isValid(t, statechain.KindCostCode, c.ID), "entity %d", i)
	}

	_, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "B", Amount: 1})
	assert.ErrorIs(t, err, statechain.ErrHackingAttempt, "appending after a tampered last state")
}

func TestInvoice_concurrentNeverForks(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "A", "B")
	first, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "B", Amount: 1})
	require.NoError(t, err)

	results := make([]*statechain.CostCode, 2)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			c, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "B", Amount: int64(100 + i)})
			results[i] = c
			return err
		})
	}
	require.NoError(t, g.Wait())

	linkedToFirst := 0
	for _, c := range results {
		if c.Previous == first.ID {
			linkedToFirst++
		}
	}
	assert.Equal(t, 1, linkedToFirst, "exactly one append may link to the shared last state")
	assert.NotEqual(t, results[0].Previous, results[1].Previous)

	chains, err := f.svc.VerifyChain(ctx, ledger.ContextKey("A", "B"))
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Len(t, chains[0].Blocks, 3)
}

func TestVerifyChain_acrossRetirement(t *testing.T) {
	f := newFixture(t, options{threshold: 3})
	f.parties(t, "A", "B")
	for i := 0; i < 6; i++ {
		_, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "B", Amount: 1})
		require.NoError(t, err)
	}

	chains, err := f.svc.VerifyChain(ctx, "A|B")
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.True(t, chains[0].Retired)
	assert.Len(t, chains[0].Blocks, 4)
	assert.Len(t, chains[1].Blocks, 2)

	states, err := f.svc.States(ctx, "A|B", statechain.KindCostCode, statechain.Filter{})
	require.NoError(t, err)
	assert.Len(t, states, 6)
}

func TestGetBalance(t *testing.T) {
	entities := []*statechain.CostCode{
		{From: "A", To: "B", Amount: 100, Currency: "USD"},
		{From: "B", To: "A", Amount: 30, Currency: "USD"},
	}

	assert.Equal(t, map[string]ledger.Balance{
		"USD": {Balance: 70, Outgoing: 100, Incoming: 30},
	}, ledger.GetBalance("A", entities))

	assert.Equal(t, map[string]ledger.Balance{
		"USD": {Balance: -70, Outgoing: 30, Incoming: 100},
	}, ledger.GetBalance("B", entities))

	assert.Empty(t, ledger.GetBalance("C", entities))
}

func TestBalance(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "A", "B", "C")

	for _, d := range []ledger.InvoiceDetails{
		{From: "A", To: "B", Amount: 100, Currency: "USD"},
		{From: "B", To: "A", Amount: 30, Currency: "USD"},
		{From: "A", To: "C", Amount: 10, Currency: "EUR"},
		{From: "B", To: "C", Amount: 999, Currency: "USD"},
	} {
		_, err := f.svc.Invoice(ctx, d)
		require.NoError(t, err)
	}

	got, err := f.svc.Balance(ctx, "A", statechain.Filter{})
	require.NoError(t, err)
	assert.Equal(t, map[string]ledger.Balance{
		"USD": {Balance: 70, Outgoing: 100, Incoming: 30},
		"EUR": {Balance: 10, Outgoing: 10},
	}, got)

	usd, err := f.svc.Balance(ctx, "A", statechain.Filter{Currency: "USD"})
	require.NoError(t, err)
	assert.Len(t, usd, 1)

	_, err = f.svc.Balance(ctx, "NOBODY", statechain.Filter{})
	assert.ErrorIs(t, err, ledger.ErrNotACostCodeTransaction)
}

func TestRequestCost(t *testing.T) {
	f := newFixture(t, options{})

	r, err := f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", RequestedBy: "alice", Amount: 250})
	require.NoError(t, err)
	assert.Equal(t, statechain.StatusPending, r.Status)
	assert.Zero(t, r.Origin)
	assert.True(t, f.isValid(t, statechain.KindCostRequest, r.ID))

	_, err = f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", Amount: 250})
	var ve *ledger.ValidationError
	assert.True(t, errors.As(err, &ve))
}

type recordingHooks struct {
	approved, rejected []int64
	fail               error
}

func (h *recordingHooks) OnApproved(_ context.Context, d *statechain.CostRequest) error {
	h.approved = append(h.approved, d.Origin)
	return h.fail
}

func (h *recordingHooks) OnRejected(_ context.Context, d *statechain.CostRequest) error {
	h.rejected = append(h.rejected, d.Origin)
	return h.fail
}

func TestSetApproval(t *testing.T) {
	f := newFixture(t, options{})
	r, err := f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", RequestedBy: "alice", Amount: 250})
	require.NoError(t, err)

	hooks := &recordingHooks{}
	d, err := f.svc.SetApproval(ctx, statechain.StatusApproved, r, hooks)
	require.NoError(t, err)
	assert.Equal(t, statechain.StatusApproved, d.Status)
	assert.Equal(t, r.ID, d.Origin)
	assert.Equal(t, r.ID, d.Previous)
	assert.Equal(t, r.Amount, d.Amount)
	assert.NotEqual(t, r.ID, d.ID)
	assert.Equal(t, []int64{r.ID}, hooks.approved)
	assert.Empty(t, hooks.rejected)

	stored, err := f.store.Get(ctx, statechain.KindCostRequest, r.ID)
	require.NoError(t, err)
	assert.Equal(t, statechain.StatusPending, stored.(*statechain.CostRequest).Status, "the request itself never changes")

	got, err := f.svc.Decision(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)

	_, err = f.svc.SetApproval(ctx, statechain.StatusRejected, r, hooks)
	var ve *ledger.ValidationError
	assert.True(t, errors.As(err, &ve), "deciding twice: %v", err)

	_, err = f.svc.SetApproval(ctx, statechain.StatusApproved, d, hooks)
	assert.True(t, errors.As(err, &ve), "deciding a decision: %v", err)
}

func TestSetApproval_hookFailureIsNotPropagated(t *testing.T) {
	f := newFixture(t, options{})
	r, err := f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", RequestedBy: "alice", Amount: 250})
	require.NoError(t, err)

	hooks := &recordingHooks{fail: errors.New("downstream unavailable")}
	d, err := f.svc.SetApproval(ctx, statechain.StatusRejected, r, hooks)
	require.NoError(t, err)
	assert.Equal(t, statechain.StatusRejected, d.Status)
	assert.Equal(t, []int64{r.ID}, hooks.rejected)
}

func TestSetApproval_invalidStatus(t *testing.T) {
	f := newFixture(t, options{})
	r, err := f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", RequestedBy: "alice", Amount: 250})
	require.NoError(t, err)

	_, err = f.svc.SetApproval(ctx, statechain.StatusPending, r, nil)
	var ve *ledger.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestApprovalToken_reissueSupersedes(t *testing.T) {
	f := newFixture(t, options{})
	r, err := f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", RequestedBy: "alice", Amount: 250})
	require.NoError(t, err)

	first, err := f.svc.IssueApprovalToken(ctx, r)
	require.NoError(t, err)
	e, err := f.svc.VerifyApprovalToken(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, r.ID, e.Head().ID)

	second, err := f.svc.IssueApprovalToken(ctx, r)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	assert.Equal(t, second, r.RequestSignature)

	_, err = f.svc.VerifyApprovalToken(ctx, first)
	assert.ErrorIs(t, err, ledger.ErrApprovalTokenNotVerified)

	e, err = f.svc.VerifyApprovalToken(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, r.ID, e.Head().ID)
	assert.Equal(t, approval.DefaultTTL, f.svc.TokenTTL())

	assert.True(t, f.isValid(t, statechain.KindCostRequest, r.ID), "tokens are not hash material")
}

func TestIssueApprovalToken_noKey(t *testing.T) {
	f := newFixture(t, options{})
	orphan := &statechain.CostRequest{CostCode: "OPS-7"}
	orphan.ID = 42

	_, err := f.svc.IssueApprovalToken(ctx, orphan)
	assert.ErrorIs(t, err, ledger.ErrTokenIssueFailure)
}

func TestVerifyApprovalToken_expired(t *testing.T) {
	f := newFixture(t, options{tokenTTL: time.Nanosecond})
	r, err := f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", RequestedBy: "alice", Amount: 250})
	require.NoError(t, err)
	token, err := f.svc.IssueApprovalToken(ctx, r)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	_, err = f.svc.VerifyApprovalToken(ctx, token)
	assert.ErrorIs(t, err, ledger.ErrTokenExpired)
}

func TestVerifyApprovalToken_garbage(t *testing.T) {
	f := newFixture(t, options{})
	_, err := f.svc.VerifyApprovalToken(ctx, "not-a-token")
	assert.ErrorIs(t, err, ledger.ErrApprovalTokenNotVerified)
}

func TestApproveWithToken(t *testing.T) {
	f := newFixture(t, options{})
	r, err := f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", RequestedBy: "alice", Amount: 250})
	require.NoError(t, err)
	token, err := f.svc.IssueApprovalToken(ctx, r)
	require.NoError(t, err)

	var approved int
	hooks := ledger.HookFuncs{Approved: func(context.Context, *statechain.CostRequest) error {
		approved++
		return nil
	}}
	d, err := f.svc.ApproveWithToken(ctx, token, statechain.StatusApproved, hooks)
	require.NoError(t, err)
	assert.Equal(t, r.ID, d.Origin)
	assert.Equal(t, 1, approved)

	_, err = f.svc.ApproveWithToken(ctx, token, statechain.StatusApproved, hooks)
	assert.ErrorIs(t, err, ledger.ErrApprovalTokenNotVerified, "tokens are consumed by use")
}

func TestRegisterParty_duplicate(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "A")
	_, err := f.svc.RegisterParty(ctx, "A")
	var ve *ledger.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestVerifyAll(t *testing.T) {
	f := newFixture(t, options{})
	f.parties(t, "A", "B", "C")
	ab, err := f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "B", Amount: 5})
	require.NoError(t, err)
	_, err = f.svc.Invoice(ctx, ledger.InvoiceDetails{From: "A", To: "C", Amount: 5})
	require.NoError(t, err)
	_, err = f.svc.RequestCost(ctx, ledger.RequestDetails{CostCode: "OPS-7", RequestedBy: "alice", Amount: 1})
	require.NoError(t, err)

	f.store.tamper(statechain.KindCostCode, ab.ID, func(e statechain.Entity) {
		e.(*statechain.CostCode).Amount = 6
	})

	reports, err := f.svc.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	got := make(map[string]bool)
	for _, r := range reports {
		got[r.Context] = r.Valid
		if r.Context == "A|B" {
			assert.Equal(t, 1, r.Chains, "failed context keeps its chain count")
			assert.Equal(t, 1, r.Blocks, "failed context keeps its block count")
		}
	}
	assert.Equal(t, map[string]bool{"A|B": false, "A|C": true, "OPS-7": true}, got)
}
