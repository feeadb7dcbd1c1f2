package randomness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/alert"
	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/store"
	"github.com/0gfoundation/0g-raffle/internal/store/storetest"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeLedger struct {
	mu    sync.Mutex
	calls []snowflake.ID
	err   error
}

func (f *fakeLedger) SubmitRandomnessRequest(_ context.Context, id snowflake.ID) (chain.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.err != nil {
		return chain.PendingTx{}, f.err
	}
	return chain.PendingTx{Hash: "0xfeed", Op: chain.OpRandomness, RaffleID: id}, nil
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAlerts struct {
	mu     sync.Mutex
	raised []alert.Alert
}

func (f *fakeAlerts) Raise(_ context.Context, a alert.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, a)
}

// ── helpers ───────────────────────────────────────────────────────────────────

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Bridge, *store.Store, *fakeLedger, *fakeAlerts, *clock.FakeClock) {
	t.Helper()
	st := storetest.New(t)
	ledger := &fakeLedger{}
	alerts := &fakeAlerts{}
	clk := clock.NewFakeClock(start)
	b := NewBridge(st, ledger, alerts, nil, clk, 10*time.Minute, 3, zap.NewNop())
	return b, st, ledger, alerts, clk
}

func seedRequested(t *testing.T, st *store.Store, id snowflake.ID) {
	t.Helper()
	ctx := context.Background()
	r := &raffle.Raffle{ID: id, ItemRef: "item", TotalBoxes: 2, BoxPrice: 10, TotalWinners: 1,
		CreditScope: raffle.ScopeGeneral, BoxesSold: 2, Status: raffle.StatusRandomRequested, CreatedAt: start}
	if err := st.CreateRaffle(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertRandomnessRequest(ctx, &raffle.RandomnessRequest{RaffleID: id, RequestID: id + 1000, RequestedAt: start}); err != nil {
		t.Fatal(err)
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

func TestSubmit_OncePerRaffle(t *testing.T) {
	b, st, ledger, _, _ := setup(t)
	seedRequested(t, st, 1)
	ctx := context.Background()

	if err := b.Submit(ctx, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := b.Submit(ctx, 1); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if ledger.count() != 1 {
		t.Fatalf("expected exactly one submission, got %d", ledger.count())
	}

	req, _ := st.RandomnessRequest(ctx, 1)
	if req.Attempts != 1 || req.LastTxHash != "0xfeed" {
		t.Errorf("request not updated: %+v", req)
	}
}

func TestSubmit_ConcurrentCallersSubmitOnce(t *testing.T) {
	b, st, ledger, _, _ := setup(t)
	seedRequested(t, st, 1)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Submit(context.Background(), 1); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if ledger.count() != 1 {
		t.Fatalf("expected one submission, got %d", ledger.count())
	}
}

func TestSubmit_FulfilledIsNoop(t *testing.T) {
	b, st, ledger, _, _ := setup(t)
	seedRequested(t, st, 1)
	ctx := context.Background()
	if _, err := st.FulfillRandomness(ctx, 1, "42", start); err != nil {
		t.Fatal(err)
	}
	if err := b.Submit(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if ledger.count() != 0 {
		t.Fatal("fulfilled request must not be submitted")
	}
}

func TestSubmit_LedgerErrorSurfaces(t *testing.T) {
	b, st, ledger, _, _ := setup(t)
	seedRequested(t, st, 1)
	ledger.err = errors.New("rpc down")

	if err := b.Submit(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
}

// ── watchdog ──────────────────────────────────────────────────────────────────

func TestCheckOverdue_ResubmitsThenAlertsOnce(t *testing.T) {
	b, st, ledger, alerts, clk := setup(t)
	seedRequested(t, st, 1)
	ctx := context.Background()

	// Never submitted: the first pass submits without waiting.
	if err := b.CheckOverdue(ctx); err != nil {
		t.Fatal(err)
	}
	if ledger.count() != 1 {
		t.Fatalf("expected initial submission, got %d", ledger.count())
	}

	// Within the timeout nothing happens.
	clk.Advance(5 * time.Minute)
	_ = b.CheckOverdue(ctx)
	if ledger.count() != 1 {
		t.Fatalf("resubmitted too early: %d", ledger.count())
	}

	// Two overdue passes use attempts 2 and 3.
	for want := 2; want <= 3; want++ {
		clk.Advance(11 * time.Minute)
		if err := b.CheckOverdue(ctx); err != nil {
			t.Fatal(err)
		}
		if ledger.count() != want {
			t.Fatalf("expected %d submissions, got %d", want, ledger.count())
		}
	}

	// Out of attempts: alert, once, and the raffle stays RANDOM_REQUESTED.
	for i := 0; i < 2; i++ {
		clk.Advance(11 * time.Minute)
		if err := b.CheckOverdue(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if ledger.count() != 3 {
		t.Errorf("attempts exceeded: %d", ledger.count())
	}
	if len(alerts.raised) != 1 || alerts.raised[0].Kind != alert.KindLiveness {
		t.Fatalf("expected one liveness alert, got %+v", alerts.raised)
	}
	r, _ := st.Raffle(ctx, 1)
	if r.Status != raffle.StatusRandomRequested {
		t.Errorf("status: got %s", r.Status)
	}
}

func TestCheckOverdue_SkipsHaltedRaffles(t *testing.T) {
	b, st, ledger, _, _ := setup(t)
	seedRequested(t, st, 1)
	ctx := context.Background()
	if err := st.Halt(ctx, 1, "integrity", start); err != nil {
		t.Fatal(err)
	}
	if err := b.CheckOverdue(ctx); err != nil {
		t.Fatal(err)
	}
	if ledger.count() != 0 {
		t.Fatal("halted raffle must not be submitted")
	}
}
