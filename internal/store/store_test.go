package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/store"
	"github.com/0gfoundation/0g-raffle/internal/store/storetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedRaffle(t *testing.T, s *store.Store, id snowflake.ID, total uint32) *raffle.Raffle {
	t.Helper()
	r := &raffle.Raffle{
		ID:           id,
		ItemRef:      "item-1",
		TotalBoxes:   total,
		BoxPrice:     10,
		TotalWinners: 1,
		CreditScope:  raffle.ScopeGeneral,
		Status:       raffle.StatusOpen,
		CreatedAt:    t0,
	}
	require.NoError(t, s.CreateRaffle(context.Background(), r))
	return r
}

func TestRaffle_NotFound(t *testing.T) {
	s := storetest.New(t)
	_, err := s.Raffle(context.Background(), 42)
	require.True(t, errors.Is(err, raffle.ErrNotFound))
}

func TestTransition_CompareAndSet(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 2)

	ok, err := s.Transition(ctx, 1, []raffle.Status{raffle.StatusOpen}, raffle.StatusFull, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Transition(ctx, 1, []raffle.Status{raffle.StatusOpen}, raffle.StatusFull, nil)
	require.NoError(t, err)
	require.False(t, ok, "second OPEN->FULL must lose")

	r, err := s.Raffle(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, raffle.StatusFull, r.Status)
}

func TestTransition_ConcurrentSingleWinner(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 2)
	_, err := s.Transition(ctx, 1, []raffle.Status{raffle.StatusOpen}, raffle.StatusFull, nil)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, 1, []raffle.Status{raffle.StatusFull}, raffle.StatusRandomRequested, nil)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestInsertBox_Dedup(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 3)

	b := &raffle.BoxOwnership{RaffleID: 1, BoxNumber: 0, OwnerUserID: "A", PurchaseLedgerRef: "0xaa:0", PurchasedAt: t0}
	ok, err := s.InsertBox(ctx, b)
	require.NoError(t, err)
	require.True(t, ok)

	again := &raffle.BoxOwnership{RaffleID: 1, BoxNumber: 0, OwnerUserID: "A", PurchaseLedgerRef: "0xaa:0", PurchasedAt: t0}
	ok, err = s.InsertBox(ctx, again)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := s.CountBoxes(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := s.Box(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, "A", got.OwnerUserID)

	missing, err := s.Box(ctx, 1, 2)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestIncrementSold_GuardsExpectedValue(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 3)

	ok, err := s.IncrementSold(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.IncrementSold(ctx, 1, 0)
	require.NoError(t, err)
	require.False(t, ok)

	r, err := s.Raffle(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, r.BoxesSold)
}

func TestWithTx_RollsBack(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 3)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.IncrementSold(ctx, 1, 0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	r, err := s.Raffle(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, r.BoxesSold)
}

func TestHaltAndClear(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 3)

	require.NoError(t, s.Halt(ctx, 1, "first", t0))
	require.NoError(t, s.Halt(ctx, 1, "second", t0.Add(time.Minute)))

	r, err := s.Raffle(ctx, 1)
	require.NoError(t, err)
	require.True(t, r.Halted())
	require.Equal(t, "first", r.HaltReason)

	halted, err := s.Halted(ctx)
	require.NoError(t, err)
	require.Len(t, halted, 1)

	ok, err := s.ClearHalt(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClearHalt(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkSettled_Once(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 1)
	_, err := s.Transition(ctx, 1, []raffle.Status{raffle.StatusOpen}, raffle.StatusCancelled, nil)
	require.NoError(t, err)

	pending, err := s.UnsettledTerminal(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := s.MarkSettled(ctx, 1, t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkSettled(ctx, 1, t0)
	require.NoError(t, err)
	require.False(t, ok)

	pending, err = s.UnsettledTerminal(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRandomnessRequest_ClaimAndFulfill(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 1)

	req := &raffle.RandomnessRequest{RaffleID: 1, RequestID: 100, RequestedAt: t0}
	ok, err := s.InsertRandomnessRequest(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.InsertRandomnessRequest(ctx, &raffle.RandomnessRequest{RaffleID: 1, RequestID: 101, RequestedAt: t0})
	require.NoError(t, err)
	require.False(t, ok, "one request per raffle")

	ok, err = s.ClaimAttempt(ctx, 1, 0, t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimAttempt(ctx, 1, 0, t0)
	require.NoError(t, err)
	require.False(t, ok, "attempt 1 already claimed")

	require.NoError(t, s.RecordAttemptTx(ctx, 1, "0xdead"))

	active, err := s.ActiveRequests(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, 1, active[0].Attempts)
	require.Equal(t, "0xdead", active[0].LastTxHash)

	ok, err = s.FulfillRandomness(ctx, 1, "12345", t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.FulfillRandomness(ctx, 1, "999", t0)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.RandomnessRequest(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "12345", got.ResultSeed)
	require.False(t, got.Active())
}

func TestRandomnessRequest_CancelClosesRequest(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedRaffle(t, s, 1, 1)
	seedRaffle(t, s, 2, 1)

	for _, id := range []snowflake.ID{1, 2} {
		ok, err := s.InsertRandomnessRequest(ctx, &raffle.RandomnessRequest{RaffleID: id, RequestID: 100 + id, RequestedAt: t0})
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := s.FulfillRandomness(ctx, 2, "12345", t0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CancelRandomness(ctx, 1, t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CancelRandomness(ctx, 1, t0)
	require.NoError(t, err)
	require.False(t, ok, "already cancelled")
	ok, err = s.CancelRandomness(ctx, 2, t0)
	require.NoError(t, err)
	require.False(t, ok, "fulfilled request cannot be cancelled")

	ok, err = s.FulfillRandomness(ctx, 1, "999", t0)
	require.NoError(t, err)
	require.False(t, ok, "cancelled request cannot be fulfilled")
	ok, err = s.ClaimAttempt(ctx, 1, 0, t0)
	require.NoError(t, err)
	require.False(t, ok, "cancelled request takes no attempts")

	active, err := s.ActiveRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	got, err := s.RandomnessRequest(ctx, 1)
	require.NoError(t, err)
	require.False(t, got.Active())
	require.NotNil(t, got.CancelledAt)
	require.Empty(t, got.ResultSeed)
}

func TestCursor_NeverMovesBack(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	_, ok, err := s.Cursor(ctx, "raffle")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveCursor(ctx, "raffle", 100, t0))
	require.NoError(t, s.SaveCursor(ctx, "raffle", 50, t0))
	block, ok, err := s.Cursor(ctx, "raffle")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 100, block)

	require.NoError(t, s.SaveCursor(ctx, "raffle", 150, t0))
	block, _, err = s.Cursor(ctx, "raffle")
	require.NoError(t, err)
	require.EqualValues(t, 150, block)
}

func TestLedgerEvents_ParkAndRelease(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	ev := &raffle.LedgerEvent{Ref: "0xab:1", RaffleID: 1, Kind: "BoxPurchased", BlockNumber: 7, Outcome: raffle.OutcomeParked, ProcessedAt: t0}
	ok, err := s.RecordEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.RecordEvent(ctx, &raffle.LedgerEvent{Ref: "0xab:1", Kind: "BoxPurchased", Outcome: raffle.OutcomeApplied, ProcessedAt: t0})
	require.NoError(t, err)
	require.False(t, ok)

	parked, err := s.ParkedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)

	ok, err = s.ReleaseParked(ctx, "0xab:1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Event(ctx, "0xab:1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCredits_SettlementUniqueness(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	rid := snowflake.ID(9)

	first := &raffle.CreditEntry{ID: 1, UserID: "A", Amount: 10, Source: raffle.SourceLossRecovery, Scope: raffle.ScopeGeneral, RaffleID: &rid, CreatedAt: t0}
	ok, err := s.InsertCredit(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	dup := &raffle.CreditEntry{ID: 2, UserID: "A", Amount: 10, Source: raffle.SourceLossRecovery, Scope: raffle.ScopeGeneral, RaffleID: &rid, CreatedAt: t0}
	ok, err = s.InsertCredit(ctx, dup)
	require.NoError(t, err)
	require.False(t, ok)

	// Entries without a raffle never collide.
	for id := snowflake.ID(3); id < 5; id++ {
		ok, err = s.InsertCredit(ctx, &raffle.CreditEntry{ID: id, UserID: "A", Amount: 5, Source: raffle.SourcePurchase, Scope: raffle.ScopeGeneral, CreatedAt: t0})
		require.NoError(t, err)
		require.True(t, ok)
	}

	open, err := s.OpenCredits(ctx, "A")
	require.NoError(t, err)
	require.Len(t, open, 3)

	settled, err := s.SettlementCredits(ctx, rid)
	require.NoError(t, err)
	require.Len(t, settled, 1)
}

func TestCredits_ExpiryAndOffers(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	past := t0.Add(-time.Hour)
	future := t0.Add(time.Hour)
	require.NoError(t, insert(s, &raffle.CreditEntry{ID: 1, UserID: "A", Amount: 10, Source: raffle.SourceLossRecovery, Scope: raffle.ScopeGeneral, ExpiresAt: &past, CreatedAt: t0}))
	require.NoError(t, insert(s, &raffle.CreditEntry{ID: 2, UserID: "A", Amount: 10, Source: raffle.SourceLossRecovery, Scope: raffle.ScopeGeneral, ExpiresAt: &future, CreatedAt: t0}))
	require.NoError(t, insert(s, &raffle.CreditEntry{ID: 3, UserID: "A", Amount: 10, Source: raffle.SourcePurchase, Scope: raffle.ScopeGeneral, CreatedAt: t0}))

	due, err := s.DueForExpiry(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.EqualValues(t, 1, due[0].ID)

	ok, err := s.MarkExpired(ctx, 1, t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ConsumeCredit(ctx, 1, t0)
	require.NoError(t, err)
	require.False(t, ok, "expired entries cannot be consumed")

	offer := &raffle.RedemptionOffer{ID: 50, EntryID: 1, UserID: "A", Amount: 10, Scope: raffle.ScopeGeneral, OfferedAt: t0}
	ok, err = s.InsertOffer(ctx, offer)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.InsertOffer(ctx, &raffle.RedemptionOffer{ID: 51, EntryID: 1, UserID: "A", Amount: 10, Scope: raffle.ScopeGeneral, OfferedAt: t0})
	require.NoError(t, err)
	require.False(t, ok, "one offer per expired entry")

	ok, err = s.RedeemOffer(ctx, 50, "B", t0)
	require.NoError(t, err)
	require.False(t, ok, "only the owner redeems")
	ok, err = s.RedeemOffer(ctx, 50, "A", t0)
	require.NoError(t, err)
	require.True(t, ok)

	offers, err := s.OpenOffers(ctx, "A")
	require.NoError(t, err)
	require.Empty(t, offers)

	_, err = s.Offer(ctx, 99)
	require.ErrorIs(t, err, raffle.ErrOfferNotFound)
}

func insert(s *store.Store, e *raffle.CreditEntry) error {
	_, err := s.InsertCredit(context.Background(), e)
	return err
}
