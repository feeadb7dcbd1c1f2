// Package settlement issues the credits of a terminal raffle exactly once:
// loss-recovery credits for the non-winners of a completed raffle, full
// refunds for the buyers of a cancelled one.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/alert"
	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/metrics"
	"github.com/0gfoundation/0g-raffle/internal/notify"
	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

// sweepBatch bounds one recovery pass.
const sweepBatch = 100

var errAlreadySettled = errors.New("raffle already settled")

// Fulfillment receives the winners of a settled raffle.
type Fulfillment interface {
	RaffleCompleted(ctx context.Context, job notify.FulfillmentJob) error
}

type Alerter interface {
	Raise(ctx context.Context, a alert.Alert)
}

// Default lifetimes of loss-recovery credits, applied when a Policy leaves a
// TTL unset. Loss-recovery credits always expire.
const (
	DefaultGeneralTTL = 90 * 24 * time.Hour
	DefaultItemTTL    = 30 * 24 * time.Hour
)

// Policy sets the lifetime of loss-recovery credits.
type Policy struct {
	GeneralTTL time.Duration
	ItemTTL    time.Duration
}

func (p Policy) expiry(scope raffle.CreditScope, now time.Time) *time.Time {
	ttl, fallback := p.GeneralTTL, DefaultGeneralTTL
	if scope == raffle.ScopeItem {
		ttl, fallback = p.ItemTTL, DefaultItemTTL
	}
	if ttl <= 0 {
		ttl = fallback
	}
	at := now.Add(ttl)
	return &at
}

// Outcome summarises one applied settlement.
type Outcome struct {
	RaffleID snowflake.ID
	Status   raffle.Status
	Source   raffle.CreditSource
	Credits  int
	Total    int64
	Winners  []string
}

type Engine struct {
	store       *store.Store
	fulfillment Fulfillment
	alerts      Alerter
	metrics     *metrics.Metrics
	clock       clock.Clock
	ids         *snowflake.Node
	policy      Policy
	log         *zap.Logger
}

func NewEngine(st *store.Store, f Fulfillment, alerts Alerter, m *metrics.Metrics, clk clock.Clock, ids *snowflake.Node, policy Policy, log *zap.Logger) *Engine {
	return &Engine{
		store:       st,
		fulfillment: f,
		alerts:      alerts,
		metrics:     m,
		clock:       clk,
		ids:         ids,
		policy:      policy,
		log:         log.Named("settlement"),
	}
}

// Settle applies settlement of a terminal raffle. Calling it again after
// success is a no-op. The credits and the settlement_applied_at flag commit
// together; an invariant violation halts the raffle and raises an alert.
func (e *Engine) Settle(ctx context.Context, raffleID snowflake.ID) error {
	out, err := e.apply(ctx, raffleID)
	if errors.Is(err, errAlreadySettled) {
		return nil
	}
	if ie, ok := raffle.IsIntegrity(err); ok {
		e.halt(ctx, ie)
		return err
	}
	if err != nil {
		return err
	}

	e.metrics.Settlement(string(out.Status))
	e.metrics.CreditsIssued(string(out.Source), out.Total)
	e.log.Info("raffle settled",
		zap.String("raffle", raffleID.String()),
		zap.String("status", string(out.Status)),
		zap.Int("credits", out.Credits),
		zap.Int64("total", out.Total),
	)

	if out.Status == raffle.StatusCompleted {
		e.handOff(ctx, out)
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, raffleID snowflake.ID) (*Outcome, error) {
	var out *Outcome
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		r, err := tx.Raffle(ctx, raffleID)
		if err != nil {
			return err
		}
		if r.SettlementAppliedAt != nil {
			return errAlreadySettled
		}
		if r.Halted() {
			return raffle.ErrRaffleHalted
		}
		if !r.Status.Terminal() {
			return fmt.Errorf("settle raffle %s: status %s is not terminal", raffleID, r.Status)
		}

		boxes, err := tx.Tickets(ctx, raffleID)
		if err != nil {
			return err
		}
		if uint32(len(boxes)) != r.BoxesSold {
			return raffle.Integrity(raffleID, "settlement sees %d ownership rows for %d boxes sold", len(boxes), r.BoxesSold)
		}
		spend := make(map[string]int64)
		for _, b := range boxes {
			spend[b.OwnerUserID] += r.BoxPrice
		}

		now := e.clock.Now()
		out = &Outcome{RaffleID: raffleID, Status: r.Status}
		switch r.Status {
		case raffle.StatusCompleted:
			out.Source = raffle.SourceLossRecovery
			ws, err := tx.Winners(ctx, raffleID)
			if err != nil {
				return err
			}
			if len(ws) != int(r.TotalWinners) {
				return raffle.Integrity(raffleID, "%d winners recorded, raffle draws %d", len(ws), r.TotalWinners)
			}
			for _, w := range ws {
				if _, ok := spend[w.UserID]; !ok {
					return raffle.Integrity(raffleID, "winner %s owns no box", w.UserID)
				}
				delete(spend, w.UserID)
				out.Winners = append(out.Winners, w.UserID)
			}
			if err := tx.FlagWinners(ctx, raffleID, now); err != nil {
				return err
			}
		case raffle.StatusCancelled:
			out.Source = raffle.SourceRefund
		}

		var expected int64
		for _, user := range sortedKeys(spend) {
			amount := spend[user]
			expected += amount
			entry := &raffle.CreditEntry{
				ID:        e.ids.Generate(),
				UserID:    user,
				Amount:    amount,
				Source:    out.Source,
				Scope:     raffle.ScopeGeneral,
				RaffleID:  &raffleID,
				CreatedAt: now,
			}
			if out.Source == raffle.SourceLossRecovery {
				entry.Scope = r.CreditScope
				if r.CreditScope == raffle.ScopeItem {
					entry.ItemRef = r.ItemRef
				}
				entry.ExpiresAt = e.policy.expiry(r.CreditScope, now)
			}
			ok, err := tx.InsertCredit(ctx, entry)
			if err != nil {
				return err
			}
			if !ok {
				return raffle.Integrity(raffleID, "%s credit for %s already issued", out.Source, user)
			}
		}

		issued, err := tx.SettlementCredits(ctx, raffleID)
		if err != nil {
			return err
		}
		for _, c := range issued {
			if c.Source != out.Source {
				return raffle.Integrity(raffleID, "found %s credit on a %s raffle", c.Source, r.Status)
			}
			out.Total += c.Amount
		}
		out.Credits = len(issued)
		if out.Total != expected {
			return raffle.Integrity(raffleID, "issued %d in %s credits, owed %d", out.Total, out.Source, expected)
		}

		ok, err := tx.MarkSettled(ctx, raffleID, now)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadySettled
		}
		return nil
	})
	return out, err
}

func (e *Engine) halt(ctx context.Context, ie *raffle.IntegrityError) {
	now := e.clock.Now()
	if err := e.store.Halt(ctx, ie.RaffleID, ie.Reason, now); err != nil {
		e.log.Error("halt raffle after settlement fault", zap.String("raffle", ie.RaffleID.String()), zap.Error(err))
	}
	e.metrics.IntegrityFault()
	e.log.Error("settlement invariant violated, raffle halted",
		zap.String("raffle", ie.RaffleID.String()),
		zap.String("reason", ie.Reason),
	)
	e.alerts.Raise(ctx, alert.Alert{
		RaffleID: ie.RaffleID,
		Kind:     alert.KindSettlement,
		Reason:   ie.Reason,
		RaisedAt: now,
	})
}

// handOff enqueues the fulfillment job. The winners stay flagged in the
// database, so a failed hand-off is alerted for a manual re-enqueue.
func (e *Engine) handOff(ctx context.Context, out *Outcome) {
	r, err := e.store.Raffle(ctx, out.RaffleID)
	if err != nil {
		e.log.Error("load raffle for fulfillment", zap.String("raffle", out.RaffleID.String()), zap.Error(err))
		return
	}
	job := notify.FulfillmentJob{RaffleID: out.RaffleID, ItemRef: r.ItemRef, Winners: out.Winners}
	if err := e.fulfillment.RaffleCompleted(ctx, job); err != nil {
		e.log.Error("fulfillment hand-off failed", zap.String("raffle", out.RaffleID.String()), zap.Error(err))
		e.alerts.Raise(ctx, alert.Alert{
			RaffleID: out.RaffleID,
			Kind:     alert.KindSettlement,
			Reason:   "fulfillment hand-off failed for winners " + strings.Join(out.Winners, ","),
			RaisedAt: e.clock.Now(),
		})
	}
}

// Recover settles every terminal raffle still missing its settlement and
// returns how many were settled.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.store.UnsettledTerminal(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if err := e.Settle(ctx, r.ID); err != nil {
			e.log.Warn("recovery settlement failed", zap.String("raffle", r.ID.String()), zap.Error(err))
			continue
		}
		settled++
	}
	if settled > 0 {
		e.log.Info("recovered settlements", zap.Int("count", settled))
	}
	return settled, nil
}

// RunRecovery runs Recover at startup and then every interval until ctx is done.
func (e *Engine) RunRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Recover(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("settlement recovery sweep", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
