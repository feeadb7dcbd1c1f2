// Package randomness drives the single randomness request of a full raffle:
// it submits the request to the ledger, and re-submits it when no
// fulfillment arrives in time, up to a fixed number of attempts.
package randomness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/alert"
	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/metrics"
	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

// ErrAttemptsExhausted means every allowed submission has been made.
var ErrAttemptsExhausted = errors.New("randomness request attempts exhausted")

// Ledger submits randomness requests.
type Ledger interface {
	SubmitRandomnessRequest(ctx context.Context, raffleID snowflake.ID) (chain.PendingTx, error)
}

// Alerter receives liveness alerts.
type Alerter interface {
	Raise(ctx context.Context, a alert.Alert)
}

type Bridge struct {
	store       *store.Store
	ledger      Ledger
	alerts      Alerter
	metrics     *metrics.Metrics
	clock       clock.Clock
	timeout     time.Duration
	maxAttempts int
	log         *zap.Logger
}

func NewBridge(st *store.Store, ledger Ledger, alerts Alerter, m *metrics.Metrics, clk clock.Clock, timeout time.Duration, maxAttempts int, log *zap.Logger) *Bridge {
	return &Bridge{
		store:       st,
		ledger:      ledger,
		alerts:      alerts,
		metrics:     m,
		clock:       clk,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		log:         log.Named("randomness"),
	}
}

// Submit makes the first submission of a raffle's request. It is a no-op if
// the request was already submitted or fulfilled.
func (b *Bridge) Submit(ctx context.Context, raffleID snowflake.ID) error {
	req, err := b.store.RandomnessRequest(ctx, raffleID)
	if err != nil {
		return err
	}
	if !req.Active() || req.Attempts > 0 {
		return nil
	}
	return b.attempt(ctx, req)
}

// attempt claims the next attempt slot in the database before calling the
// ledger, so concurrent callers submit a given attempt at most once.
func (b *Bridge) attempt(ctx context.Context, req *raffle.RandomnessRequest) error {
	if req.Attempts >= b.maxAttempts {
		return ErrAttemptsExhausted
	}
	claimed, err := b.store.ClaimAttempt(ctx, req.RaffleID, req.Attempts, b.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		b.log.Debug("randomness attempt claimed elsewhere",
			zap.String("raffle", req.RaffleID.String()),
			zap.Int("attempt", req.Attempts+1),
		)
		return nil
	}

	p, err := b.ledger.SubmitRandomnessRequest(ctx, req.RaffleID)
	if err != nil {
		b.metrics.Randomness("failed")
		return fmt.Errorf("submit randomness request for %s: %w", req.RaffleID, err)
	}
	if err := b.store.RecordAttemptTx(ctx, req.RaffleID, p.Hash); err != nil {
		b.log.Warn("record randomness tx", zap.String("raffle", req.RaffleID.String()), zap.Error(err))
	}
	b.metrics.Randomness("submitted")
	b.log.Info("randomness requested",
		zap.String("raffle", req.RaffleID.String()),
		zap.Int("attempt", req.Attempts+1),
		zap.String("tx", p.Hash),
	)
	return nil
}

// CheckOverdue is one watchdog pass over unfulfilled requests. A request
// never submitted is submitted at once; one whose last attempt is older than
// the timeout is re-submitted; one out of attempts raises a liveness alert
// once and stays RANDOM_REQUESTED.
func (b *Bridge) CheckOverdue(ctx context.Context) error {
	reqs, err := b.store.ActiveRequests(ctx)
	if err != nil {
		return err
	}
	now := b.clock.Now()
	for _, req := range reqs {
		r, err := b.store.Raffle(ctx, req.RaffleID)
		if err != nil {
			return err
		}
		if r.Halted() || r.Status != raffle.StatusRandomRequested {
			continue
		}

		if req.Attempts == 0 {
			if err := b.attempt(ctx, &req); err != nil {
				b.log.Warn("initial randomness submission failed", zap.String("raffle", req.RaffleID.String()), zap.Error(err))
			}
			continue
		}

		last := req.RequestedAt
		if req.LastAttemptAt != nil {
			last = *req.LastAttemptAt
		}
		if now.Sub(last) < b.timeout {
			continue
		}

		if req.Attempts >= b.maxAttempts {
			alerted, err := b.store.MarkLivenessAlerted(ctx, req.RaffleID, now)
			if err != nil {
				return err
			}
			if alerted {
				b.metrics.Randomness("exhausted")
				b.alerts.Raise(ctx, alert.Alert{
					RaffleID: req.RaffleID,
					Kind:     alert.KindLiveness,
					Reason:   fmt.Sprintf("randomness unfulfilled after %d attempts", req.Attempts),
					RaisedAt: now,
				})
			}
			continue
		}

		b.log.Warn("randomness overdue, re-requesting",
			zap.String("raffle", req.RaffleID.String()),
			zap.Int("attempts", req.Attempts),
			zap.Duration("waited", now.Sub(last)),
		)
		if err := b.attempt(ctx, &req); err != nil {
			b.log.Warn("randomness re-request failed", zap.String("raffle", req.RaffleID.String()), zap.Error(err))
		}
	}
	return nil
}

// RunWatchdog runs CheckOverdue every interval until ctx is done.
func (b *Bridge) RunWatchdog(ctx context.Context, interval time.Duration) {
	b.log.Info("randomness watchdog started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info("randomness watchdog stopped")
			return
		case <-ticker.C:
			if err := b.CheckOverdue(ctx); err != nil && ctx.Err() == nil {
				b.log.Error("randomness watchdog pass", zap.Error(err))
			}
		}
	}
}
