package statemachine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/alert"
	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/notify"
	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/selector"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

// Outcome is what Apply did with an event.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Discarded Outcome = "discarded"
	Parked    Outcome = "parked"
)

type Result struct {
	Outcome Outcome
	Detail  string
	// Halted is set when the event tripped the raffle's integrity circuit.
	Halted bool
}

// errConflict means a compare-and-set lost to a concurrent writer; the whole
// application is retried from a fresh read.
var errConflict = errors.New("concurrent raffle update")

const maxConflictRetries = 3

type effect func(ctx context.Context)

// Apply applies one ledger event exactly once. The dedup row, the state
// change and the guard checks share one transaction; side effects on other
// systems run only after it commits. The returned error is always transient:
// guard violations come back as a Parked result.
func (m *Machine) Apply(ctx context.Context, ev chain.Event) (Result, error) {
	if ev.Invalid != "" {
		return m.park(ctx, ev, ev.Invalid)
	}

	for attempt := 0; ; attempt++ {
		res, effects, err := m.applyOnce(ctx, ev)
		if errors.Is(err, errConflict) && attempt < maxConflictRetries {
			continue
		}
		if ie, ok := raffle.IsIntegrity(err); ok {
			return m.fault(ctx, ev, ie)
		}
		if err != nil {
			return Result{}, err
		}

		m.metrics.Event(string(ev.Kind), string(res.Outcome))
		if res.Outcome == Discarded || res.Outcome == Duplicate {
			m.log.Warn("ledger event not applied",
				zap.String("ref", ev.Ref.String()),
				zap.String("kind", string(ev.Kind)),
				zap.String("raffle", ev.RaffleID.String()),
				zap.String("outcome", string(res.Outcome)),
				zap.String("detail", res.Detail),
			)
		}
		for _, fn := range effects {
			fn(ctx)
		}
		return res, nil
	}
}

func (m *Machine) applyOnce(ctx context.Context, ev chain.Event) (Result, []effect, error) {
	var (
		res     Result
		effects []effect
	)
	ref := ev.Ref.String()
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		res, effects = Result{}, nil

		seen, err := tx.Event(ctx, ref)
		if err != nil {
			return err
		}
		if seen != nil {
			res = Result{Outcome: Duplicate, Detail: string(seen.Outcome)}
			return nil
		}

		r, err := tx.Raffle(ctx, ev.RaffleID)
		switch {
		case errors.Is(err, raffle.ErrNotFound):
			res = Result{Outcome: Parked, Detail: "unknown raffle"}
		case err != nil:
			return err
		case r.Halted():
			res = Result{Outcome: Parked, Detail: "raffle halted: " + r.HaltReason}
		case r.Status.Terminal():
			res = Result{Outcome: Discarded, Detail: fmt.Sprintf("raffle is %s", r.Status)}
			if r.Status == raffle.StatusCancelled {
				switch ev.Kind {
				case chain.KindBoxPurchased:
					effects = append(effects, m.lateSaleAlert(ev))
				case chain.KindWinnerSelected:
					effects = append(effects, m.lateWinnersAlert(ev))
				}
			}
		default:
			effects, err = m.dispatch(ctx, tx, r, ev)
			if err != nil {
				return err
			}
			res = Result{Outcome: Applied}
		}

		recorded, err := tx.RecordEvent(ctx, &raffle.LedgerEvent{
			Ref:         ref,
			RaffleID:    ev.RaffleID,
			Kind:        string(ev.Kind),
			BlockNumber: ev.Ref.BlockNumber,
			Outcome:     outcomeOf(res.Outcome),
			Detail:      res.Detail,
			ProcessedAt: m.clock.Now(),
		})
		if err != nil {
			return err
		}
		if !recorded {
			return errConflict
		}
		return nil
	})
	return res, effects, err
}

func outcomeOf(o Outcome) raffle.EventOutcome {
	switch o {
	case Parked:
		return raffle.OutcomeParked
	case Discarded:
		return raffle.OutcomeDiscarded
	default:
		return raffle.OutcomeApplied
	}
}

func (m *Machine) dispatch(ctx context.Context, tx *store.Store, r *raffle.Raffle, ev chain.Event) ([]effect, error) {
	switch ev.Kind {
	case chain.KindBoxPurchased:
		return m.applyPurchase(ctx, tx, r, ev)
	case chain.KindFull:
		return nil, m.applyFull(r)
	case chain.KindWinnerSelected:
		return m.applyWinners(ctx, tx, r, ev)
	default:
		return nil, raffle.Integrity(r.ID, "unsupported event kind %s", ev.Kind)
	}
}

// applyPurchase records a sold box. The last box moves the raffle to FULL
// and straight on to RANDOM_REQUESTED, with the randomness request row, in
// the same transaction.
func (m *Machine) applyPurchase(ctx context.Context, tx *store.Store, r *raffle.Raffle, ev chain.Event) ([]effect, error) {
	if ev.BoxNumber >= r.TotalBoxes {
		return nil, raffle.Integrity(r.ID, "box %d out of range, raffle has %d boxes", ev.BoxNumber, r.TotalBoxes)
	}
	if r.Status != raffle.StatusOpen {
		return nil, raffle.Integrity(r.ID, "box %d sold while raffle is %s", ev.BoxNumber, r.Status)
	}

	existing, err := tx.Box(ctx, r.ID, ev.BoxNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, raffle.Integrity(r.ID, "box %d already owned by %s via %s, ledger reports %s via %s",
			ev.BoxNumber, existing.OwnerUserID, existing.PurchaseLedgerRef, ev.Buyer, ev.Ref)
	}

	owned, err := tx.CountOwned(ctx, r.ID, ev.Buyer)
	if err != nil {
		return nil, err
	}
	if uint32(owned) >= r.BoxCap() {
		return nil, raffle.Integrity(r.ID, "%s holds %d boxes, cap is %d", ev.Buyer, owned, r.BoxCap())
	}

	inserted, err := tx.InsertBox(ctx, &raffle.BoxOwnership{
		RaffleID:          r.ID,
		BoxNumber:         ev.BoxNumber,
		OwnerUserID:       ev.Buyer,
		PurchaseLedgerRef: ev.Ref.String(),
		PurchasedAt:       m.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, errConflict
	}
	bumped, err := tx.IncrementSold(ctx, r.ID, r.BoxesSold)
	if err != nil {
		return nil, err
	}
	if !bumped {
		return nil, errConflict
	}

	sold := r.BoxesSold + 1
	count, err := tx.CountBoxes(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if count != int64(sold) {
		return nil, raffle.Integrity(r.ID, "boxes_sold %d but %d ownership rows", sold, count)
	}

	if sold < r.TotalBoxes {
		return nil, nil
	}
	return m.fill(ctx, tx, r)
}

// fill runs OPEN -> FULL -> RANDOM_REQUESTED as one guarded operation.
// Only the caller whose OPEN -> FULL update matched a row gets to create the
// randomness request.
func (m *Machine) fill(ctx context.Context, tx *store.Store, r *raffle.Raffle) ([]effect, error) {
	ok, err := tx.Transition(ctx, r.ID, []raffle.Status{raffle.StatusOpen}, raffle.StatusFull, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errConflict
	}
	ok, err = tx.Transition(ctx, r.ID, []raffle.Status{raffle.StatusFull}, raffle.StatusRandomRequested, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errConflict
	}
	created, err := tx.InsertRandomnessRequest(ctx, &raffle.RandomnessRequest{
		RaffleID:    r.ID,
		RequestID:   m.ids.Generate(),
		RequestedAt: m.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, raffle.Integrity(r.ID, "randomness request already exists for a raffle that just filled")
	}

	id := r.ID
	return []effect{
		func(ctx context.Context) {
			m.log.Info("raffle full, randomness requested", zap.String("raffle", id.String()))
			m.broadcast.Status(ctx, notify.EventFull, id)
		},
		func(ctx context.Context) {
			if err := m.randomness.Submit(ctx, id); err != nil {
				m.log.Warn("randomness submission failed, watchdog will retry", zap.String("raffle", id.String()), zap.Error(err))
			}
		},
	}, nil
}

// applyFull checks the ledger's fill notice against the mirror. The last
// BoxPurchased of a raffle precedes its RaffleFull in ledger order, so the
// mirror must already be full.
func (m *Machine) applyFull(r *raffle.Raffle) error {
	if r.BoxesSold != r.TotalBoxes || (r.Status != raffle.StatusFull && r.Status != raffle.StatusRandomRequested) {
		return raffle.Integrity(r.ID, "ledger reports full, mirror has %d of %d boxes in %s", r.BoxesSold, r.TotalBoxes, r.Status)
	}
	return nil
}

// applyWinners completes a raffle. The winner set is recomputed from the
// tickets and the ledger's seed; a ledger-reported set must match it.
func (m *Machine) applyWinners(ctx context.Context, tx *store.Store, r *raffle.Raffle, ev chain.Event) ([]effect, error) {
	if r.Status != raffle.StatusRandomRequested {
		return nil, raffle.Integrity(r.ID, "winners reported while raffle is %s", r.Status)
	}
	if ev.Seed == nil {
		return nil, raffle.Integrity(r.ID, "winner event without seed")
	}

	boxes, err := tx.Tickets(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if uint32(len(boxes)) != r.TotalBoxes {
		return nil, raffle.Integrity(r.ID, "%d tickets recorded for %d boxes", len(boxes), r.TotalBoxes)
	}
	tickets := make([]selector.Ticket, len(boxes))
	for i, b := range boxes {
		tickets[i] = selector.Ticket{BoxNumber: b.BoxNumber, Owner: b.OwnerUserID}
	}

	winners, err := selector.Select(tickets, ev.Seed, int(r.TotalWinners))
	if err != nil {
		return nil, raffle.Integrity(r.ID, "winner selection: %v", err)
	}
	if len(ev.Winners) > 0 && !selector.SameSet(winners, ev.Winners) {
		return nil, raffle.Integrity(r.ID, "ledger winners %v differ from computed %v", ev.Winners, winners)
	}

	now := m.clock.Now()
	fulfilled, err := tx.FulfillRandomness(ctx, r.ID, ev.Seed.String(), now)
	if err != nil {
		return nil, err
	}
	if !fulfilled {
		return nil, raffle.Integrity(r.ID, "no active randomness request to fulfill")
	}

	rows := make([]raffle.Winner, len(winners))
	for i, w := range winners {
		rows[i] = raffle.Winner{RaffleID: r.ID, UserID: w, Position: i}
	}
	if err := tx.InsertWinners(ctx, rows); err != nil {
		return nil, err
	}

	ok, err := tx.Transition(ctx, r.ID, []raffle.Status{raffle.StatusRandomRequested}, raffle.StatusCompleted, map[string]any{
		"random_seed":  ev.Seed.String(),
		"completed_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errConflict
	}

	id := r.ID
	return []effect{
		func(ctx context.Context) {
			m.log.Info("raffle completed", zap.String("raffle", id.String()), zap.Strings("winners", winners))
			m.broadcast.Status(ctx, notify.EventCompleted, id)
			m.settle(ctx, id)
		},
	}, nil
}

// fault records the event as parked, halts its raffle and alerts, in a
// transaction separate from the rolled-back application.
func (m *Machine) fault(ctx context.Context, ev chain.Event, ie *raffle.IntegrityError) (Result, error) {
	now := m.clock.Now()
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.RecordEvent(ctx, &raffle.LedgerEvent{
			Ref:         ev.Ref.String(),
			RaffleID:    ie.RaffleID,
			Kind:        string(ev.Kind),
			BlockNumber: ev.Ref.BlockNumber,
			Outcome:     raffle.OutcomeParked,
			Detail:      ie.Reason,
			ProcessedAt: now,
		}); err != nil {
			return err
		}
		return tx.Halt(ctx, ie.RaffleID, ie.Reason, now)
	})
	if err != nil {
		return Result{}, err
	}

	m.metrics.IntegrityFault()
	m.metrics.Event(string(ev.Kind), string(Parked))
	m.log.Error("integrity fault, raffle halted",
		zap.String("raffle", ie.RaffleID.String()),
		zap.String("ref", ev.Ref.String()),
		zap.String("reason", ie.Reason),
	)
	m.alerts.Raise(ctx, alert.Alert{
		RaffleID: ie.RaffleID,
		Kind:     alert.KindIntegrity,
		Reason:   ie.Reason,
		RaisedAt: now,
	})
	return Result{Outcome: Parked, Detail: ie.Reason, Halted: true}, nil
}

// park records an undecodable event without touching any raffle.
func (m *Machine) park(ctx context.Context, ev chain.Event, reason string) (Result, error) {
	recorded, err := m.store.RecordEvent(ctx, &raffle.LedgerEvent{
		Ref:         ev.Ref.String(),
		RaffleID:    ev.RaffleID,
		Kind:        string(ev.Kind),
		BlockNumber: ev.Ref.BlockNumber,
		Outcome:     raffle.OutcomeParked,
		Detail:      reason,
		ProcessedAt: m.clock.Now(),
	})
	if err != nil {
		return Result{}, err
	}
	if !recorded {
		return Result{Outcome: Duplicate, Detail: string(raffle.OutcomeParked)}, nil
	}
	m.metrics.Event(string(ev.Kind), string(Parked))
	return Result{Outcome: Parked, Detail: reason}, nil
}

func (m *Machine) lateSaleAlert(ev chain.Event) effect {
	return func(ctx context.Context) {
		m.alerts.Raise(ctx, alert.Alert{
			RaffleID: ev.RaffleID,
			Kind:     alert.KindIngestion,
			Reason:   fmt.Sprintf("ledger sold box %d to %s after cancellation (%s)", ev.BoxNumber, ev.Buyer, ev.Ref),
			RaisedAt: m.clock.Now(),
		})
	}
}

func (m *Machine) lateWinnersAlert(ev chain.Event) effect {
	return func(ctx context.Context) {
		m.alerts.Raise(ctx, alert.Alert{
			RaffleID: ev.RaffleID,
			Kind:     alert.KindIngestion,
			Reason:   fmt.Sprintf("ledger selected winners %v after cancellation (%s)", ev.Winners, ev.Ref),
			RaisedAt: m.clock.Now(),
		})
	}
}
