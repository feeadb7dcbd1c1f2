// Package credit is the invariant layer over the credit entries: grants,
// oldest-expiry-first consumption, balances, and the expiry sweep that turns
// unspent credit into a last-chance redemption offer instead of deleting it.
package credit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/metrics"
	"github.com/0gfoundation/0g-raffle/internal/notify"
	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

const (
	expiryBatch        = 200
	maxConflictRetries = 3
)

var errConflict = errors.New("credit entry changed concurrently")

// OfferQueue receives redeemed offers for fulfillment.
type OfferQueue interface {
	OfferRedeemed(ctx context.Context, job notify.OfferJob) error
}

// Scope selects which entries a consumption may draw from. The zero value is
// the general scope.
type Scope struct {
	ItemRef string
}

func General() Scope { return Scope{} }

func Item(itemRef string) Scope { return Scope{ItemRef: strings.TrimSpace(itemRef)} }

func (s Scope) kind() raffle.CreditScope {
	if s.ItemRef == "" {
		return raffle.ScopeGeneral
	}
	return raffle.ScopeItem
}

// covers reports whether an entry may be spent in this scope. General
// entries are spendable everywhere; item entries only on their item.
func (s Scope) covers(e *raffle.CreditEntry) bool {
	if e.Scope == raffle.ScopeGeneral {
		return true
	}
	return s.ItemRef != "" && e.ItemRef == s.ItemRef
}

// Grant is an operator-issued credit.
type Grant struct {
	UserID    string              `json:"user_id"`
	Amount    int64               `json:"amount"`
	Source    raffle.CreditSource `json:"source"`
	ItemRef   string              `json:"item_ref,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

// Debit is the result of a successful consumption.
type Debit struct {
	AuditID   snowflake.ID   `json:"audit_id"`
	Amount    int64          `json:"amount"`
	Consumed  []snowflake.ID `json:"consumed"`
	Remainder *snowflake.ID  `json:"remainder,omitempty"`
}

type Ledger struct {
	store   *store.Store
	offers  OfferQueue
	metrics *metrics.Metrics
	clock   clock.Clock
	ids     *snowflake.Node
	log     *zap.Logger
}

func NewLedger(st *store.Store, offers OfferQueue, m *metrics.Metrics, clk clock.Clock, ids *snowflake.Node, log *zap.Logger) *Ledger {
	return &Ledger{store: st, offers: offers, metrics: m, clock: clk, ids: ids, log: log.Named("credit")}
}

// Grant appends a live credit entry.
func (l *Ledger) Grant(ctx context.Context, g Grant) (*raffle.CreditEntry, error) {
	now := l.clock.Now()
	switch {
	case strings.TrimSpace(g.UserID) == "":
		return nil, fmt.Errorf("%w: user_id is required", raffle.ErrInvalidCredit)
	case g.Amount <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", raffle.ErrInvalidCredit)
	case g.ExpiresAt != nil && !g.ExpiresAt.After(now):
		return nil, fmt.Errorf("%w: expires_at is in the past", raffle.ErrInvalidCredit)
	}
	switch g.Source {
	case raffle.SourcePurchase, raffle.SourceLossRecovery, raffle.SourceRefund:
	case "":
		g.Source = raffle.SourcePurchase
	default:
		return nil, fmt.Errorf("%w: source %q cannot be granted", raffle.ErrInvalidCredit, g.Source)
	}
	if g.Source == raffle.SourceLossRecovery && g.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: loss-recovery credits require expires_at", raffle.ErrInvalidCredit)
	}

	scope := Item(g.ItemRef)
	e := &raffle.CreditEntry{
		ID:        l.ids.Generate(),
		UserID:    g.UserID,
		Amount:    g.Amount,
		Source:    g.Source,
		Scope:     scope.kind(),
		ItemRef:   scope.ItemRef,
		ExpiresAt: g.ExpiresAt,
		CreatedAt: now,
	}
	if _, err := l.store.InsertCredit(ctx, e); err != nil {
		return nil, err
	}
	l.metrics.CreditsIssued(string(e.Source), e.Amount)
	l.log.Info("credit granted",
		zap.String("user", e.UserID),
		zap.Int64("amount", e.Amount),
		zap.String("source", string(e.Source)),
		zap.String("scope", string(e.Scope)),
	)
	return e, nil
}

// spendable returns the live entries usable in scope, soonest expiry first.
// Entries without expiry come last.
func spendable(entries []raffle.CreditEntry, scope Scope, now time.Time) []raffle.CreditEntry {
	out := entries[:0:0]
	for i := range entries {
		if entries[i].Amount > 0 && entries[i].Live(now) && scope.covers(&entries[i]) {
			out = append(out, entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ExpiresAt, out[j].ExpiresAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return out
}

// Balance is the live credit a user can spend in scope.
func (l *Ledger) Balance(ctx context.Context, userID string, scope Scope) (int64, error) {
	open, err := l.store.OpenCredits(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range spendable(open, scope, l.clock.Now()) {
		total += e.Amount
	}
	return total, nil
}

// Consume debits amount from the user's live entries, oldest expiry first.
// It either covers the full amount or changes nothing and returns
// raffle.ErrInsufficientCredit. A partly used entry is consumed whole and
// its unused part re-issued as a child entry with the same terms.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int64, scope Scope) (*Debit, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", raffle.ErrInvalidCredit)
	}
	for attempt := 0; ; attempt++ {
		d, err := l.consumeOnce(ctx, userID, amount, scope)
		if errors.Is(err, errConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		l.log.Info("credit consumed",
			zap.String("user", userID),
			zap.Int64("amount", amount),
			zap.Int("entries", len(d.Consumed)),
		)
		return d, nil
	}
}

func (l *Ledger) consumeOnce(ctx context.Context, userID string, amount int64, scope Scope) (*Debit, error) {
	var d *Debit
	err := l.store.WithTx(ctx, func(tx *store.Store) error {
		now := l.clock.Now()
		open, err := tx.OpenCredits(ctx, userID)
		if err != nil {
			return err
		}
		candidates := spendable(open, scope, now)
		var available int64
		for _, e := range candidates {
			available += e.Amount
		}
		if available < amount {
			return fmt.Errorf("%w: %d available, %d requested", raffle.ErrInsufficientCredit, available, amount)
		}

		d = &Debit{Amount: amount}
		need := amount
		for _, e := range candidates {
			if need == 0 {
				break
			}
			ok, err := tx.ConsumeCredit(ctx, e.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				return errConflict
			}
			d.Consumed = append(d.Consumed, e.ID)

			if e.Amount <= need {
				need -= e.Amount
				continue
			}
			parent := e.ID
			rest := &raffle.CreditEntry{
				ID:        l.ids.Generate(),
				UserID:    e.UserID,
				Amount:    e.Amount - need,
				Source:    e.Source,
				Scope:     e.Scope,
				ItemRef:   e.ItemRef,
				ParentID:  &parent,
				ExpiresAt: e.ExpiresAt,
				CreatedAt: now,
			}
			if _, err := tx.InsertCredit(ctx, rest); err != nil {
				return err
			}
			d.Remainder = &rest.ID
			need = 0
		}

		audit := &raffle.CreditEntry{
			ID:         l.ids.Generate(),
			UserID:     userID,
			Amount:     -amount,
			Source:     raffle.SourceRedemptionDebit,
			Scope:      scope.kind(),
			ItemRef:    scope.ItemRef,
			ConsumedAt: &now,
			CreatedAt:  now,
		}
		if _, err := tx.InsertCredit(ctx, audit); err != nil {
			return err
		}
		d.AuditID = audit.ID
		return nil
	})
	return d, err
}

// ExpireSweep marks every entry whose expiry has passed as expired and
// turns each into a redemption offer of the same value.
func (l *Ledger) ExpireSweep(ctx context.Context, now time.Time) ([]raffle.RedemptionOffer, error) {
	var offers []raffle.RedemptionOffer
	for {
		due, err := l.store.DueForExpiry(ctx, now, expiryBatch)
		if err != nil {
			return offers, err
		}
		for _, e := range due {
			o, err := l.expire(ctx, e, now)
			if err != nil {
				return offers, err
			}
			if o != nil {
				offers = append(offers, *o)
			}
		}
		if len(due) < expiryBatch {
			break
		}
	}
	if len(offers) > 0 {
		l.metrics.CreditsExpired(len(offers))
		l.log.Info("credits expired into offers", zap.Int("count", len(offers)))
	}
	return offers, nil
}

func (l *Ledger) expire(ctx context.Context, e raffle.CreditEntry, now time.Time) (*raffle.RedemptionOffer, error) {
	var offer *raffle.RedemptionOffer
	err := l.store.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.MarkExpired(ctx, e.ID, now)
		if err != nil || !ok {
			return err
		}
		o := &raffle.RedemptionOffer{
			ID:        l.ids.Generate(),
			EntryID:   e.ID,
			UserID:    e.UserID,
			Amount:    e.Amount,
			Scope:     e.Scope,
			ItemRef:   e.ItemRef,
			OfferedAt: now,
		}
		created, err := tx.InsertOffer(ctx, o)
		if err != nil {
			return err
		}
		if created {
			offer = o
		}
		return nil
	})
	return offer, err
}

// RunExpirySweep runs ExpireSweep every interval until ctx is done.
func (l *Ledger) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.ExpireSweep(ctx, l.clock.Now()); err != nil && ctx.Err() == nil {
				l.log.Error("credit expiry sweep", zap.Error(err))
			}
		}
	}
}

// RedeemOffer claims a user's offer and enqueues its free-item job. The
// claim rolls back if the job cannot be enqueued.
func (l *Ledger) RedeemOffer(ctx context.Context, offerID snowflake.ID, userID string) (*raffle.RedemptionOffer, error) {
	var out *raffle.RedemptionOffer
	err := l.store.WithTx(ctx, func(tx *store.Store) error {
		o, err := tx.Offer(ctx, offerID)
		if err != nil {
			return err
		}
		if !strings.EqualFold(o.UserID, userID) {
			return raffle.ErrOfferNotFound
		}
		if o.RedeemedAt != nil {
			return raffle.ErrOfferRedeemed
		}
		now := l.clock.Now()
		ok, err := tx.RedeemOffer(ctx, offerID, o.UserID, now)
		if err != nil {
			return err
		}
		if !ok {
			return raffle.ErrOfferRedeemed
		}
		o.RedeemedAt = &now
		if err := l.offers.OfferRedeemed(ctx, notify.OfferJob{
			OfferID: o.ID,
			UserID:  o.UserID,
			Amount:  o.Amount,
			ItemRef: o.ItemRef,
		}); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("offer redeemed", zap.String("offer", offerID.String()), zap.String("user", out.UserID))
	return out, nil
}

// Offers lists a user's unredeemed offers.
func (l *Ledger) Offers(ctx context.Context, userID string) ([]raffle.RedemptionOffer, error) {
	return l.store.OpenOffers(ctx, userID)
}

// History lists every entry of a user, newest first.
func (l *Ledger) History(ctx context.Context, userID string) ([]raffle.CreditEntry, error) {
	return l.store.UserCredits(ctx, userID)
}
