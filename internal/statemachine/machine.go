// Package statemachine owns the application-visible lifecycle of a raffle.
// The ledger decides who owns which box and who won; this package mirrors
// those facts and moves a raffle through OPEN, FULL, RANDOM_REQUESTED and a
// terminal state using compare-and-set updates only.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/alert"
	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/metrics"
	"github.com/0gfoundation/0g-raffle/internal/notify"
	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

// Ledger is the subset of the ledger gateway the state machine drives.
type Ledger interface {
	SubmitCreateRaffle(ctx context.Context, raffleID snowflake.ID, totalBoxes uint32, boxPrice int64, totalWinners, maxBoxesPerUser uint32) (chain.PendingTx, error)
	SubmitPurchase(ctx context.Context, raffleID snowflake.ID, buyer string) (chain.PendingTx, error)
	SubmitCancel(ctx context.Context, raffleID snowflake.ID) (chain.PendingTx, error)
}

// Randomness submits the randomness request of a raffle that just filled.
type Randomness interface {
	Submit(ctx context.Context, raffleID snowflake.ID) error
}

// Settler runs settlement of a terminal raffle.
type Settler interface {
	Settle(ctx context.Context, raffleID snowflake.ID) error
}

// Broadcaster publishes status changes.
type Broadcaster interface {
	Status(ctx context.Context, event string, raffleID snowflake.ID)
}

// Alerter is the operator channel.
type Alerter interface {
	Raise(ctx context.Context, a alert.Alert)
	Acknowledge(ctx context.Context, raffleID snowflake.ID, kinds ...alert.Kind) error
}

type Machine struct {
	store      *store.Store
	ledger     Ledger
	randomness Randomness
	settler    Settler
	broadcast  Broadcaster
	alerts     Alerter
	metrics    *metrics.Metrics
	clock      clock.Clock
	ids        *snowflake.Node
	log        *zap.Logger
}

type Deps struct {
	Store      *store.Store
	Ledger     Ledger
	Randomness Randomness
	Settler    Settler
	Broadcast  Broadcaster
	Alerts     Alerter
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	IDs        *snowflake.Node
}

func New(d Deps, log *zap.Logger) *Machine {
	return &Machine{
		store:      d.Store,
		ledger:     d.Ledger,
		randomness: d.Randomness,
		settler:    d.Settler,
		broadcast:  d.Broadcast,
		alerts:     d.Alerts,
		metrics:    d.Metrics,
		clock:      d.Clock,
		ids:        d.IDs,
		log:        log.Named("statemachine"),
	}
}

// CreateRaffle validates the parameters, stores an OPEN raffle and registers
// it on the ledger. If registration fails the raffle is cancelled, since no
// box of it can ever be sold.
func (m *Machine) CreateRaffle(ctx context.Context, p raffle.CreateParams) (*raffle.Raffle, error) {
	if err := raffle.ValidateParams(p); err != nil {
		return nil, err
	}
	scope := p.CreditScope
	if scope == "" {
		scope = raffle.ScopeGeneral
	}

	r := &raffle.Raffle{
		ID:              m.ids.Generate(),
		ItemRef:         strings.TrimSpace(p.ItemRef),
		TotalBoxes:      p.TotalBoxes,
		BoxPrice:        p.BoxPrice,
		TotalWinners:    p.TotalWinners,
		MaxBoxesPerUser: p.MaxBoxesPerUser,
		CreditScope:     scope,
		Status:          raffle.StatusOpen,
		CreatedAt:       m.clock.Now(),
	}
	if err := m.store.CreateRaffle(ctx, r); err != nil {
		return nil, err
	}

	if _, err := m.ledger.SubmitCreateRaffle(ctx, r.ID, r.TotalBoxes, r.BoxPrice, r.TotalWinners, r.MaxBoxesPerUser); err != nil {
		reason := fmt.Sprintf("ledger registration failed: %v", err)
		if _, cerr := m.store.Transition(ctx, r.ID, []raffle.Status{raffle.StatusOpen}, raffle.StatusCancelled, map[string]any{
			"cancelled_at":  m.clock.Now(),
			"cancel_reason": reason,
		}); cerr != nil {
			m.log.Error("cancel unregistered raffle", zap.String("raffle", r.ID.String()), zap.Error(cerr))
		}
		m.settle(ctx, r.ID)
		return nil, fmt.Errorf("register raffle %s on ledger: %w", r.ID, err)
	}

	m.log.Info("raffle created",
		zap.String("raffle", r.ID.String()),
		zap.String("item", r.ItemRef),
		zap.Uint32("boxes", r.TotalBoxes),
		zap.Int64("price", r.BoxPrice),
		zap.Uint32("winners", r.TotalWinners),
	)
	return r, nil
}

// RequestPurchase checks the business rules against the local mirror and
// submits the purchase. Local state changes only when the ledger's
// BoxPurchased event is applied.
func (m *Machine) RequestPurchase(ctx context.Context, raffleID snowflake.ID, buyer string) (chain.PendingTx, error) {
	if !common.IsHexAddress(buyer) {
		return chain.PendingTx{}, raffle.ErrInvalidBuyer
	}
	owner := common.HexToAddress(buyer).Hex()

	r, err := m.store.Raffle(ctx, raffleID)
	if err != nil {
		return chain.PendingTx{}, err
	}
	if r.Halted() {
		return chain.PendingTx{}, raffle.ErrRaffleHalted
	}
	switch r.Status {
	case raffle.StatusOpen:
	case raffle.StatusCancelled:
		return chain.PendingTx{}, raffle.ErrRaffleNotOpen
	default:
		return chain.PendingTx{}, raffle.ErrRaffleFull
	}
	if r.BoxesSold >= r.TotalBoxes {
		return chain.PendingTx{}, raffle.ErrRaffleFull
	}

	owned, err := m.store.CountOwned(ctx, raffleID, owner)
	if err != nil {
		return chain.PendingTx{}, err
	}
	if uint32(owned) >= r.BoxCap() {
		return chain.PendingTx{}, raffle.ErrBoxLimitReached
	}

	return m.ledger.SubmitPurchase(ctx, raffleID, owner)
}

// Cancel moves a raffle that has no winners yet to CANCELLED and refunds
// every buyer. A sold-out raffle can be cancelled while its randomness
// request is unfulfilled; the request is closed in the same transaction, so
// winners the ledger reports later are discarded. Closing the raffle on the
// ledger is best effort: a purchase the ledger still accepts afterwards is
// discarded and alerted on ingestion.
func (m *Machine) Cancel(ctx context.Context, raffleID snowflake.ID, reason string) error {
	r, err := m.store.Raffle(ctx, raffleID)
	if err != nil {
		return err
	}
	if r.Halted() {
		return raffle.ErrRaffleHalted
	}

	now := m.clock.Now()
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		from := []raffle.Status{raffle.StatusOpen, raffle.StatusFull}
		if r.Status == raffle.StatusRandomRequested {
			closed, err := tx.CancelRandomness(ctx, raffleID, now)
			if err != nil {
				return err
			}
			if !closed {
				return raffle.ErrNotCancellable
			}
			from = []raffle.Status{raffle.StatusRandomRequested}
		}
		ok, err := tx.Transition(ctx, raffleID, from, raffle.StatusCancelled,
			map[string]any{"cancelled_at": now, "cancel_reason": reason},
		)
		if err != nil {
			return err
		}
		if !ok {
			return raffle.ErrNotCancellable
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("raffle cancelled", zap.String("raffle", raffleID.String()), zap.String("reason", reason))

	if _, err := m.ledger.SubmitCancel(ctx, raffleID); err != nil {
		m.log.Error("close cancelled raffle on ledger", zap.String("raffle", raffleID.String()), zap.Error(err))
	}
	m.broadcast.Status(ctx, notify.EventCancelled, raffleID)
	m.settle(ctx, raffleID)
	return nil
}

// Resume closes the integrity circuit of a raffle after the operator has
// reconciled it, and settles it if it is terminal.
func (m *Machine) Resume(ctx context.Context, raffleID snowflake.ID) error {
	ok, err := m.store.ClearHalt(ctx, raffleID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := m.store.Raffle(ctx, raffleID); err != nil {
			return err
		}
		return raffle.ErrNotHalted
	}
	if err := m.alerts.Acknowledge(ctx, raffleID, alert.KindIntegrity, alert.KindSettlement); err != nil {
		m.log.Warn("acknowledge alerts", zap.String("raffle", raffleID.String()), zap.Error(err))
	}
	m.log.Info("raffle resumed", zap.String("raffle", raffleID.String()))

	r, err := m.store.Raffle(ctx, raffleID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() && r.SettlementAppliedAt == nil {
		m.settle(ctx, raffleID)
	}
	return nil
}

// View is a raffle with its winner set.
type View struct {
	*raffle.Raffle
	Winners []string `json:"winners"`
}

// Get returns a raffle and, once completed, its winners.
func (m *Machine) Get(ctx context.Context, raffleID snowflake.ID) (*View, error) {
	r, err := m.store.Raffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	ws, err := m.store.Winners(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	v := &View{Raffle: r, Winners: make([]string, len(ws))}
	for i, w := range ws {
		v.Winners[i] = w.UserID
	}
	return v, nil
}

func (m *Machine) settle(ctx context.Context, raffleID snowflake.ID) {
	if err := m.settler.Settle(ctx, raffleID); err != nil {
		if _, ok := raffle.IsIntegrity(err); ok || errors.Is(err, raffle.ErrRaffleHalted) {
			return
		}
		m.log.Warn("settlement deferred to recovery sweep", zap.String("raffle", raffleID.String()), zap.Error(err))
	}
}
