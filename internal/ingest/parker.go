package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/statemachine"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

// ParkedKey is the Redis hash of parked events, keyed by ledger reference.
const ParkedKey = "ingest:parked"

var ErrNotParked = errors.New("event is not parked")

// ParkedEvent is a poison event held for manual inspection.
type ParkedEvent struct {
	Event    chain.Event `json:"event"`
	Reason   string      `json:"reason"`
	ParkedAt time.Time   `json:"parked_at"`
}

// Parker keeps the full payload of parked events so an operator can replay
// them once the cause is fixed. The ledger_events table holds the matching
// dedup row.
type Parker struct {
	rdb     *redis.Client
	store   *store.Store
	applier Applier
	clock   clock.Clock
	log     *zap.Logger
}

func NewParker(rdb *redis.Client, st *store.Store, applier Applier, clk clock.Clock, log *zap.Logger) *Parker {
	return &Parker{rdb: rdb, store: st, applier: applier, clock: clk, log: log.Named("parker")}
}

// Park stores the event. A failed write is logged; the dedup row still
// lists the event as parked.
func (p *Parker) Park(ctx context.Context, ev chain.Event, reason string) {
	raw, err := json.Marshal(ParkedEvent{Event: ev, Reason: reason, ParkedAt: p.clock.Now()})
	if err != nil {
		p.log.Error("encode parked event", zap.String("ref", ev.Ref.String()), zap.Error(err))
		return
	}
	if err := p.rdb.HSet(ctx, ParkedKey, ev.Ref.String(), raw).Err(); err != nil {
		p.log.Error("persist parked event", zap.String("ref", ev.Ref.String()), zap.Error(err))
		return
	}
	p.log.Warn("event parked",
		zap.String("ref", ev.Ref.String()),
		zap.String("kind", string(ev.Kind)),
		zap.String("raffle", ev.RaffleID.String()),
		zap.String("reason", reason),
	)
}

// List returns parked events oldest block first.
func (p *Parker) List(ctx context.Context) ([]ParkedEvent, error) {
	all, err := p.rdb.HGetAll(ctx, ParkedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list parked events: %w", err)
	}
	out := make([]ParkedEvent, 0, len(all))
	for ref, raw := range all {
		var pe ParkedEvent
		if err := json.Unmarshal([]byte(raw), &pe); err != nil {
			p.log.Error("unmarshal parked event", zap.String("ref", ref), zap.Error(err))
			continue
		}
		out = append(out, pe)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Event.Ref, out[j].Event.Ref
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	return out, nil
}

// Replay releases a parked event and applies it again. An event that parks
// again stays in the hash with its new reason.
func (p *Parker) Replay(ctx context.Context, ref string) (statemachine.Result, error) {
	raw, err := p.rdb.HGet(ctx, ParkedKey, ref).Result()
	if errors.Is(err, redis.Nil) {
		return statemachine.Result{}, ErrNotParked
	}
	if err != nil {
		return statemachine.Result{}, fmt.Errorf("load parked event %s: %w", ref, err)
	}
	var pe ParkedEvent
	if err := json.Unmarshal([]byte(raw), &pe); err != nil {
		return statemachine.Result{}, fmt.Errorf("decode parked event %s: %w", ref, err)
	}

	released, err := p.store.ReleaseParked(ctx, ref)
	if err != nil {
		return statemachine.Result{}, err
	}
	if !released {
		// Already replayed by another operator, or never recorded.
		p.rdb.HDel(ctx, ParkedKey, ref) //nolint:errcheck
		return statemachine.Result{}, ErrNotParked
	}

	res, err := p.applier.Apply(ctx, pe.Event)
	if err != nil {
		return res, err
	}
	if res.Outcome == statemachine.Parked {
		p.Park(ctx, pe.Event, res.Detail)
		return res, nil
	}
	if err := p.rdb.HDel(ctx, ParkedKey, ref).Err(); err != nil {
		p.log.Warn("drop replayed event", zap.String("ref", ref), zap.Error(err))
	}
	p.log.Info("parked event replayed", zap.String("ref", ref), zap.String("outcome", string(res.Outcome)))
	return res, nil
}
