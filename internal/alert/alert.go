// Package alert is the operator channel for faults the engine must not fix on
// its own. Alerts are written to Redis before anything else so a crash cannot
// lose one; a background handler fans them out on a pub/sub channel.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "alert:raffle:"
	// Channel carries every raised alert as JSON.
	Channel = "ops:alerts"
)

// Kind classifies an alert.
type Kind string

const (
	KindIntegrity  Kind = "integrity"
	KindLiveness   Kind = "liveness"
	KindSettlement Kind = "settlement"
	KindIngestion  Kind = "ingestion"
)

type Alert struct {
	RaffleID snowflake.ID `json:"raffle_id"`
	Kind     Kind         `json:"kind"`
	Reason   string       `json:"reason"`
	RaisedAt time.Time    `json:"raised_at"`
}

func key(raffleID snowflake.ID, kind Kind) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, raffleID, kind)
}

type Notifier struct {
	rdb *redis.Client
	ch  chan Alert
	log *zap.Logger
}

func NewNotifier(rdb *redis.Client, buffer int, log *zap.Logger) *Notifier {
	return &Notifier{
		rdb: rdb,
		ch:  make(chan Alert, buffer),
		log: log.Named("alert"),
	}
}

// Raise records an open alert for the raffle and queues it for fan-out.
func (n *Notifier) Raise(ctx context.Context, a Alert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
	n.log.Error("operator alert",
		zap.String("raffle", a.RaffleID.String()),
		zap.String("kind", string(a.Kind)),
		zap.String("reason", a.Reason),
	)

	// 1. Persist first (crash-safe)
	raw, _ := json.Marshal(a)
	if err := n.rdb.Set(ctx, key(a.RaffleID, a.Kind), raw, 0).Err(); err != nil {
		n.log.Error("persist alert failed", zap.String("raffle", a.RaffleID.String()), zap.Error(err))
	}

	// 2. Hand off to the publisher
	select {
	case n.ch <- a:
	default:
		n.log.Warn("alert channel full, publish deferred to restart recovery",
			zap.String("raffle", a.RaffleID.String()),
		)
	}
}

// Run publishes queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case a := <-n.ch:
			raw, _ := json.Marshal(a)
			if err := n.rdb.Publish(ctx, Channel, raw).Err(); err != nil {
				n.log.Warn("publish alert", zap.String("raffle", a.RaffleID.String()), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// RecoverPending re-queues every open alert on startup.
func (n *Notifier) RecoverPending(ctx context.Context) {
	alerts, err := n.Open(ctx)
	if err != nil {
		n.log.Error("recover pending alerts", zap.Error(err))
		return
	}
	for _, a := range alerts {
		select {
		case n.ch <- a:
			n.log.Info("recovered open alert", zap.String("raffle", a.RaffleID.String()), zap.String("kind", string(a.Kind)))
		case <-ctx.Done():
			return
		}
	}
}

// Open lists alerts that have not been acknowledged.
func (n *Notifier) Open(ctx context.Context) ([]Alert, error) {
	var (
		cursor uint64
		out    []Alert
	)
	for {
		keys, next, err := n.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan alerts: %w", err)
		}
		for _, k := range keys {
			raw, err := n.rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			var a Alert
			if err := json.Unmarshal([]byte(raw), &a); err != nil {
				n.log.Warn("malformed alert record", zap.String("key", k), zap.Error(err))
				continue
			}
			out = append(out, a)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

// Acknowledge closes alerts of a raffle. With no kinds given it closes all.
func (n *Notifier) Acknowledge(ctx context.Context, raffleID snowflake.ID, kinds ...Kind) error {
	if len(kinds) == 0 {
		kinds = []Kind{KindIntegrity, KindLiveness, KindSettlement, KindIngestion}
	}
	keys := make([]string, len(kinds))
	for i, k := range kinds {
		keys[i] = key(raffleID, k)
	}
	if err := n.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("acknowledge alerts of %s: %w", raffleID, err)
	}
	return nil
}
