// Package notify hands raffle outcomes to the collaborators outside the
// engine: the broadcast layer (pub/sub, fire-and-forget) and the fulfillment
// service (durable Redis lists it consumes at its own pace).
package notify

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
	// StatusChannel carries raffle.full / raffle.completed / raffle.cancelled.
	StatusChannel = "raffle:events"
	// FulfillmentQueue receives one job per completed raffle.
	FulfillmentQueue = "fulfillment:queue"
	// OfferQueue receives one job per redeemed expiry offer.
	OfferQueue = "fulfillment:offers"
)

const (
	EventFull      = "raffle.full"
	EventCompleted = "raffle.completed"
	EventCancelled = "raffle.cancelled"
)

// StatusEvent is the broadcast payload.
type StatusEvent struct {
	Event    string       `json:"event"`
	RaffleID snowflake.ID `json:"raffle_id"`
	At       time.Time    `json:"at"`
}

// FulfillmentJob asks the catalog service to ship a raffle's item to its winners.
type FulfillmentJob struct {
	RaffleID snowflake.ID `json:"raffle_id"`
	ItemRef  string       `json:"item_ref"`
	Winners  []string     `json:"winners"`
}

// OfferJob asks the catalog service to ship a free item for a redeemed offer.
type OfferJob struct {
	OfferID snowflake.ID `json:"offer_id"`
	UserID  string       `json:"user_id"`
	Amount  int64        `json:"amount"`
	ItemRef string       `json:"item_ref,omitempty"`
}

type Publisher struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewPublisher(rdb *redis.Client, log *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log.Named("notify")}
}

// Status broadcasts a status change. Failures are logged and dropped.
func (p *Publisher) Status(ctx context.Context, event string, raffleID snowflake.ID) {
	raw, _ := json.Marshal(StatusEvent{Event: event, RaffleID: raffleID, At: time.Now().UTC()})
	if err := p.rdb.Publish(ctx, StatusChannel, raw).Err(); err != nil {
		p.log.Warn("broadcast status", zap.String("event", event), zap.String("raffle", raffleID.String()), zap.Error(err))
	}
}

// RaffleCompleted enqueues the fulfillment job of a completed raffle.
func (p *Publisher) RaffleCompleted(ctx context.Context, job FulfillmentJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := p.rdb.RPush(ctx, FulfillmentQueue, raw).Err(); err != nil {
		return fmt.Errorf("enqueue fulfillment of %s: %w", job.RaffleID, err)
	}
	return nil
}

// OfferRedeemed enqueues the free-item job of a redeemed offer.
func (p *Publisher) OfferRedeemed(ctx context.Context, job OfferJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := p.rdb.RPush(ctx, OfferQueue, raw).Err(); err != nil {
		return fmt.Errorf("enqueue offer %s: %w", job.OfferID, err)
	}
	return nil
}
