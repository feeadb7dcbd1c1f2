package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/0gfoundation/0g-raffle/internal/raffle"
)

// InsertRandomnessRequest records the request of a raffle. It reports false
// if the raffle already has one.
func (s *Store) InsertRandomnessRequest(ctx context.Context, r *raffle.RandomnessRequest) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(r)
	if res.Error != nil {
		return false, fmt.Errorf("insert randomness request: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RandomnessRequest returns the request of a raffle or raffle.ErrNotFound.
func (s *Store) RandomnessRequest(ctx context.Context, raffleID snowflake.ID) (*raffle.RandomnessRequest, error) {
	var r raffle.RandomnessRequest
	err := s.conn(ctx).Where("raffle_id = ?", raffleID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, raffle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load randomness request: %w", err)
	}
	return &r, nil
}

// ClaimAttempt reserves submission attempt seen+1. Only one caller can move
// attempts past a given value, so two workers never submit the same attempt.
func (s *Store) ClaimAttempt(ctx context.Context, raffleID snowflake.ID, seen int, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&raffle.RandomnessRequest{}).
		Where("raffle_id = ? AND attempts = ? AND fulfilled_at IS NULL AND cancelled_at IS NULL", raffleID, seen).
		Updates(map[string]any{"attempts": seen + 1, "last_attempt_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("claim randomness attempt: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) RecordAttemptTx(ctx context.Context, raffleID snowflake.ID, txHash string) error {
	err := s.conn(ctx).Model(&raffle.RandomnessRequest{}).
		Where("raffle_id = ?", raffleID).
		Update("last_tx_hash", txHash).Error
	if err != nil {
		return fmt.Errorf("record randomness tx: %w", err)
	}
	return nil
}

// FulfillRandomness stores the seed once. It reports false if the request
// was already fulfilled or cancelled.
func (s *Store) FulfillRandomness(ctx context.Context, raffleID snowflake.ID, seed string, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&raffle.RandomnessRequest{}).
		Where("raffle_id = ? AND fulfilled_at IS NULL AND cancelled_at IS NULL", raffleID).
		Updates(map[string]any{"fulfilled_at": at, "result_seed": seed})
	if res.Error != nil {
		return false, fmt.Errorf("fulfill randomness: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CancelRandomness closes an unfulfilled request so no later attempt or
// fulfillment can use it. It reports false if the request was already
// fulfilled or cancelled.
func (s *Store) CancelRandomness(ctx context.Context, raffleID snowflake.ID, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&raffle.RandomnessRequest{}).
		Where("raffle_id = ? AND fulfilled_at IS NULL AND cancelled_at IS NULL", raffleID).
		Update("cancelled_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("cancel randomness request: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ActiveRequests lists every request still awaiting fulfillment.
func (s *Store) ActiveRequests(ctx context.Context) ([]raffle.RandomnessRequest, error) {
	var out []raffle.RandomnessRequest
	if err := s.conn(ctx).Where("fulfilled_at IS NULL AND cancelled_at IS NULL").Order("requested_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list active randomness requests: %w", err)
	}
	return out, nil
}

// MarkLivenessAlerted records that the exhausted-retries alert was raised.
func (s *Store) MarkLivenessAlerted(ctx context.Context, raffleID snowflake.ID, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&raffle.RandomnessRequest{}).
		Where("raffle_id = ? AND liveness_alerted_at IS NULL", raffleID).
		Update("liveness_alerted_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("mark liveness alerted: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
