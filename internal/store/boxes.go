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

// InsertBox records a sold box. It reports false, without error, when the
// box or the purchase reference is already recorded.
func (s *Store) InsertBox(ctx context.Context, b *raffle.BoxOwnership) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(b)
	if res.Error != nil {
		return false, fmt.Errorf("insert box %d: %w", b.BoxNumber, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Box returns the owner record of a box, or nil if it is unsold.
func (s *Store) Box(ctx context.Context, raffleID snowflake.ID, number uint32) (*raffle.BoxOwnership, error) {
	var b raffle.BoxOwnership
	err := s.conn(ctx).Where("raffle_id = ? AND box_number = ?", raffleID, number).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load box %d: %w", number, err)
	}
	return &b, nil
}

func (s *Store) CountBoxes(ctx context.Context, raffleID snowflake.ID) (int64, error) {
	var n int64
	if err := s.conn(ctx).Model(&raffle.BoxOwnership{}).Where("raffle_id = ?", raffleID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count boxes: %w", err)
	}
	return n, nil
}

func (s *Store) CountOwned(ctx context.Context, raffleID snowflake.ID, owner string) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&raffle.BoxOwnership{}).
		Where("raffle_id = ? AND owner_user_id = ?", raffleID, owner).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count owned boxes: %w", err)
	}
	return n, nil
}

// Tickets returns every sold box of a raffle in box-number order.
func (s *Store) Tickets(ctx context.Context, raffleID snowflake.ID) ([]raffle.BoxOwnership, error) {
	var out []raffle.BoxOwnership
	if err := s.conn(ctx).Where("raffle_id = ?", raffleID).Order("box_number").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load tickets: %w", err)
	}
	return out, nil
}

func (s *Store) InsertWinners(ctx context.Context, ws []raffle.Winner) error {
	if len(ws) == 0 {
		return nil
	}
	if err := s.conn(ctx).Create(&ws).Error; err != nil {
		return fmt.Errorf("insert winners: %w", err)
	}
	return nil
}

// Winners returns the recorded winner set in selection order.
func (s *Store) Winners(ctx context.Context, raffleID snowflake.ID) ([]raffle.Winner, error) {
	var out []raffle.Winner
	if err := s.conn(ctx).Where("raffle_id = ?", raffleID).Order("position").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load winners: %w", err)
	}
	return out, nil
}

// FlagWinners marks every winner of a raffle for fulfillment.
func (s *Store) FlagWinners(ctx context.Context, raffleID snowflake.ID, at time.Time) error {
	err := s.conn(ctx).Model(&raffle.Winner{}).
		Where("raffle_id = ? AND fulfillment_flagged_at IS NULL", raffleID).
		Update("fulfillment_flagged_at", at).Error
	if err != nil {
		return fmt.Errorf("flag winners: %w", err)
	}
	return nil
}
