package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/0gfoundation/0g-raffle/internal/raffle"
)

func (s *Store) CreateRaffle(ctx context.Context, r *raffle.Raffle) error {
	if err := s.conn(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("insert raffle: %w", err)
	}
	return nil
}

// Raffle loads one raffle or returns raffle.ErrNotFound.
func (s *Store) Raffle(ctx context.Context, id snowflake.ID) (*raffle.Raffle, error) {
	var r raffle.Raffle
	err := s.conn(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, raffle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load raffle %s: %w", id, err)
	}
	return &r, nil
}

// Transition moves a raffle from one of the from states to to, applying the
// extra column updates in the same statement. It reports false when the
// raffle was not in any of the from states.
func (s *Store) Transition(ctx context.Context, id snowflake.ID, from []raffle.Status, to raffle.Status, extra map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.conn(ctx).Model(&raffle.Raffle{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition raffle %s to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// IncrementSold bumps boxes_sold by one if it still equals expected and the
// raffle is OPEN.
func (s *Store) IncrementSold(ctx context.Context, id snowflake.ID, expected uint32) (bool, error) {
	res := s.conn(ctx).Model(&raffle.Raffle{}).
		Where("id = ? AND status = ? AND boxes_sold = ?", id, raffle.StatusOpen, expected).
		Update("boxes_sold", gorm.Expr("boxes_sold + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("increment boxes_sold: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Halt opens the integrity circuit for a raffle. The first reason wins.
func (s *Store) Halt(ctx context.Context, id snowflake.ID, reason string, at time.Time) error {
	err := s.conn(ctx).Model(&raffle.Raffle{}).
		Where("id = ? AND halted_at IS NULL", id).
		Updates(map[string]any{"halted_at": at, "halt_reason": reason}).Error
	if err != nil {
		return fmt.Errorf("halt raffle %s: %w", id, err)
	}
	return nil
}

// ClearHalt closes the circuit. It reports false if the raffle was not halted.
func (s *Store) ClearHalt(ctx context.Context, id snowflake.ID) (bool, error) {
	res := s.conn(ctx).Model(&raffle.Raffle{}).
		Where("id = ? AND halted_at IS NOT NULL", id).
		Updates(map[string]any{"halted_at": nil, "halt_reason": ""})
	if res.Error != nil {
		return false, fmt.Errorf("resume raffle %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkSettled sets settlement_applied_at once.
func (s *Store) MarkSettled(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&raffle.Raffle{}).
		Where("id = ? AND settlement_applied_at IS NULL", id).
		Update("settlement_applied_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("mark settled %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UnsettledTerminal lists terminal, non-halted raffles that still await
// settlement.
func (s *Store) UnsettledTerminal(ctx context.Context, limit int) ([]raffle.Raffle, error) {
	var out []raffle.Raffle
	err := s.conn(ctx).
		Where("status IN ? AND settlement_applied_at IS NULL AND halted_at IS NULL",
			[]raffle.Status{raffle.StatusCompleted, raffle.StatusCancelled}).
		Order("id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unsettled raffles: %w", err)
	}
	return out, nil
}

// Halted lists raffles with an open integrity circuit.
func (s *Store) Halted(ctx context.Context) ([]raffle.Raffle, error) {
	var out []raffle.Raffle
	if err := s.conn(ctx).Where("halted_at IS NOT NULL").Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list halted raffles: %w", err)
	}
	return out, nil
}
