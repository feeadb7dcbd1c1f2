package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/0gfoundation/0g-raffle/internal/raffle"
)

// RecordEvent writes the dedup row of a ledger event. It reports false if the
// reference was already recorded.
func (s *Store) RecordEvent(ctx context.Context, e *raffle.LedgerEvent) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(e)
	if res.Error != nil {
		return false, fmt.Errorf("record ledger event %s: %w", e.Ref, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Event returns the dedup row for ref, or nil if the event was never seen.
func (s *Store) Event(ctx context.Context, ref string) (*raffle.LedgerEvent, error) {
	var e raffle.LedgerEvent
	err := s.conn(ctx).Where("ref = ?", ref).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger event %s: %w", ref, err)
	}
	return &e, nil
}

// ReleaseParked deletes the dedup row of a parked event so it can be applied
// again. It reports false if ref is not parked.
func (s *Store) ReleaseParked(ctx context.Context, ref string) (bool, error) {
	res := s.conn(ctx).Where("ref = ? AND outcome = ?", ref, raffle.OutcomeParked).Delete(&raffle.LedgerEvent{})
	if res.Error != nil {
		return false, fmt.Errorf("release parked event %s: %w", ref, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ParkedEvents lists events awaiting manual inspection, oldest block first.
func (s *Store) ParkedEvents(ctx context.Context) ([]raffle.LedgerEvent, error) {
	var out []raffle.LedgerEvent
	err := s.conn(ctx).Where("outcome = ?", raffle.OutcomeParked).
		Order("block_number").Order("ref").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list parked events: %w", err)
	}
	return out, nil
}

// Cursor returns the last processed block of a watcher, and false if the
// watcher has never saved one.
func (s *Store) Cursor(ctx context.Context, watcherID string) (uint64, bool, error) {
	var c raffle.EventCursor
	err := s.conn(ctx).Where("watcher_id = ?", watcherID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", watcherID, err)
	}
	return c.LastProcessedBlock, true, nil
}

// SaveCursor upserts the resume point of a watcher. The cursor never moves
// backwards.
func (s *Store) SaveCursor(ctx context.Context, watcherID string, block uint64, at time.Time) error {
	prev, ok, err := s.Cursor(ctx, watcherID)
	if err != nil {
		return err
	}
	if ok && prev >= block {
		return nil
	}
	c := raffle.EventCursor{WatcherID: watcherID, LastProcessedBlock: block, UpdatedAt: at}
	err = s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "watcher_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_processed_block", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", watcherID, err)
	}
	return nil
}
