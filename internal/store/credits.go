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

// InsertCredit appends a ledger entry. Settlement entries are unique per
// (raffle, user, source); a second insert reports false.
func (s *Store) InsertCredit(ctx context.Context, e *raffle.CreditEntry) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(e)
	if res.Error != nil {
		return false, fmt.Errorf("insert credit entry: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// OpenCredits returns a user's entries that are neither consumed nor marked
// expired. Callers still have to check ExpiresAt against the clock.
func (s *Store) OpenCredits(ctx context.Context, userID string) ([]raffle.CreditEntry, error) {
	var out []raffle.CreditEntry
	err := s.conn(ctx).
		Where("user_id = ? AND consumed_at IS NULL AND expired_at IS NULL", userID).
		Order("created_at").Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load credits of %s: %w", userID, err)
	}
	return out, nil
}

// UserCredits returns the full history of a user, newest first.
func (s *Store) UserCredits(ctx context.Context, userID string) ([]raffle.CreditEntry, error) {
	var out []raffle.CreditEntry
	if err := s.conn(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load credit history of %s: %w", userID, err)
	}
	return out, nil
}

// ConsumeCredit marks an open entry consumed. It reports false if another
// caller consumed or expired it first.
func (s *Store) ConsumeCredit(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&raffle.CreditEntry{}).
		Where("id = ? AND consumed_at IS NULL AND expired_at IS NULL", id).
		Update("consumed_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("consume credit %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DueForExpiry returns open entries whose expiry is at or before now.
func (s *Store) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]raffle.CreditEntry, error) {
	var out []raffle.CreditEntry
	err := s.conn(ctx).
		Where("consumed_at IS NULL AND expired_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at").Order("id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load expiring credits: %w", err)
	}
	return out, nil
}

func (s *Store) MarkExpired(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&raffle.CreditEntry{}).
		Where("id = ? AND consumed_at IS NULL AND expired_at IS NULL", id).
		Update("expired_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("expire credit %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SettlementCredits returns the entries issued by settling a raffle.
func (s *Store) SettlementCredits(ctx context.Context, raffleID snowflake.ID) ([]raffle.CreditEntry, error) {
	var out []raffle.CreditEntry
	if err := s.conn(ctx).Where("raffle_id = ?", raffleID).Order("user_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load settlement credits: %w", err)
	}
	return out, nil
}

// InsertOffer records a redemption offer. It reports false if the entry
// already has one.
func (s *Store) InsertOffer(ctx context.Context, o *raffle.RedemptionOffer) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(o)
	if res.Error != nil {
		return false, fmt.Errorf("insert redemption offer: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Offer loads one offer or returns raffle.ErrOfferNotFound.
func (s *Store) Offer(ctx context.Context, id snowflake.ID) (*raffle.RedemptionOffer, error) {
	var o raffle.RedemptionOffer
	err := s.conn(ctx).Where("id = ?", id).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, raffle.ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load offer %s: %w", id, err)
	}
	return &o, nil
}

// OpenOffers lists a user's unredeemed offers.
func (s *Store) OpenOffers(ctx context.Context, userID string) ([]raffle.RedemptionOffer, error) {
	var out []raffle.RedemptionOffer
	err := s.conn(ctx).Where("user_id = ? AND redeemed_at IS NULL", userID).Order("offered_at").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load offers of %s: %w", userID, err)
	}
	return out, nil
}

// RedeemOffer marks an offer redeemed by its owner, once.
func (s *Store) RedeemOffer(ctx context.Context, id snowflake.ID, userID string, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&raffle.RedemptionOffer{}).
		Where("id = ? AND user_id = ? AND redeemed_at IS NULL", id, userID).
		Update("redeemed_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("redeem offer %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
