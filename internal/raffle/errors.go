package raffle

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Business-rule rejections, returned synchronously to the caller.
var (
	ErrNotFound           = errors.New("raffle not found")
	ErrInvalidRaffle      = errors.New("invalid raffle parameters")
	ErrRaffleNotOpen      = errors.New("raffle is not open")
	ErrRaffleFull         = errors.New("raffle is full")
	ErrRaffleHalted       = errors.New("raffle is halted pending reconciliation")
	ErrBoxLimitReached    = errors.New("per-user box limit reached")
	ErrNotCancellable     = errors.New("raffle can no longer be cancelled")
	ErrNotHalted          = errors.New("raffle is not halted")
	ErrInvalidBuyer       = errors.New("invalid buyer address")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidCredit      = errors.New("invalid credit entry")
	ErrOfferNotFound      = errors.New("redemption offer not found")
	ErrOfferRedeemed      = errors.New("redemption offer already redeemed")
)

// IntegrityError is a data-integrity fault: the local mirror and the ledger
// disagree, or a settlement invariant failed. It is fatal for the affected
// raffle only and must never be auto-corrected.
type IntegrityError struct {
	RaffleID snowflake.ID
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity fault on raffle %s: %s", e.RaffleID, e.Reason)
}

// Integrity builds an IntegrityError with a formatted reason.
func Integrity(raffleID snowflake.ID, format string, args ...any) error {
	return &IntegrityError{RaffleID: raffleID, Reason: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err wraps an IntegrityError and returns it.
func IsIntegrity(err error) (*IntegrityError, bool) {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
