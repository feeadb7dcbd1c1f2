package raffle

import (
	"fmt"
	"strings"
)

// CreateParams are the operator-supplied settings of a new raffle.
type CreateParams struct {
	ItemRef         string      `json:"item_ref"`
	TotalBoxes      uint32      `json:"total_boxes"`
	BoxPrice        int64       `json:"box_price"`
	TotalWinners    uint32      `json:"total_winners"`
	MaxBoxesPerUser uint32      `json:"max_boxes_per_user"`
	CreditScope     CreditScope `json:"credit_scope"`
}

// ValidateParams rejects raffles whose winner count could exceed the number of
// distinct owners. With a per-user cap c, the worst case is every buyer taking
// c boxes, leaving ceil(totalBoxes/c) distinct owners.
func ValidateParams(p CreateParams) error {
	if strings.TrimSpace(p.ItemRef) == "" {
		return fmt.Errorf("%w: item_ref is required", ErrInvalidRaffle)
	}
	if p.TotalBoxes == 0 {
		return fmt.Errorf("%w: total_boxes must be positive", ErrInvalidRaffle)
	}
	if p.BoxPrice <= 0 {
		return fmt.Errorf("%w: box_price must be positive", ErrInvalidRaffle)
	}
	if p.TotalWinners == 0 || p.TotalWinners > p.TotalBoxes {
		return fmt.Errorf("%w: total_winners must be in [1, total_boxes]", ErrInvalidRaffle)
	}
	if p.MaxBoxesPerUser > p.TotalBoxes {
		return fmt.Errorf("%w: max_boxes_per_user exceeds total_boxes", ErrInvalidRaffle)
	}
	switch p.CreditScope {
	case "", ScopeGeneral, ScopeItem:
	default:
		return fmt.Errorf("%w: unknown credit_scope %q", ErrInvalidRaffle, p.CreditScope)
	}

	limit := p.MaxBoxesPerUser
	if limit == 0 {
		limit = p.TotalBoxes
	}
	minOwners := (p.TotalBoxes + limit - 1) / limit
	if p.TotalWinners > minOwners {
		return fmt.Errorf("%w: %d winners but a single-owner concentration leaves only %d distinct owners",
			ErrInvalidRaffle, p.TotalWinners, minOwners)
	}
	return nil
}
