package raffle

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is the application-visible lifecycle state of a raffle.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusFull            Status = "FULL"
	StatusRandomRequested Status = "RANDOM_REQUESTED"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CreditSource tags the origin of a credit ledger entry.
type CreditSource string

const (
	SourceLossRecovery    CreditSource = "loss-recovery"
	SourcePurchase        CreditSource = "purchase"
	SourceRefund          CreditSource = "refund"
	SourceRedemptionDebit CreditSource = "redemption-debit"
)

// CreditScope limits what a credit can be spent on.
type CreditScope string

const (
	ScopeGeneral CreditScope = "general"
	ScopeItem    CreditScope = "item"
)

// Raffle is the local mirror of one on-ledger raffle. BoxesSold always equals
// the number of BoxOwnership rows for the raffle.
type Raffle struct {
	ID              snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ItemRef         string       `gorm:"type:text;not null" json:"item_ref"`
	TotalBoxes      uint32       `gorm:"not null" json:"total_boxes"`
	BoxPrice        int64        `gorm:"not null" json:"box_price"`
	TotalWinners    uint32       `gorm:"not null" json:"total_winners"`
	MaxBoxesPerUser uint32       `gorm:"not null;default:0" json:"max_boxes_per_user"`
	CreditScope     CreditScope  `gorm:"type:text;not null;default:general" json:"credit_scope"`
	BoxesSold       uint32       `gorm:"not null;default:0" json:"boxes_sold"`
	Status          Status       `gorm:"type:text;not null;index" json:"status"`
	// RandomSeed is the decimal fulfillment seed; empty until COMPLETED.
	RandomSeed          string     `gorm:"type:text;not null;default:''" json:"random_seed"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at"`
	CancelledAt         *time.Time `json:"cancelled_at"`
	CancelReason        string     `gorm:"type:text;not null;default:''" json:"cancel_reason"`
	SettlementAppliedAt *time.Time `gorm:"index" json:"settlement_applied_at"`
	HaltedAt            *time.Time `json:"halted_at"`
	HaltReason          string     `gorm:"type:text;not null;default:''" json:"halt_reason"`
}

func (Raffle) TableName() string { return "raffles" }

// BoxCap is the effective per-user box limit.
func (r *Raffle) BoxCap() uint32 {
	if r.MaxBoxesPerUser == 0 {
		return r.TotalBoxes
	}
	return r.MaxBoxesPerUser
}

// Halted reports whether the integrity circuit is open for this raffle.
func (r *Raffle) Halted() bool { return r.HaltedAt != nil }

// BoxOwnership records one sold box. (RaffleID, BoxNumber) is written exactly once.
type BoxOwnership struct {
	RaffleID          snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"raffle_id"`
	BoxNumber         uint32       `gorm:"primaryKey;autoIncrement:false" json:"box_number"`
	OwnerUserID       string       `gorm:"type:text;not null;index" json:"owner_user_id"`
	PurchaseLedgerRef string       `gorm:"type:text;not null;uniqueIndex" json:"purchase_ledger_ref"`
	PurchasedAt       time.Time    `gorm:"not null" json:"purchased_at"`
}

func (BoxOwnership) TableName() string { return "box_ownerships" }

// Winner is one member of a completed raffle's winner set.
type Winner struct {
	RaffleID             snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"raffle_id"`
	UserID               string       `gorm:"primaryKey;type:text" json:"user_id"`
	Position             int          `gorm:"not null" json:"position"`
	FulfillmentFlaggedAt *time.Time   `json:"fulfillment_flagged_at"`
}

func (Winner) TableName() string { return "raffle_winners" }

// RandomnessRequest tracks the single randomness request of a raffle.
type RandomnessRequest struct {
	RaffleID          snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"raffle_id"`
	RequestID         snowflake.ID `gorm:"not null;uniqueIndex" json:"request_id"`
	RequestedAt       time.Time    `gorm:"not null" json:"requested_at"`
	Attempts          int          `gorm:"not null;default:0" json:"attempts"`
	LastAttemptAt     *time.Time   `json:"last_attempt_at"`
	LastTxHash        string       `gorm:"type:text;not null;default:''" json:"last_tx_hash"`
	FulfilledAt       *time.Time   `json:"fulfilled_at"`
	ResultSeed        string       `gorm:"type:text;not null;default:''" json:"result_seed"`
	LivenessAlertedAt *time.Time   `json:"liveness_alerted_at"`
	CancelledAt       *time.Time   `json:"cancelled_at"`
}

func (RandomnessRequest) TableName() string { return "randomness_requests" }

// Active reports whether the request is still awaiting fulfillment.
func (r *RandomnessRequest) Active() bool { return r.FulfilledAt == nil && r.CancelledAt == nil }

// EventCursor is the durable resume point of an ingestion watcher.
type EventCursor struct {
	WatcherID          string    `gorm:"primaryKey;type:text" json:"watcher_id"`
	LastProcessedBlock uint64    `gorm:"not null" json:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (EventCursor) TableName() string { return "event_cursors" }

// EventOutcome records what ingestion did with a ledger event.
type EventOutcome string

const (
	OutcomeApplied   EventOutcome = "applied"
	OutcomeDiscarded EventOutcome = "discarded"
	OutcomeParked    EventOutcome = "parked"
)

// LedgerEvent is the dedup record of a processed ledger event, keyed by its
// ledger reference (tx hash + log index).
type LedgerEvent struct {
	Ref         string       `gorm:"primaryKey;type:text" json:"ref"`
	RaffleID    snowflake.ID `gorm:"index" json:"raffle_id"`
	Kind        string       `gorm:"type:text;not null" json:"kind"`
	BlockNumber uint64       `gorm:"not null" json:"block_number"`
	Outcome     EventOutcome `gorm:"type:text;not null" json:"outcome"`
	Detail      string       `gorm:"type:text;not null;default:''" json:"detail"`
	ProcessedAt time.Time    `gorm:"not null" json:"processed_at"`
}

func (LedgerEvent) TableName() string { return "ledger_events" }

// CreditEntry is one append-only row of the credit ledger. A user's live
// balance is the sum of entries that are neither consumed nor expired.
type CreditEntry struct {
	ID     snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID string       `gorm:"type:text;not null;index;uniqueIndex:ux_credit_settlement,priority:2" json:"user_id"`
	Amount int64        `gorm:"not null" json:"amount"`
	Source CreditSource `gorm:"type:text;not null;uniqueIndex:ux_credit_settlement,priority:3" json:"source"`
	Scope  CreditScope  `gorm:"type:text;not null" json:"scope"`
	// ItemRef is set only for item-scoped entries.
	ItemRef string `gorm:"type:text;not null;default:''" json:"item_ref"`
	// RaffleID is set only for settlement-issued entries.
	RaffleID   *snowflake.ID `gorm:"uniqueIndex:ux_credit_settlement,priority:1" json:"raffle_id"`
	ParentID   *snowflake.ID `json:"parent_id"`
	ExpiresAt  *time.Time    `gorm:"index" json:"expires_at"`
	ConsumedAt *time.Time    `json:"consumed_at"`
	ExpiredAt  *time.Time    `json:"expired_at"`
	CreatedAt  time.Time     `gorm:"not null" json:"created_at"`
}

func (CreditEntry) TableName() string { return "credit_entries" }

// Live reports whether the entry still contributes to the balance at now.
func (e *CreditEntry) Live(now time.Time) bool {
	if e.ConsumedAt != nil || e.ExpiredAt != nil {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// RedemptionOffer is the last-chance free-item offer created when a credit
// entry expires unspent.
type RedemptionOffer struct {
	ID         snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	EntryID    snowflake.ID `gorm:"not null;uniqueIndex" json:"entry_id"`
	UserID     string       `gorm:"type:text;not null;index" json:"user_id"`
	Amount     int64        `gorm:"not null" json:"amount"`
	Scope      CreditScope  `gorm:"type:text;not null" json:"scope"`
	ItemRef    string       `gorm:"type:text;not null;default:''" json:"item_ref"`
	OfferedAt  time.Time    `gorm:"not null" json:"offered_at"`
	RedeemedAt *time.Time   `json:"redeemed_at"`
}

func (RedemptionOffer) TableName() string { return "redemption_offers" }

// Models lists every table the engine owns, in migration order.
func Models() []any {
	return []any{
		&Raffle{},
		&BoxOwnership{},
		&Winner{},
		&RandomnessRequest{},
		&EventCursor{},
		&LedgerEvent{},
		&CreditEntry{},
		&RedemptionOffer{},
	}
}
