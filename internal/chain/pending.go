package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// PendingKey is the Redis hash of submitted, not yet mined transactions,
// keyed by transaction hash.
const PendingKey = "ledger:pending"

// PendingTx is the handle returned for every submission.
type PendingTx struct {
	Hash        string       `json:"hash"`
	Op          string       `json:"op"`
	RaffleID    snowflake.ID `json:"raffle_id"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// track records a submission. A lost record only loses receipt logging, the
// ledger events still drive the engine.
func (c *Client) track(ctx context.Context, p PendingTx) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.rdb.HSet(ctx, PendingKey, p.Hash, raw).Err(); err != nil {
		c.log.Warn("track pending tx", zap.String("tx", p.Hash), zap.Error(err))
	}
}

// Pending lists transactions still awaiting a receipt.
func (c *Client) Pending(ctx context.Context) ([]PendingTx, error) {
	all, err := c.rdb.HGetAll(ctx, PendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending txs: %w", err)
	}
	out := make([]PendingTx, 0, len(all))
	for hash, raw := range all {
		var p PendingTx
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			c.log.Error("drop malformed pending tx", zap.String("tx", hash), zap.Error(err))
			c.rdb.HDel(ctx, PendingKey, hash) //nolint:errcheck
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// CheckPending looks up the receipt of every tracked transaction and forgets
// the mined ones. Reverted transactions are logged as errors; they never
// change engine state, which only follows ledger events.
func (c *Client) CheckPending(ctx context.Context, staleAfter time.Duration) error {
	pending, err := c.Pending(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(p.Hash))
		if errors.Is(err, ethereum.NotFound) {
			if age := c.now().Sub(p.SubmittedAt); age > staleAfter {
				c.log.Warn("ledger tx still pending",
					zap.String("op", p.Op),
					zap.String("raffle", p.RaffleID.String()),
					zap.String("tx", p.Hash),
					zap.Duration("age", age),
				)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("receipt %s: %w", p.Hash, err)
		}

		if receipt.Status == types.ReceiptStatusSuccessful {
			c.metrics.LedgerTx(p.Op, "success")
			c.log.Info("ledger tx mined",
				zap.String("op", p.Op),
				zap.String("raffle", p.RaffleID.String()),
				zap.String("tx", p.Hash),
				zap.Uint64("block", receipt.BlockNumber.Uint64()),
			)
		} else {
			c.metrics.LedgerTx(p.Op, "reverted")
			c.log.Error("ledger tx reverted",
				zap.String("op", p.Op),
				zap.String("raffle", p.RaffleID.String()),
				zap.String("tx", p.Hash),
			)
		}
		c.rdb.HDel(ctx, PendingKey, p.Hash) //nolint:errcheck
	}
	return nil
}

// RunPendingTracker polls receipts until ctx is done.
func (c *Client) RunPendingTracker(ctx context.Context, interval, staleAfter time.Duration) {
	c.log.Info("pending tx tracker started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("pending tx tracker stopped")
			return
		case <-ticker.C:
			if err := c.CheckPending(ctx, staleAfter); err != nil && ctx.Err() == nil {
				c.log.Error("check pending txs", zap.Error(err))
			}
		}
	}
}
