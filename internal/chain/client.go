package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/config"
	"github.com/0gfoundation/0g-raffle/internal/metrics"
)

// Ledger operations, used as pending-tx and metrics labels.
const (
	OpCreate     = "create"
	OpPurchase   = "purchase"
	OpRandomness = "randomness"
	OpCancel     = "cancel"
)

const (
	defaultMaxTries = 5
	// maxResigns bounds how often a submission is re-signed after the node
	// reports its nonce as already used.
	maxResigns = 3
)

// Backend is the part of an Ethereum RPC client the gateway needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client is the ledger gateway: it signs and submits raffle contract calls
// with the operator key and reads the contract's event log.
type Client struct {
	backend      Backend
	contract     *bind.BoundContract
	contractAddr common.Address
	chainID      *big.Int
	operatorKey  *ecdsa.PrivateKey
	rdb          *redis.Client
	metrics      *metrics.Metrics
	log          *zap.Logger

	// mu serializes sign+send so concurrent submissions never share a nonce.
	mu sync.Mutex

	maxTries   uint
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

func NewClient(cfg *config.Config, rdb *redis.Client, m *metrics.Metrics, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.OperatorPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator private key: %w", err)
	}

	return newClient(eth, common.HexToAddress(cfg.Chain.ContractAddress), big.NewInt(cfg.Chain.ChainID), privKey, rdb, m, log), nil
}

func newClient(backend Backend, addr common.Address, chainID *big.Int, key *ecdsa.PrivateKey, rdb *redis.Client, m *metrics.Metrics, log *zap.Logger) *Client {
	return &Client{
		backend:      backend,
		contract:     bind.NewBoundContract(addr, raffleABI, backend, backend, backend),
		contractAddr: addr,
		chainID:      chainID,
		operatorKey:  key,
		rdb:          rdb,
		metrics:      m,
		log:          log.Named("chain"),
		maxTries:     defaultMaxTries,
		newBackOff:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// OperatorAddress is the account that signs every submission.
func (c *Client) OperatorAddress() common.Address {
	return crypto.PubkeyToAddress(c.operatorKey.PublicKey)
}

// ContractAddress returns the raffle contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// SubmitCreateRaffle registers a raffle on the ledger.
func (c *Client) SubmitCreateRaffle(ctx context.Context, raffleID snowflake.ID, totalBoxes uint32, boxPrice int64, totalWinners, maxBoxesPerUser uint32) (PendingTx, error) {
	return c.submit(ctx, OpCreate, raffleID, "createRaffle",
		big.NewInt(raffleID.Int64()), totalBoxes, big.NewInt(boxPrice), totalWinners, maxBoxesPerUser)
}

// SubmitPurchase asks the ledger to sell the next free box to buyer. The
// ledger accepts or rejects it atomically; the outcome arrives as an event.
func (c *Client) SubmitPurchase(ctx context.Context, raffleID snowflake.ID, buyer string) (PendingTx, error) {
	if !common.IsHexAddress(buyer) {
		return PendingTx{}, fmt.Errorf("invalid buyer address %q", buyer)
	}
	return c.submit(ctx, OpPurchase, raffleID, "purchaseBox",
		big.NewInt(raffleID.Int64()), common.HexToAddress(buyer))
}

// SubmitRandomnessRequest asks the ledger's randomness source for a seed.
func (c *Client) SubmitRandomnessRequest(ctx context.Context, raffleID snowflake.ID) (PendingTx, error) {
	return c.submit(ctx, OpRandomness, raffleID, "requestRandomness", big.NewInt(raffleID.Int64()))
}

// SubmitCancel closes a raffle for sales on the ledger.
func (c *Client) SubmitCancel(ctx context.Context, raffleID snowflake.ID) (PendingTx, error) {
	return c.submit(ctx, OpCancel, raffleID, "cancelRaffle", big.NewInt(raffleID.Int64()))
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// FetchEvents returns the consumed contract events in [from, to], in ledger
// order. Logs removed by a reorg are dropped.
func (c *Client) FetchEvents(ctx context.Context, from, to uint64) ([]Event, error) {
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contractAddr},
		Topics:    [][]common.Hash{EventTopics()},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		events = append(events, Decode(l))
	}
	return events, nil
}

// submit signs the call once and then broadcasts that same transaction until
// the node accepts it, so a retry after a lost response cannot produce a
// second transaction. A nonce the node has already seen means another
// transaction from the operator key got there first; the call is then signed
// again with a fresh nonce.
func (c *Client) submit(ctx context.Context, op string, raffleID snowflake.ID, method string, args ...any) (PendingTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tx *types.Transaction
	for resign := 0; ; resign++ {
		var err error
		tx, err = c.sign(ctx, method, args...)
		if err != nil {
			c.metrics.LedgerSubmission(op, "failed")
			return PendingTx{}, fmt.Errorf("%s tx: %w", method, err)
		}
		err = c.send(ctx, op, tx)
		if err == nil {
			break
		}
		if staleNonce(err) && resign < maxResigns {
			c.log.Warn("nonce already used, re-signing",
				zap.String("op", op),
				zap.Uint64("nonce", tx.Nonce()),
				zap.Error(err),
			)
			continue
		}
		c.metrics.LedgerSubmission(op, "failed")
		return PendingTx{}, fmt.Errorf("send %s tx %s: %w", method, tx.Hash().Hex(), err)
	}

	p := PendingTx{
		Hash:        tx.Hash().Hex(),
		Op:          op,
		RaffleID:    raffleID,
		SubmittedAt: c.now(),
	}
	c.track(ctx, p)
	c.metrics.LedgerSubmission(op, "submitted")
	c.log.Info("ledger tx submitted",
		zap.String("op", op),
		zap.String("raffle", raffleID.String()),
		zap.String("tx", p.Hash),
		zap.Uint64("nonce", tx.Nonce()),
	)
	return p, nil
}

// sign builds and signs the call without broadcasting it. The nonce is the
// operator's pending nonce at the time of signing.
func (c *Client) sign(ctx context.Context, method string, args ...any) (*types.Transaction, error) {
	return backoff.Retry(ctx, func() (*types.Transaction, error) {
		opts, err := bind.NewKeyedTransactorWithChainID(c.operatorKey, c.chainID)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build tx opts: %w", err))
		}
		opts.Context = ctx
		opts.NoSend = true
		tx, err := c.contract.Transact(opts, method, args...)
		if err != nil {
			return nil, classify(err)
		}
		return tx, nil
	}, c.retryOptions()...)
}

func (c *Client) send(ctx context.Context, op string, tx *types.Transaction) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.backend.SendTransaction(ctx, tx)
		if err == nil || alreadyKnown(err) {
			return struct{}{}, nil
		}
		if staleNonce(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.log.Warn("send transaction failed, retrying",
			zap.String("op", op),
			zap.String("tx", tx.Hash().Hex()),
			zap.Error(err),
		)
		return struct{}{}, classify(err)
	}, c.retryOptions()...)
	return err
}

func (c *Client) retryOptions() []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	}
}

// classify marks errors that no retry can fix as permanent.
func classify(err error) error {
	if errors.Is(err, bind.ErrNoCode) {
		return backoff.Permanent(err)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"execution reverted", "insufficient funds", "invalid sender"} {
		if strings.Contains(msg, s) {
			return backoff.Permanent(err)
		}
	}
	return err
}

// staleNonce reports a rejection caused by the nonce, not by the call itself.
func staleNonce(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
