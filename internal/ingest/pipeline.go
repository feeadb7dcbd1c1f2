// Package ingest moves confirmed ledger events into the state machine. It
// reads from a durable cursor, applies each batch with per-raffle ordering
// across a fixed set of workers, and advances the cursor only after the
// whole batch is applied.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/metrics"
	"github.com/0gfoundation/0g-raffle/internal/statemachine"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

// Source is the ledger event stream.
type Source interface {
	Head(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, from, to uint64) ([]chain.Event, error)
}

// Applier applies one event exactly once.
type Applier interface {
	Apply(ctx context.Context, ev chain.Event) (statemachine.Result, error)
}

type Options struct {
	WatcherID     string
	StartBlock    uint64
	Confirmations uint64
	BatchSize     uint64
	Workers       int
	PollInterval  time.Duration
}

type Pipeline struct {
	source  Source
	applier Applier
	store   *store.Store
	parker  *Parker
	metrics *metrics.Metrics
	clock   clock.Clock
	opts    Options
	log     *zap.Logger
}

func NewPipeline(src Source, applier Applier, st *store.Store, parker *Parker, m *metrics.Metrics, clk clock.Clock, opts Options, log *zap.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 1
	}
	return &Pipeline{
		source:  src,
		applier: applier,
		store:   st,
		parker:  parker,
		metrics: m,
		clock:   clk,
		opts:    opts,
		log:     log.Named("ingest"),
	}
}

// Step applies the next batch of confirmed blocks. It reports whether more
// confirmed blocks remain beyond the batch.
func (p *Pipeline) Step(ctx context.Context) (bool, error) {
	from := p.opts.StartBlock
	last, ok, err := p.store.Cursor(ctx, p.opts.WatcherID)
	if err != nil {
		return false, err
	}
	if ok {
		from = last + 1
	}

	head, err := p.source.Head(ctx)
	if err != nil {
		return false, fmt.Errorf("read ledger head: %w", err)
	}
	if head < p.opts.Confirmations {
		return false, nil
	}
	safe := head - p.opts.Confirmations
	if from > safe {
		return false, nil
	}
	to := min(from+p.opts.BatchSize-1, safe)

	events, err := p.source.FetchEvents(ctx, from, to)
	if err != nil {
		return false, fmt.Errorf("fetch blocks %d-%d: %w", from, to, err)
	}
	if err := p.applyBatch(ctx, events); err != nil {
		return false, fmt.Errorf("apply blocks %d-%d: %w", from, to, err)
	}

	if err := p.store.SaveCursor(ctx, p.opts.WatcherID, to, p.clock.Now()); err != nil {
		return false, err
	}
	p.metrics.Cursor(to)
	if len(events) > 0 {
		p.log.Info("batch applied",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("events", len(events)),
		)
	}
	return to < safe, nil
}

// applyBatch shards events by raffle so each raffle's events stay in ledger
// order on a single worker while independent raffles proceed in parallel.
func (p *Pipeline) applyBatch(ctx context.Context, events []chain.Event) error {
	if len(events) == 0 {
		return nil
	}
	shards := make([][]chain.Event, p.opts.Workers)
	for _, ev := range events {
		i := int(uint64(ev.RaffleID) % uint64(p.opts.Workers))
		shards[i] = append(shards[i], ev)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		g.Go(func() error {
			for _, ev := range shard {
				if err := p.applyOne(gctx, ev); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) applyOne(ctx context.Context, ev chain.Event) error {
	res, err := p.applier.Apply(ctx, ev)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.Ref, err)
	}
	if res.Outcome == statemachine.Parked {
		p.parker.Park(ctx, ev, res.Detail)
	}
	return nil
}

// Run polls until ctx is done. Failed batches are retried from the durable
// cursor with exponential backoff.
func (p *Pipeline) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	p.log.Info("ingestion started",
		zap.String("watcher", p.opts.WatcherID),
		zap.Uint64("confirmations", p.opts.Confirmations),
		zap.Int("workers", p.opts.Workers),
	)
	for {
		more, err := p.Step(ctx)
		wait := p.opts.PollInterval
		switch {
		case ctx.Err() != nil:
			p.log.Info("ingestion stopped")
			return
		case err != nil:
			wait = bo.NextBackOff()
			p.log.Error("ingestion batch failed, retrying from cursor", zap.Duration("in", wait), zap.Error(err))
		case more:
			bo.Reset()
			continue
		default:
			bo.Reset()
		}
		select {
		case <-ctx.Done():
			p.log.Info("ingestion stopped")
			return
		case <-time.After(wait):
		}
	}
}
