package main

// The end-to-end tests drive the engine the way production does: buyers go
// through the HTTP API, the simulated ledger emits events for every accepted
// submission, and the ingestion pipeline applies them. Only the ledger itself
// is simulated.

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/alert"
	"github.com/0gfoundation/0g-raffle/internal/api"
	"github.com/0gfoundation/0g-raffle/internal/auth"
	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/credit"
	"github.com/0gfoundation/0g-raffle/internal/ingest"
	"github.com/0gfoundation/0g-raffle/internal/metrics"
	"github.com/0gfoundation/0g-raffle/internal/notify"
	"github.com/0gfoundation/0g-raffle/internal/randomness"
	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/settlement"
	"github.com/0gfoundation/0g-raffle/internal/statemachine"
	"github.com/0gfoundation/0g-raffle/internal/store"
	"github.com/0gfoundation/0g-raffle/internal/store/storetest"
)

const (
	e2eAdminKey      = "e2e-admin"
	e2eConfirmations = 2
	e2eSeed          = 12345
)

// ── simLedger ─────────────────────────────────────────────────────────────────

// simLedger accepts every submission and emits the event the raffle contract
// would, one block per submission.
type simLedger struct {
	mu      sync.Mutex
	block   uint64
	tx      int64
	boxes   map[snowflake.ID]uint32
	sold    map[snowflake.ID]uint32
	events  []chain.Event
	cancels []snowflake.ID
}

func newSimLedger() *simLedger {
	return &simLedger{boxes: map[snowflake.ID]uint32{}, sold: map[snowflake.ID]uint32{}}
}

func (l *simLedger) pending(op string, id snowflake.ID) chain.PendingTx {
	l.tx++
	return chain.PendingTx{Hash: common.BigToHash(big.NewInt(l.tx)).Hex(), Op: op, RaffleID: id, SubmittedAt: time.Now()}
}

func (l *simLedger) emit(ev chain.Event) {
	ev.Ref = chain.Ref{
		TxHash:      common.BigToHash(big.NewInt(l.tx)),
		LogIndex:    uint(len(l.events)),
		BlockNumber: l.block,
	}
	l.events = append(l.events, ev)
}

func (l *simLedger) SubmitCreateRaffle(_ context.Context, id snowflake.ID, totalBoxes uint32, _ int64, _, _ uint32) (chain.PendingTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.boxes[id] = totalBoxes
	return l.pending(chain.OpCreate, id), nil
}

func (l *simLedger) SubmitPurchase(_ context.Context, id snowflake.ID, buyer string) (chain.PendingTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sold[id] >= l.boxes[id] {
		return chain.PendingTx{}, fmt.Errorf("execution reverted: sold out")
	}
	p := l.pending(chain.OpPurchase, id)
	l.block++
	box := l.sold[id]
	l.sold[id]++
	l.emit(chain.Event{Kind: chain.KindBoxPurchased, RaffleID: id, BoxNumber: box, Buyer: buyer})
	if l.sold[id] == l.boxes[id] {
		l.emit(chain.Event{Kind: chain.KindFull, RaffleID: id})
	}
	return p, nil
}

func (l *simLedger) SubmitRandomnessRequest(_ context.Context, id snowflake.ID) (chain.PendingTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pending(chain.OpRandomness, id)
	l.block++
	l.emit(chain.Event{Kind: chain.KindWinnerSelected, RaffleID: id, Seed: big.NewInt(e2eSeed)})
	return p, nil
}

func (l *simLedger) SubmitCancel(_ context.Context, id snowflake.ID) (chain.PendingTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels = append(l.cancels, id)
	return l.pending(chain.OpCancel, id), nil
}

// Head keeps every emitted block past the confirmation depth.
func (l *simLedger) Head(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block + e2eConfirmations, nil
}

func (l *simLedger) FetchEvents(_ context.Context, from, to uint64) ([]chain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []chain.Event
	for _, ev := range l.events {
		if ev.Ref.BlockNumber >= from && ev.Ref.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ── stack ─────────────────────────────────────────────────────────────────────

type stack struct {
	st       *store.Store
	rdb      *redis.Client
	ledger   *simLedger
	machine  *statemachine.Machine
	credits  *credit.Ledger
	parker   *ingest.Parker
	pipeline *ingest.Pipeline
	router   *gin.Engine
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := storetest.New(t)
	m := metrics.New()
	clk := clock.Real()
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sim := newSimLedger()
	alerts := alert.NewNotifier(rdb, 16, log)
	publisher := notify.NewPublisher(rdb, log)
	bridge := randomness.NewBridge(st, sim, alerts, m, clk, time.Minute, 3, log)
	settler := settlement.NewEngine(st, publisher, alerts, m, clk, ids, settlement.Policy{GeneralTTL: 90 * 24 * time.Hour}, log)
	credits := credit.NewLedger(st, publisher, m, clk, ids, log)
	machine := statemachine.New(statemachine.Deps{
		Store:      st,
		Ledger:     sim,
		Randomness: bridge,
		Settler:    settler,
		Broadcast:  publisher,
		Alerts:     alerts,
		Metrics:    m,
		Clock:      clk,
		IDs:        ids,
	}, log)
	parker := ingest.NewParker(rdb, st, machine, clk, log)

	r := gin.New()
	r.GET("/metrics", gin.WrapH(m.Handler()))
	api.NewHandler(machine, credits, parker, rdb, e2eAdminKey, log).Register(r)

	s := &stack{st: st, rdb: rdb, ledger: sim, machine: machine, credits: credits, parker: parker, router: r}
	s.pipeline = s.newPipeline("raffle:e2e")
	return s
}

func (s *stack) newPipeline(watcherID string) *ingest.Pipeline {
	return ingest.NewPipeline(s.ledger, s.machine, s.st, s.parker, nil, clock.Real(), ingest.Options{
		WatcherID:     watcherID,
		StartBlock:    1,
		Confirmations: e2eConfirmations,
		BatchSize:     2,
		Workers:       4,
	}, zap.NewNop())
}

// drain runs p until its cursor reaches the ledger's last block. Applying an
// event can itself submit to the ledger, so new blocks may appear mid-drain.
func (s *stack) drain(t *testing.T) {
	t.Helper()
	s.drainWith(t, s.pipeline, "raffle:e2e")
}

func (s *stack) drainWith(t *testing.T, p *ingest.Pipeline, watcherID string) {
	t.Helper()
	ctx := context.Background()
	for range 100 {
		if _, err := p.Step(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
		cursor, _, err := s.st.Cursor(ctx, watcherID)
		require.NoError(t, err)
		s.ledger.mu.Lock()
		last := s.ledger.block
		s.ledger.mu.Unlock()
		if cursor >= last {
			return
		}
	}
	t.Fatal("pipeline did not catch up")
}

func jsonBody(s string) *strings.Reader { return strings.NewReader(s) }

func (s *stack) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *stack) createRaffle(t *testing.T, body string) snowflake.ID {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/admin/raffles", jsonBody(body))
	req.Header.Set(auth.HeaderAdminKey, e2eAdminKey)
	w := s.serve(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var r raffle.Raffle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	return r.ID
}

type buyer struct {
	key    *ecdsa.PrivateKey
	wallet string
	nonce  int
}

func newBuyer(t *testing.T) *buyer {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &buyer{key: k, wallet: crypto.PubkeyToAddress(k.PublicKey).Hex()}
}

func (b *buyer) purchase(t *testing.T, s *stack, id snowflake.ID) *httptest.ResponseRecorder {
	t.Helper()
	b.nonce++
	msg, err := json.Marshal(auth.SignedRequest{
		Action:     api.ActionPurchase,
		ExpiresAt:  time.Now().Add(time.Minute).Unix(),
		Nonce:      fmt.Sprintf("%d", b.nonce),
		Payload:    json.RawMessage(`{}`),
		ResourceID: id.String(),
	})
	require.NoError(t, err)
	sig, err := crypto.Sign(auth.HashMessage(msg), b.key)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/raffles/"+id.String()+"/purchase", nil)
	req.Header.Set(auth.HeaderWallet, b.wallet)
	req.Header.Set(auth.HeaderMessage, base64.StdEncoding.EncodeToString(msg))
	req.Header.Set(auth.HeaderSignature, "0x"+hex.EncodeToString(sig))
	return s.serve(req)
}

func (s *stack) balance(t *testing.T, user string) int64 {
	t.Helper()
	bal, err := s.credits.Balance(context.Background(), user, credit.General())
	require.NoError(t, err)
	return bal
}

// ── scenarios ─────────────────────────────────────────────────────────────────

// A 3-box, 1-winner raffle sold to three buyers completes, the winner is
// handed to fulfillment and both losers receive their spend back as credit.
func TestE2E_SellOutSettlesLossRecovery(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	id := s.createRaffle(t, `{"item_ref":"sku-e2e","total_boxes":3,"box_price":10,"total_winners":1,"max_boxes_per_user":1}`)

	buyers := []*buyer{newBuyer(t), newBuyer(t), newBuyer(t)}
	for _, b := range buyers {
		w := b.purchase(t, s, id)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}
	s.drain(t)

	view, err := s.machine.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, raffle.StatusCompleted, view.Status)
	require.Equal(t, fmt.Sprint(e2eSeed), view.RandomSeed)
	require.NotNil(t, view.SettlementAppliedAt)
	require.Len(t, view.Winners, 1)

	var winners, losers int
	for _, b := range buyers {
		switch s.balance(t, b.wallet) {
		case 0:
			require.Equal(t, view.Winners[0], b.wallet)
			winners++
		case 10:
			losers++
		default:
			t.Fatalf("unexpected balance for %s", b.wallet)
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, 2, losers)

	raw, err := s.rdb.LPop(ctx, notify.FulfillmentQueue).Result()
	require.NoError(t, err)
	var job notify.FulfillmentJob
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	require.Equal(t, id, job.RaffleID)
	require.Equal(t, view.Winners, job.Winners)
}

// A fourth buyer is turned away once the raffle is sold out, and the per-user
// cap stops a second box for the same buyer.
func TestE2E_AdmissionRejections(t *testing.T) {
	s := newStack(t)
	id := s.createRaffle(t, `{"item_ref":"sku-cap","total_boxes":2,"box_price":5,"total_winners":1,"max_boxes_per_user":1}`)

	a, b := newBuyer(t), newBuyer(t)
	require.Equal(t, http.StatusAccepted, a.purchase(t, s, id).Code)
	s.drain(t)
	require.Equal(t, http.StatusConflict, a.purchase(t, s, id).Code)

	require.Equal(t, http.StatusAccepted, b.purchase(t, s, id).Code)
	s.drain(t)
	require.Equal(t, http.StatusConflict, newBuyer(t).purchase(t, s, id).Code)
}

// Cancelling a partly sold raffle refunds every buyer in general credit that
// can be spent right away.
func TestE2E_CancelRefunds(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	id := s.createRaffle(t, `{"item_ref":"sku-cancel","total_boxes":5,"box_price":7,"total_winners":1,"max_boxes_per_user":3}`)

	a, b := newBuyer(t), newBuyer(t)
	for _, p := range []*buyer{a, a, b} {
		require.Equal(t, http.StatusAccepted, p.purchase(t, s, id).Code)
	}
	s.drain(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/raffles/"+id.String()+"/cancel", jsonBody(`{"reason":"supplier out of stock"}`))
	req.Header.Set(auth.HeaderAdminKey, e2eAdminKey)
	w := s.serve(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, []snowflake.ID{id}, s.ledger.cancels)

	require.EqualValues(t, 14, s.balance(t, a.wallet))
	require.EqualValues(t, 7, s.balance(t, b.wallet))

	d, err := s.credits.Consume(ctx, a.wallet, 10, credit.Item("anything"))
	require.NoError(t, err)
	require.EqualValues(t, 10, d.Amount)
	require.EqualValues(t, 4, s.balance(t, a.wallet))

	require.Equal(t, http.StatusConflict, b.purchase(t, s, id).Code)
}

// Replaying the whole event history from block one changes nothing.
func TestE2E_ReplayIsIdempotent(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	id := s.createRaffle(t, `{"item_ref":"sku-replay","total_boxes":2,"box_price":4,"total_winners":1}`)

	a, b := newBuyer(t), newBuyer(t)
	require.Equal(t, http.StatusAccepted, a.purchase(t, s, id).Code)
	require.Equal(t, http.StatusAccepted, b.purchase(t, s, id).Code)
	s.drain(t)

	before := s.balance(t, a.wallet) + s.balance(t, b.wallet)
	require.EqualValues(t, 4, before)

	s.drainWith(t, s.newPipeline("raffle:e2e-replay"), "raffle:e2e-replay")

	require.Equal(t, before, s.balance(t, a.wallet)+s.balance(t, b.wallet))
	view, err := s.machine.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, raffle.StatusCompleted, view.Status)
	require.EqualValues(t, 2, view.BoxesSold)
}

func TestE2E_MetricsExposed(t *testing.T) {
	s := newStack(t)
	w := s.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}
