// Package api is the HTTP surface of the engine: buyer endpoints
// authenticated by wallet signature, and operator endpoints behind the admin
// key.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/auth"
	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/credit"
	"github.com/0gfoundation/0g-raffle/internal/ingest"
	"github.com/0gfoundation/0g-raffle/internal/raffle"
	"github.com/0gfoundation/0g-raffle/internal/statemachine"
)

// Signed actions, as named in the envelope's "action" field.
const (
	ActionPurchase = "purchase"
	ActionConsume  = "consume"
	ActionCredits  = "credits"
	ActionOffers   = "offers"
	ActionRedeem   = "redeem"
)

// Raffles is satisfied by statemachine.Machine.
type Raffles interface {
	CreateRaffle(ctx context.Context, p raffle.CreateParams) (*raffle.Raffle, error)
	RequestPurchase(ctx context.Context, raffleID snowflake.ID, buyer string) (chain.PendingTx, error)
	Cancel(ctx context.Context, raffleID snowflake.ID, reason string) error
	Resume(ctx context.Context, raffleID snowflake.ID) error
	Get(ctx context.Context, raffleID snowflake.ID) (*statemachine.View, error)
}

// Credits is satisfied by credit.Ledger.
type Credits interface {
	Grant(ctx context.Context, g credit.Grant) (*raffle.CreditEntry, error)
	Consume(ctx context.Context, userID string, amount int64, scope credit.Scope) (*credit.Debit, error)
	Balance(ctx context.Context, userID string, scope credit.Scope) (int64, error)
	History(ctx context.Context, userID string) ([]raffle.CreditEntry, error)
	Offers(ctx context.Context, userID string) ([]raffle.RedemptionOffer, error)
	RedeemOffer(ctx context.Context, offerID snowflake.ID, userID string) (*raffle.RedemptionOffer, error)
}

// Parked is satisfied by ingest.Parker.
type Parked interface {
	List(ctx context.Context) ([]ingest.ParkedEvent, error)
	Replay(ctx context.Context, ref string) (statemachine.Result, error)
}

type Handler struct {
	raffles  Raffles
	credits  Credits
	parked   Parked
	rdb      *redis.Client
	adminKey string
	log      *zap.Logger
}

func NewHandler(raffles Raffles, credits Credits, parked Parked, rdb *redis.Client, adminKey string, log *zap.Logger) *Handler {
	return &Handler{
		raffles:  raffles,
		credits:  credits,
		parked:   parked,
		rdb:      rdb,
		adminKey: adminKey,
		log:      log.Named("api"),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	// ── Public ──────────────────────────────────────────────────────────────
	r.GET("/api/raffles/:id", h.getRaffle)

	// ── Buyer (wallet-signed) ───────────────────────────────────────────────
	user := r.Group("/api")
	user.POST("/raffles/:id/purchase", auth.Wallet(h.rdb, ActionPurchase), h.purchase)
	user.POST("/credits/consume", auth.Wallet(h.rdb, ActionConsume), h.consume)
	user.GET("/credits", auth.Wallet(h.rdb, ActionCredits), h.listCredits)
	user.GET("/offers", auth.Wallet(h.rdb, ActionOffers), h.listOffers)
	user.POST("/offers/:id/redeem", auth.Wallet(h.rdb, ActionRedeem), h.redeem)

	// ── Operator ────────────────────────────────────────────────────────────
	admin := r.Group("/admin", auth.AdminKey(h.adminKey))
	admin.POST("/raffles", h.createRaffle)
	admin.POST("/raffles/:id/cancel", h.cancel)
	admin.POST("/raffles/:id/resume", h.resume)
	admin.POST("/credits/grant", h.grant)
	admin.GET("/parked", h.listParked)
	admin.POST("/parked/:ref/replay", h.replay)
}

// statusOf maps engine errors onto HTTP statuses. Anything unlisted is a 500.
func statusOf(err error) int {
	switch {
	case errors.Is(err, raffle.ErrNotFound),
		errors.Is(err, raffle.ErrOfferNotFound),
		errors.Is(err, ingest.ErrNotParked):
		return http.StatusNotFound
	case errors.Is(err, raffle.ErrInvalidRaffle),
		errors.Is(err, raffle.ErrInvalidBuyer),
		errors.Is(err, raffle.ErrInvalidCredit):
		return http.StatusBadRequest
	case errors.Is(err, raffle.ErrInsufficientCredit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, raffle.ErrRaffleNotOpen),
		errors.Is(err, raffle.ErrRaffleFull),
		errors.Is(err, raffle.ErrRaffleHalted),
		errors.Is(err, raffle.ErrBoxLimitReached),
		errors.Is(err, raffle.ErrNotCancellable),
		errors.Is(err, raffle.ErrNotHalted),
		errors.Is(err, raffle.ErrOfferRedeemed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func idParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// ── Public ───────────────────────────────────────────────────────────────────

func (h *Handler) getRaffle(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	v, err := h.raffles.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ── Buyer ────────────────────────────────────────────────────────────────────

func (h *Handler) purchase(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tx, err := h.raffles.RequestPurchase(c.Request.Context(), id, auth.WalletAddress(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"raffle_id": id, "tx_hash": tx.Hash})
}

type consumeRequest struct {
	Amount  int64  `json:"amount"`
	ItemRef string `json:"item_ref"`
}

func (h *Handler) consume(c *gin.Context) {
	var req consumeRequest
	if err := auth.BindPayload(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	d, err := h.credits.Consume(c.Request.Context(), auth.WalletAddress(c), req.Amount, credit.Item(req.ItemRef))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type balanceRequest struct {
	ItemRef string `json:"item_ref"`
}

func (h *Handler) listCredits(c *gin.Context) {
	var req balanceRequest
	if err := auth.BindPayload(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctx := c.Request.Context()
	wallet := auth.WalletAddress(c)
	balance, err := h.credits.Balance(ctx, wallet, credit.Item(req.ItemRef))
	if err != nil {
		h.fail(c, err)
		return
	}
	history, err := h.credits.History(ctx, wallet)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance, "entries": history})
}

func (h *Handler) listOffers(c *gin.Context) {
	offers, err := h.credits.Offers(c.Request.Context(), auth.WalletAddress(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) redeem(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	o, err := h.credits.RedeemOffer(c.Request.Context(), id, auth.WalletAddress(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ── Operator ─────────────────────────────────────────────────────────────────

func (h *Handler) createRaffle(c *gin.Context) {
	var p raffle.CreateParams
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	r, err := h.raffles.CreateRaffle(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := h.raffles.Cancel(c.Request.Context(), id, reason); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"raffle_id": id, "status": raffle.StatusCancelled})
}

func (h *Handler) resume(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.raffles.Resume(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"raffle_id": id, "resumed": true})
}

func (h *Handler) grant(c *gin.Context) {
	var g credit.Grant
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	e, err := h.credits.Grant(c.Request.Context(), g)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h *Handler) listParked(c *gin.Context) {
	list, err := h.parked.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parked": list})
}

func (h *Handler) replay(c *gin.Context) {
	res, err := h.parked.Replay(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "detail": res.Detail, "halted": res.Halted})
}
