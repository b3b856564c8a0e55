package server

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-ledger/internal/ledger"
	"github.com/0gfoundation/0g-subscription-ledger/internal/oracle"
)

// Handler exposes every ledger operation over REST. The auth middleware
// has already established the caller identity on the group.
type Handler struct {
	led *ledger.Ledger
	log *zap.Logger
}

func NewHandler(led *ledger.Ledger, log *zap.Logger) *Handler {
	return &Handler{led: led, log: log}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Providers ──────────────────────────────────────────────────────────
	rg.POST("/providers", h.registerProvider)
	rg.GET("/providers/:id", h.getProvider)
	rg.DELETE("/providers/:id", h.deleteProvider)
	rg.POST("/providers/:id/status", h.updateProviderStatus)
	rg.POST("/providers/:id/claim", h.claimEarnings)
	rg.POST("/providers/:id/withdraw", h.withdrawEarnings)

	// ── Subscribers ────────────────────────────────────────────────────────
	rg.POST("/subscribers", h.registerSubscriber)
	rg.GET("/subscribers/:id", h.getSubscriber)
	rg.POST("/subscribers/:id/fund", h.supplySubscriber)
	rg.GET("/subscribers/:id/free-balance", h.freeBalance)
	rg.POST("/subscribers/:id/subscriptions", h.addSubscriptions)
	rg.DELETE("/subscribers/:id/subscriptions/:pid", h.deleteSubscription)

	// ── Administration ─────────────────────────────────────────────────────
	rg.POST("/admin/max-providers", h.setMaxProviders)
	rg.POST("/admin/pause", h.setPaused(true))
	rg.POST("/admin/unpause", h.setPaused(false))
}

// ── Providers ────────────────────────────────────────────────────────────────

type registerProviderReq struct {
	ID            uint64 `json:"id"`
	FeePerPeriod  uint64 `json:"fee_per_period"`
	PeriodSeconds int64  `json:"period_seconds"`
	NetworkID     uint64 `json:"network_id"`
	Permit        string `json:"permit"`
}

func (h *Handler) registerProvider(c *gin.Context) {
	var req registerProviderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Permit, "0x"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid permit hex"})
		return
	}

	err = h.led.RegisterProvider(c.Request.Context(), caller(c),
		req.ID, req.FeePerPeriod, req.PeriodSeconds, req.NetworkID, sig)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (h *Handler) getProvider(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p, found := h.led.GetProvider(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": ledger.ErrInvalidProviderID.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             p.ID,
		"owner":          p.Owner.Hex(),
		"balance":        p.Balance,
		"fee_per_period": p.FeePerPeriod,
		"period_seconds": p.PeriodSeconds,
		"status":         p.Status.String(),
	})
}

func (h *Handler) deleteProvider(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	if err := h.led.DeleteProvider(c.Request.Context(), caller(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) updateProviderStatus(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var status ledger.ProviderStatus
	switch strings.ToUpper(req.Status) {
	case "ACTIVE":
		status = ledger.ProviderActive
	case "INACTIVE":
		status = ledger.ProviderInactive
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be ACTIVE or INACTIVE"})
		return
	}

	if err := h.led.UpdateProviderStatus(c.Request.Context(), caller(c), id, status); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status.String()})
}

func (h *Handler) claimEarnings(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		SubscriberIDs []uint64 `json:"subscriber_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.led.ClaimEarnings(c.Request.Context(), caller(c), id, req.SubscriberIDs); err != nil {
		h.fail(c, err)
		return
	}
	p, _ := h.led.GetProvider(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "balance": p.Balance})
}

func (h *Handler) withdrawEarnings(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	if err := h.led.WithdrawEarnings(c.Request.Context(), caller(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// ── Subscribers ──────────────────────────────────────────────────────────────

func (h *Handler) registerSubscriber(c *gin.Context) {
	var req struct {
		ID      uint64 `json:"id"`
		Deposit uint64 `json:"deposit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.led.RegisterSubscriber(c.Request.Context(), caller(c), req.ID, req.Deposit); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (h *Handler) getSubscriber(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	s, found := h.led.GetSubscriber(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": ledger.ErrInvalidSubscriberID.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            s.ID,
		"owner":         s.Owner.Hex(),
		"balance":       s.Balance,
		"status":        s.Status.String(),
		"subscriptions": h.led.Subscriptions(id),
	})
}

func (h *Handler) supplySubscriber(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.led.SupplySubscriber(c.Request.Context(), caller(c), id, req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	s, _ := h.led.GetSubscriber(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "balance": s.Balance})
}

func (h *Handler) freeBalance(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	free, err := h.led.FreeBalance(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "free_balance": free})
}

func (h *Handler) addSubscriptions(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ProviderIDs []uint64 `json:"provider_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.ProviderIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider_ids required"})
		return
	}

	var err error
	if len(req.ProviderIDs) == 1 {
		err = h.led.AddSubscription(c.Request.Context(), caller(c), id, req.ProviderIDs[0])
	} else {
		err = h.led.AddSubscriptions(c.Request.Context(), caller(c), id, req.ProviderIDs)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "subscriptions": h.led.Subscriptions(id)})
}

func (h *Handler) deleteSubscription(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	pid, ok := h.pathID(c, "pid")
	if !ok {
		return
	}
	if err := h.led.DeleteSubscription(c.Request.Context(), caller(c), id, pid); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "subscriptions": h.led.Subscriptions(id)})
}

// ── Administration ───────────────────────────────────────────────────────────

func (h *Handler) setMaxProviders(c *gin.Context) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.led.SetMaxProviders(c.Request.Context(), caller(c), req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_providers": req.Amount})
}

func (h *Handler) setPaused(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.led.SetPaused(c.Request.Context(), caller(c), paused); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"paused": paused})
	}
}

// ── Plumbing ─────────────────────────────────────────────────────────────────

func (h *Handler) pathID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// fail maps the ledger error taxonomy onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidProviderID),
		errors.Is(err, ledger.ErrInvalidSubscriberID),
		errors.Is(err, ledger.ErrInactiveSubscription):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrProviderAlreadyRegistered),
		errors.Is(err, ledger.ErrSubscriberAlreadyRegistered),
		errors.Is(err, ledger.ErrSubscriptionAlreadyActive),
		errors.Is(err, ledger.ErrPermitAlreadyUsed):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrFeeBelowMinimum),
		errors.Is(err, ledger.ErrDepositBelowMinimum),
		errors.Is(err, ledger.ErrInvalidMaxProviders),
		errors.Is(err, ledger.ErrInvalidStatus),
		errors.Is(err, ledger.ErrWrongNetwork),
		errors.Is(err, ledger.ErrInvalidPermit),
		errors.Is(err, ledger.ErrAmountOverflow),
		errors.Is(err, oracle.ErrBadQuote):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrProviderLimitReached),
		errors.Is(err, ledger.ErrProviderInactive),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrEarlyClaim),
		errors.Is(err, ledger.ErrLedgerPaused):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrTransferFailed):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.log.Error("ledger operation failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
