// Package server exposes the billing core over HTTP: mandate issuance and
// activation, the metered chat endpoint, and usage/batch lookups.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ap2 "github.com/agentpay/ap2-go"
	"github.com/agentpay/ap2-go/ledger"
	"github.com/agentpay/ap2-go/mandate"
	"github.com/agentpay/ap2-go/meter"
	"github.com/agentpay/ap2-go/typeddata"
)

// Responder produces the inference reply for a charged message. Satisfied by
// whatever model backend the deployment runs.
type Responder func(ctx context.Context, prompt string) (response string, tokensUsed int, err error)

// EchoResponder answers every prompt with itself. Stand-in backend for
// deployments without a model attached.
func EchoResponder(_ context.Context, prompt string) (string, int, error) {
	return prompt, len(prompt), nil
}

// Handler wires the billing routes onto a Gin engine.
type Handler struct {
	authority *mandate.Authority
	ledger    *ledger.Ledger
	meter     *meter.Meter
	responder Responder
	log       *zap.Logger

	// Mandates live in memory for their validity window. The ledger is the
	// durable record; mandates are re-issued after a restart. Stored
	// mandates are never mutated in place: activation swaps in a signed
	// copy under mu, so a pointer handed out under RLock stays safe to
	// read without it.
	mu       sync.RWMutex
	mandates map[string]*ap2.IntentMandate
}

func NewHandler(authority *mandate.Authority, l *ledger.Ledger, m *meter.Meter, responder Responder, log *zap.Logger) *Handler {
	if responder == nil {
		responder = EchoResponder
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		authority: authority,
		ledger:    l,
		meter:     m,
		responder: responder,
		log:       log,
		mandates:  make(map[string]*ap2.IntentMandate),
	}
}

// Register mounts all routes on the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/mandates", h.handleIssue)
	rg.POST("/mandates/:id/activate", h.handleActivate)
	rg.GET("/mandates/:id", h.handleGetMandate)
	rg.POST("/chat", h.handleChat)
	rg.GET("/usage/:address", h.handleUsage)
	rg.GET("/batches/:address", h.handleBatches)
}

type issueRequest struct {
	UserAddress string `json:"userAddress" binding:"required"`
}

// signingInfo is everything an external wallet needs to produce a compliant
// mandate signature.
type signingInfo struct {
	Domain struct {
		Name              string `json:"name"`
		Version           string `json:"version"`
		ChainID           int64  `json:"chainId"`
		VerifyingContract string `json:"verifyingContract"`
	} `json:"domain"`
	PrimaryType string            `json:"primaryType"`
	Types       []typeddata.Field `json:"types"`
}

func (h *Handler) handleIssue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userAddress"})
		return
	}

	im := h.authority.IssueUnsigned(common.HexToAddress(req.UserAddress))

	h.mu.Lock()
	h.mandates[im.MandateID] = im
	h.mu.Unlock()

	info := signingInfo{PrimaryType: mandate.Type.Name, Types: mandate.Type.Fields}
	info.Domain.Name = mandate.DomainName
	info.Domain.Version = mandate.DomainVersion
	info.Domain.ChainID = h.authority.ChainID().Int64()
	info.Domain.VerifyingContract = h.authority.VerifyingContract().Hex()

	h.log.Info("mandate issued",
		zap.String("mandateId", im.MandateID),
		zap.String("userAddress", im.UserAddress),
	)
	c.JSON(http.StatusCreated, gin.H{"mandate": im, "signing": info})
}

type activateRequest struct {
	Signature string `json:"signature" binding:"required"`
}

func (h *Handler) handleActivate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	im, ok := h.mandate(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mandate not found"})
		return
	}

	signed := *im
	if err := h.authority.Activate(&signed, req.Signature); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	h.mu.Lock()
	h.mandates[signed.MandateID] = &signed
	h.mu.Unlock()

	h.log.Info("mandate activated", zap.String("mandateId", signed.MandateID))
	c.JSON(http.StatusOK, gin.H{"mandate": &signed})
}

func (h *Handler) handleGetMandate(c *gin.Context) {
	im, ok := h.mandate(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mandate not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mandate": im,
		"active":  h.authority.IsActive(im, time.Now().Unix()),
	})
}

type chatRequest struct {
	MandateID string `json:"mandateId" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

type chatResponse struct {
	Response   string                `json:"response"`
	Billing    *meter.ChargeResult   `json:"billing"`
	Settlement *ap2.SettlementResult `json:"settlement,omitempty"`
}

func (h *Handler) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	im, ok := h.mandate(req.MandateID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mandate not found"})
		return
	}

	// Gate before spending inference compute on a doomed request. The
	// authoritative check happens again in CheckAndRecord.
	pre, err := h.meter.Check(c.Request.Context(), im)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if !pre.Allowed {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "daily cap reached",
			"billing": pre,
		})
		return
	}

	response, tokens, err := h.responder(c.Request.Context(), req.Message)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "inference backend failed"})
		return
	}

	result, err := h.meter.CheckAndRecord(c.Request.Context(), im, meter.ChargeParams{
		Prompt:     req.Message,
		Response:   response,
		TokensUsed: tokens,
	})
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if !result.Allowed {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "daily cap reached",
			"billing": result,
		})
		return
	}

	settlement, err := h.meter.MaybeSettle(c.Request.Context(), im)
	if err != nil {
		// The charge already went through; report it and let the next
		// threshold crossing retry settlement.
		h.log.Error("settlement attempt failed", zap.String("mandateId", im.MandateID), zap.Error(err))
	}

	c.JSON(http.StatusOK, chatResponse{
		Response:   response,
		Billing:    result,
		Settlement: settlement,
	})
}

func (h *Handler) handleUsage(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	usage, err := h.ledger.DailyUsage(c.Request.Context(), address, time.Now().Unix())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userAddress":         address,
		"dailyUsageMicroUsdc": usage,
		"dailyUsageUsdc":      ap2.MicroUSDCToUSDC(usage),
	})
}

func (h *Handler) handleBatches(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	batches, err := h.ledger.BatchesForUser(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (h *Handler) mandate(id string) (*ap2.IntentMandate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	im, ok := h.mandates[id]
	return im, ok
}
