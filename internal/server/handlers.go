package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tgbtcpay/internal/contracts"
	"github.com/mbd888/tgbtcpay/internal/health"
	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/logging"
	"github.com/mbd888/tgbtcpay/internal/profiles"
	"github.com/mbd888/tgbtcpay/internal/settlement"
	"github.com/mbd888/tgbtcpay/internal/tgbtc"
	"github.com/mbd888/tgbtcpay/internal/validation"
)

// -----------------------------------------------------------------------------
// Payment requests
// -----------------------------------------------------------------------------

// createRequestBody is the wire shape for POST /v1/requests. Amounts
// cross the API as decimal strings so precision never depends on JSON
// number handling.
type createRequestBody struct {
	SenderAddress   string `json:"senderAddress"`
	ReceiverAddress string `json:"receiverAddress" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	Message         string `json:"message"`
	ExpiresAt       string `json:"expiresAt"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

func (s *Server) createRequest(c *gin.Context) {
	ctx := c.Request.Context()

	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	if errs := validation.Validate(
		validation.Required("receiverAddress", body.ReceiverAddress),
		validation.ValidAddress("receiverAddress", body.ReceiverAddress),
		validation.ValidAddress("senderAddress", body.SenderAddress),
		validation.MaxLength("message", body.Message, validation.MaxMessageLength),
	); len(errs) > 0 {
		badRequest(c, "validation_failed", errs.Error())
		return
	}

	amount, err := tgbtc.Parse(body.Amount)
	if err != nil {
		badRequest(c, "invalid_amount", "amount must be a positive decimal tgBTC value with at most 8 decimal places")
		return
	}

	var expiresAt *time.Time
	if body.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, body.ExpiresAt)
		if err != nil {
			badRequest(c, "invalid_expiry", "expiresAt must be an RFC 3339 timestamp")
			return
		}
		expiresAt = &t
	}

	idemKey := body.IdempotencyKey
	if idemKey == "" {
		idemKey = c.GetHeader("X-Idempotency-Key")
	}

	req, err := s.manager.Create(ctx, ledger.Draft{
		SenderAddress:   body.SenderAddress,
		ReceiverAddress: body.ReceiverAddress,
		Amount:          amount,
		Message:         validation.SanitizeString(body.Message, validation.MaxMessageLength),
		ExpiresAt:       expiresAt,
		IdempotencyKey:  idemKey,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, requestView(req))
}

func (s *Server) getRequest(c *gin.Context) {
	req, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, requestView(req))
}

func (s *Server) listRequests(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		badRequest(c, "missing_address", "address query parameter is required")
		return
	}
	if !validation.IsValidTONAddress(address) {
		badRequest(c, "invalid_address", "address must be a valid TON address")
		return
	}

	direction := ledger.Direction(c.DefaultQuery("direction", string(ledger.DirectionAll)))
	switch direction {
	case ledger.DirectionSent, ledger.DirectionReceived, ledger.DirectionAll:
	default:
		badRequest(c, "invalid_direction", "direction must be sent, received, or all")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			badRequest(c, "invalid_limit", "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	reqs, err := s.manager.List(c.Request.Context(), address, direction, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	views := make([]gin.H, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, requestView(req))
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": views,
		"count":    len(views),
	})
}

func (s *Server) deployRequest(c *gin.Context) {
	if s.provisioner == nil {
		walletUnavailable(c)
		return
	}

	req, err := s.provisioner.Deploy(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, requestView(req))
}

type settleRequestBody struct {
	PayerAddress string `json:"payerAddress" binding:"required"`
	Amount       string `json:"amount"` // empty means the stored amount
}

func (s *Server) settleRequest(c *gin.Context) {
	if s.coordinator == nil {
		walletUnavailable(c)
		return
	}

	var body settleRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if !validation.IsValidTONAddress(body.PayerAddress) {
		badRequest(c, "invalid_address", "payerAddress must be a valid TON address")
		return
	}

	var amount int64
	if body.Amount != "" {
		var err error
		amount, err = tgbtc.Parse(body.Amount)
		if err != nil {
			badRequest(c, "invalid_amount", "amount must be a positive decimal tgBTC value with at most 8 decimal places")
			return
		}
	}

	result, err := s.coordinator.Settle(c.Request.Context(), c.Param("id"), body.PayerAddress, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.realtimeHub.SettlementUpdated(result.Request, result.Settlement)

	status := http.StatusOK
	if result.State == ledger.SettlementSubmitted {
		// Still pending: the transfer is on chain but unconfirmed.
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"state":      result.State,
		"request":    requestView(result.Request),
		"settlement": result.Settlement,
	})
}

func (s *Server) getSettlement(c *gin.Context) {
	rec, err := s.store.GetSettlementByRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// requestView augments the stored request with the decimal amount the
// mini app renders.
func requestView(req *ledger.PaymentRequest) gin.H {
	return gin.H{
		"id":              req.ID,
		"senderAddress":   req.SenderAddress,
		"receiverAddress": req.ReceiverAddress,
		"amount":          req.Amount,
		"amountDecimal":   tgbtc.Format(req.Amount),
		"message":         req.Message,
		"status":          req.Status,
		"contractAddress": req.ContractAddress,
		"transactionHash": req.TransactionHash,
		"createdAt":       req.CreatedAt,
		"updatedAt":       req.UpdatedAt,
		"expiresAt":       req.ExpiresAt,
		"paidAt":          req.PaidAt,
	}
}

// -----------------------------------------------------------------------------
// Profiles
// -----------------------------------------------------------------------------

type profileBody struct {
	TelegramID int64  `json:"telegramId" binding:"required"`
	Address    string `json:"address"`
	Username   string `json:"username"`
	FirstName  string `json:"firstName"`
	PhotoURL   string `json:"photoUrl"`
}

func (s *Server) upsertProfile(c *gin.Context) {
	var body profileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	profile, err := s.profiles.Upsert(c.Request.Context(), profiles.Profile{
		TelegramID: body.TelegramID,
		Address:    body.Address,
		Username:   body.Username,
		FirstName:  body.FirstName,
		PhotoURL:   body.PhotoURL,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) getProfile(c *gin.Context) {
	telegramID, err := strconv.ParseInt(c.Param("telegramId"), 10, 64)
	if err != nil || telegramID <= 0 {
		badRequest(c, "invalid_telegram_id", "telegramId must be a positive integer")
		return
	}

	profile, err := s.profiles.Get(c.Request.Context(), telegramID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// -----------------------------------------------------------------------------
// Balance
// -----------------------------------------------------------------------------

func (s *Server) getBalance(c *gin.Context) {
	ctx := c.Request.Context()
	address := c.Param("address")

	state, err := s.chain.GetAccountState(ctx, address)
	if err != nil {
		logging.L(ctx).Error("failed to get account state", "address", address, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_unavailable",
			"message": "Failed to read the account from the chain",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":        address,
		"balance":        state.Balance,
		"balanceDecimal": tgbtc.Format(state.Balance),
		"accountStatus":  state.Status,
	})
}

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "tgbtcpay",
		"description": "tgBTC payment requests for Telegram mini apps",
		"version":     "0.1.0",
		"chain":       "ton",
		"currency":    "tgBTC",
	})
}

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}

func walletUnavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "wallet_unavailable",
		"message": "The service wallet is not configured",
	})
}

// writeError maps domain errors onto HTTP responses. Unknown errors are
// logged and reported as 500 without leaking internals.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "request_not_found", "message": "No such payment request"})
	case errors.Is(err, ledger.ErrSettlementNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "settlement_not_found", "message": "No settlement recorded for this request"})
	case errors.Is(err, profiles.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found", "message": "No such profile"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		badRequest(c, "invalid_amount", "amount must be positive")
	case errors.Is(err, ledger.ErrInvalidExpiry):
		badRequest(c, "invalid_expiry", "expiresAt must be in the future")
	case errors.Is(err, profiles.ErrInvalidProfile):
		badRequest(c, "invalid_profile", err.Error())
	case errors.Is(err, settlement.ErrAmountMismatch):
		badRequest(c, "amount_mismatch", "amount does not match the request")
	case errors.Is(err, contracts.ErrNotProvisionable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_provisionable", "message": "The request is not awaiting escrow deployment"})
	case errors.Is(err, settlement.ErrRequestNotPayable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_payable", "message": "The request cannot be paid in its current state"})
	case errors.Is(err, ledger.ErrStaleTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "The request changed state concurrently, re-read it"})
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_transaction", "message": "This transaction hash is already recorded with different details"})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}
