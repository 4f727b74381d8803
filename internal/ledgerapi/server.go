// Package ledgerapi is the HTTP facade of the account ledger.
package ledgerapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/logging"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/tracing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Error codes returned in the error envelope. The session service's ledger client keys off them.
const (
	CodeInvalidPayload      = "invalid_payload"
	CodeInvalidRequest      = "invalid_request"
	CodeAccountNotFound     = "account_not_found"
	CodeInsufficientFunds   = "insufficient_funds"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeRefundExceedsCharge = "refund_exceeds_charge"
	CodeInternal            = "internal_error"
)

// RouterConfig carries the HTTP-level settings.
type RouterConfig struct {
	AllowedOrigins []string
}

type handler struct {
	service *ledger.Service
	logger  *zap.Logger
}

// NewRouter builds the gin engine serving the ledger API.
func NewRouter(cfg RouterConfig, service *ledger.Service, logger *zap.Logger, registry *metrics.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))
	router.Use(tracing.GinMiddleware("cafeledger/ledgerapi"))
	router.Use(registry.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Origin", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(registry.Handler()))

	handler := &handler{service: service, logger: logger}
	accounts := router.Group("/accounts")
	accounts.POST("", handler.handleOpenAccount)
	accounts.POST("/deposit", handler.handleDeposit)
	accounts.POST("/withdraw", handler.handleWithdraw)
	accounts.POST("/charge", handler.handleCharge)
	accounts.POST("/refund", handler.handleRefund)
	accounts.GET("/:userId", handler.handleAccount)
	accounts.GET("/:userId/balance", handler.handleBalance)
	accounts.GET("/:userId/transactions", handler.handleTransactions)
	return router
}

func (handler *handler) handleOpenAccount(ctx *gin.Context) {
	var request openAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.service.OpenAccount(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, dataResponse(newAccountPayload(account, nil)))
}

func (handler *handler) handleAccount(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("userId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.service.Account(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newAccountPayload(account, &balance)))
}

func (handler *handler) handleBalance(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("userId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(balancePayload{UserID: userID.String(), Balance: balance.Decimal()}))
}

func (handler *handler) handleTransactions(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("userId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	limit, err := queryInt(ctx, "limit")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidRequest, "limit must be an integer"))
		return
	}
	before, err := queryInt(ctx, "before")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidRequest, "before must be a unix timestamp"))
		return
	}
	transactions, err := handler.service.ListTransactions(ctx.Request.Context(), userID, int64(before), limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, dataResponse(payload))
}

func (handler *handler) handleDeposit(ctx *gin.Context) {
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	command, err := request.toCommand()
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transaction, err := handler.service.Deposit(ctx.Request.Context(), command)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newTransactionPayload(transaction)))
}

func (handler *handler) handleWithdraw(ctx *gin.Context) {
	var request withdrawRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	command, err := request.toCommand()
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transaction, err := handler.service.Withdraw(ctx.Request.Context(), command)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newTransactionPayload(transaction)))
}

func (handler *handler) handleCharge(ctx *gin.Context) {
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, sessionID, amount, err := parseSessionAmount(request.AccountID, request.SessionID.String(), request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.service.ChargeSession(ctx.Request.Context(), userID, sessionID, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(chargePayload{
		Transaction: newTransactionPayload(result.Transaction),
		Replayed:    result.Replayed,
	}))
}

func (handler *handler) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, sessionID, amount, err := parseSessionAmount(request.UserID, request.SessionID.String(), request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transaction, err := handler.service.Refund(ctx.Request.Context(), userID, sessionID, amount, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newTransactionPayload(transaction)))
}

func (handler *handler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		_ = ctx.Error(err)
		handler.logger.Error("ledger request failed", zap.String("route", ctx.FullPath()), zap.Error(err))
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusNotFound, CodeAccountNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusBadRequest, CodeInsufficientFunds
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusConflict, CodeIdempotencyConflict
	case errors.Is(err, ledger.ErrRefundExceedsCharge):
		return http.StatusConflict, CodeRefundExceedsCharge
	case errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidSessionID),
		errors.Is(err, ledger.ErrInvalidIdempotencyKey),
		errors.Is(err, ledger.ErrInvalidAmountCents),
		errors.Is(err, ledger.ErrInvalidPaymentMethod),
		errors.Is(err, ledger.ErrInvalidMetadataJSON),
		errors.Is(err, ledger.ErrInvalidListLimit):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func parseSessionAmount(rawUser string, rawSession string, amount decimal.Decimal) (ledger.UserID, ledger.SessionID, ledger.PositiveAmountCents, error) {
	userID, err := ledger.NewUserID(rawUser)
	if err != nil {
		return ledger.UserID{}, ledger.SessionID{}, 0, err
	}
	sessionID, err := ledger.NewSessionID(rawSession)
	if err != nil {
		return ledger.UserID{}, ledger.SessionID{}, 0, err
	}
	cents, err := ledger.PositiveAmountFromDecimal(amount)
	if err != nil {
		return ledger.UserID{}, ledger.SessionID{}, 0, err
	}
	return userID, sessionID, cents, nil
}

func queryInt(ctx *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func dataResponse(data any) gin.H {
	return gin.H{"data": data}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func marshalMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
