// Package sessionapi is the HTTP facade of the session service.
package sessionapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/logging"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/audit"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/tracing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	CodeInvalidPayload = "invalid_payload"
	CodeInvalidRequest = "invalid_request"
	CodeInternal       = "internal_error"

	defaultChargeListLimit = 100
)

// RouterConfig carries the HTTP-level settings.
type RouterConfig struct {
	AllowedOrigins []string
}

// Services groups what the handlers call into.
type Services struct {
	Manager       *session.Manager
	Registry      *session.Registry
	Coordinator   *billing.Coordinator
	Charges       billing.ChargeStore
	Authenticator *Authenticator
}

func (services Services) validate() error {
	switch {
	case services.Manager == nil:
		return fmt.Errorf("session manager is required")
	case services.Registry == nil:
		return fmt.Errorf("computer registry is required")
	case services.Coordinator == nil:
		return fmt.Errorf("billing coordinator is required")
	case services.Charges == nil:
		return fmt.Errorf("charge store is required")
	case services.Authenticator == nil:
		return fmt.Errorf("authenticator is required")
	}
	return nil
}

type handler struct {
	services Services
	logger   *zap.Logger
}

// NewRouter builds the gin engine serving the session API.
func NewRouter(cfg RouterConfig, services Services, logger *zap.Logger, registry *metrics.Registry) (*gin.Engine, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))
	router.Use(tracing.GinMiddleware("cafeledger/sessionapi"))
	router.Use(registry.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Origin", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(registry.Handler()))

	handler := &handler{services: services, logger: logger}
	operator := services.Authenticator.RequireOperator()

	sessions := router.Group("/sessions")
	sessions.POST("/start", handler.handleStart)
	sessions.POST("/end", handler.handleEnd)
	sessions.POST("/:id/terminate", operator, handler.handleTerminate)
	sessions.GET("/active", handler.handleActiveSessions)
	sessions.GET("/date-range", handler.handleDateRange)
	sessions.GET("/user/:userId", handler.handleUserSessions)
	sessions.GET("/user/:userId/has-active", handler.handleHasActive)
	sessions.GET("/user/:userId/computer/:computerId/remaining-time", handler.handleRemainingTime)
	sessions.GET("/computer/:computerId/active", handler.handleComputerActiveSession)
	sessions.GET("/:id", handler.handleSession)
	sessions.GET("/:id/cost", handler.handleCost)

	computers := router.Group("/computers")
	computers.GET("", handler.handleComputers)
	computers.GET("/available", handler.handleAvailableComputers)
	computers.GET("/status/:status", handler.handleComputersByStatus)
	computers.GET("/:id", handler.handleComputer)
	computers.GET("/:id/details", handler.handleComputerDetails)
	computers.POST("", operator, handler.handleRegisterComputer)
	computers.PUT("/:id", operator, handler.handleUpdateComputer)
	computers.PUT("/:id/status", operator, handler.handleComputerStatus)
	computers.PUT("/:id/maintenance", operator, handler.handleComputerMaintenance)

	charges := router.Group("/billing/charges", operator)
	charges.GET("", handler.handleCharges)
	charges.POST("/:sessionId/retry", handler.handleRetryCharge)
	return router, nil
}

func (handler *handler) handleStart(ctx *gin.Context) {
	var request startSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	computerID, ok := parseID(request.ComputerID.String())
	if !ok {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidRequest, "computerId must be a positive integer"))
		return
	}
	requestCtx := audit.WithActor(ctx.Request.Context(), strings.TrimSpace(request.UserID))
	started, err := handler.services.Manager.StartSession(requestCtx, request.UserID, computerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, dataResponse(newSessionPayload(started)))
}

func (handler *handler) handleEnd(ctx *gin.Context) {
	var request endSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	sessionID, ok := parseID(request.SessionID.String())
	if !ok {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidRequest, "sessionId must be a positive integer"))
		return
	}
	result, err := handler.services.Manager.EndSession(ctx.Request.Context(), sessionID, request.Notes)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(closePayload{Session: newSessionPayload(result.Session), Billing: string(result.Billing)}))
}

func (handler *handler) handleTerminate(ctx *gin.Context) {
	sessionID, ok := handler.pathID(ctx, "id")
	if !ok {
		return
	}
	var request reasonRequest
	if err := bindOptionalJSON(ctx, &request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	result, err := handler.services.Manager.TerminateSession(ctx.Request.Context(), sessionID, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(closePayload{Session: newSessionPayload(result.Session), Billing: string(result.Billing)}))
}

func (handler *handler) handleSession(ctx *gin.Context) {
	sessionID, ok := handler.pathID(ctx, "id")
	if !ok {
		return
	}
	record, err := handler.services.Manager.GetSession(ctx.Request.Context(), sessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newSessionPayload(record)))
}

func (handler *handler) handleActiveSessions(ctx *gin.Context) {
	records, err := handler.services.Manager.GetActiveSessions(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newSessionPayloads(records)))
}

func (handler *handler) handleUserSessions(ctx *gin.Context) {
	records, err := handler.services.Manager.GetSessionsByUser(ctx.Request.Context(), ctx.Param("userId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newSessionPayloads(records)))
}

func (handler *handler) handleHasActive(ctx *gin.Context) {
	active, err := handler.services.Manager.HasActiveSession(ctx.Request.Context(), ctx.Param("userId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(gin.H{"userId": ctx.Param("userId"), "hasActiveSession": active}))
}

func (handler *handler) handleComputerActiveSession(ctx *gin.Context) {
	computerID, ok := handler.pathID(ctx, "computerId")
	if !ok {
		return
	}
	record, err := handler.services.Manager.GetActiveSessionByComputer(ctx.Request.Context(), computerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newSessionPayload(record)))
}

func (handler *handler) handleDateRange(ctx *gin.Context) {
	from, err := time.Parse(time.RFC3339, strings.TrimSpace(ctx.Query("start")))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidRequest, "start must be an RFC3339 timestamp"))
		return
	}
	to, err := time.Parse(time.RFC3339, strings.TrimSpace(ctx.Query("end")))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidRequest, "end must be an RFC3339 timestamp"))
		return
	}
	records, err := handler.services.Manager.GetSessionsByDateRange(ctx.Request.Context(), from, to)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newSessionPayloads(records)))
}

func (handler *handler) handleCost(ctx *gin.Context) {
	sessionID, ok := handler.pathID(ctx, "id")
	if !ok {
		return
	}
	cost, err := handler.services.Manager.CurrentCost(ctx.Request.Context(), sessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(costPayload{SessionID: formatID(cost.SessionID), Cost: cost.Cost, Final: cost.Final}))
}

func (handler *handler) handleRemainingTime(ctx *gin.Context) {
	computerID, ok := handler.pathID(ctx, "computerId")
	if !ok {
		return
	}
	remaining, err := handler.services.Manager.GetRemainingTime(ctx.Request.Context(), ctx.Param("userId"), computerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newRemainingTimePayload(remaining)))
}

func (handler *handler) handleComputers(ctx *gin.Context) {
	computers, err := handler.services.Registry.List(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newComputerPayloads(computers)))
}

func (handler *handler) handleAvailableComputers(ctx *gin.Context) {
	computers, err := handler.services.Registry.ListAvailable(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newComputerPayloads(computers)))
}

func (handler *handler) handleComputersByStatus(ctx *gin.Context) {
	status, err := session.ParseComputerStatus(ctx.Param("status"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	computers, err := handler.services.Registry.ListByStatus(ctx.Request.Context(), status)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newComputerPayloads(computers)))
}

func (handler *handler) handleComputer(ctx *gin.Context) {
	computerID, ok := handler.pathID(ctx, "id")
	if !ok {
		return
	}
	computer, err := handler.services.Registry.Get(ctx.Request.Context(), computerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newComputerPayload(computer)))
}

func (handler *handler) handleComputerDetails(ctx *gin.Context) {
	computerID, ok := handler.pathID(ctx, "id")
	if !ok {
		return
	}
	details, err := handler.services.Registry.Details(ctx.Request.Context(), computerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newDetailsPayload(details)))
}

func (handler *handler) handleRegisterComputer(ctx *gin.Context) {
	var request computerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	computer, err := handler.services.Registry.Register(ctx.Request.Context(), request.toRegisterInput())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, dataResponse(newComputerPayload(computer)))
}

func (handler *handler) handleUpdateComputer(ctx *gin.Context) {
	computerID, ok := handler.pathID(ctx, "id")
	if !ok {
		return
	}
	var request computerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	computer, err := handler.services.Registry.Update(ctx.Request.Context(), computerID, request.toUpdateInput())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newComputerPayload(computer)))
}

func (handler *handler) handleComputerStatus(ctx *gin.Context) {
	computerID, ok := handler.pathID(ctx, "id")
	if !ok {
		return
	}
	var request statusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	status, err := session.ParseComputerStatus(request.Status)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	computer, err := handler.services.Registry.SetStatus(ctx.Request.Context(), computerID, status, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newComputerPayload(computer)))
}

func (handler *handler) handleComputerMaintenance(ctx *gin.Context) {
	computerID, ok := handler.pathID(ctx, "id")
	if !ok {
		return
	}
	var request reasonRequest
	if err := bindOptionalJSON(ctx, &request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidPayload, "expected JSON body"))
		return
	}
	computer, err := handler.services.Registry.SetMaintenance(ctx.Request.Context(), computerID, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(newComputerPayload(computer)))
}

func (handler *handler) handleCharges(ctx *gin.Context) {
	var status billing.ChargeStatus
	if raw := strings.TrimSpace(ctx.Query("status")); raw != "" {
		parsed, err := billing.ParseChargeStatus(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		status = parsed
	}
	limit := defaultChargeListLimit
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	charges, err := handler.services.Charges.ListCharges(ctx.Request.Context(), status, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]chargePayload, 0, len(charges))
	for _, charge := range charges {
		payload = append(payload, newChargePayload(charge))
	}
	ctx.JSON(http.StatusOK, dataResponse(payload))
}

func (handler *handler) handleRetryCharge(ctx *gin.Context) {
	sessionID, ok := handler.pathID(ctx, "sessionId")
	if !ok {
		return
	}
	charge, outcome, err := handler.services.Coordinator.Retry(ctx.Request.Context(), sessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dataResponse(retryPayload{Charge: newChargePayload(charge), Billing: string(outcome)}))
}

func (handler *handler) pathID(ctx *gin.Context, name string) (int64, bool) {
	id, ok := parseID(ctx.Param(name))
	if !ok {
		ctx.JSON(http.StatusBadRequest, errorResponse(CodeInvalidRequest, name+" must be a positive integer"))
	}
	return id, ok
}

func (handler *handler) respondError(ctx *gin.Context, err error) {
	status := statusForKind(session.KindOf(err))
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		_ = ctx.Error(err)
		handler.logger.Error("session request failed", zap.String("route", ctx.FullPath()), zap.Error(err))
		ctx.JSON(status, errorResponse(CodeInternal, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(session.Code(err), err.Error()))
}

func statusForKind(kind session.Kind) int {
	switch kind {
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindConflict:
		return http.StatusConflict
	case session.KindValidation, session.KindInsufficientBalance, session.KindInvalidState:
		return http.StatusBadRequest
	case session.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// bindOptionalJSON accepts an empty body for routes whose only field is optional.
func bindOptionalJSON(ctx *gin.Context, target any) error {
	if ctx.Request.ContentLength == 0 {
		return nil
	}
	err := ctx.ShouldBindJSON(target)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
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
