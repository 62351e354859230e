package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/converteja/creditledger/pkg/credits"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreditService is the slice of the credits core consumed by the handlers.
type CreditService interface {
	GetOrCreateBalance(ctx context.Context, accountID string) (credits.Balance, error)
	HasSufficientBalance(ctx context.Context, accountID string, cost int64) (bool, error)
	Charge(ctx context.Context, accountID string, amount int64, description string, metadata credits.Metadata) (int64, error)
	TransactionHistory(ctx context.Context, accountID string, limit int, offset int) ([]credits.Transaction, error)
	RequestRefund(ctx context.Context, input credits.RefundRequestInput) (credits.RefundResult, error)
	ApproveRefund(ctx context.Context, requestID string, adminID string, notes string) (credits.RefundResult, error)
	RejectRefund(ctx context.Context, requestID string, adminID string, notes string) (credits.RefundResult, error)
	ListRefundRequests(ctx context.Context, filter credits.RefundRequestFilter, limit int, offset int) ([]credits.RefundRequest, error)
	HandleExternalRefund(ctx context.Context, input credits.ExternalRefundInput) (credits.ReconciliationResult, error)
	HandlePurchaseSettled(ctx context.Context, input credits.PurchaseEventInput) (credits.PurchaseResult, error)
	RecordPaymentFailure(ctx context.Context, input credits.PurchaseEventInput) (bool, error)
}

type httpHandler struct {
	logger  *zap.Logger
	service CreditService
	cfg     Config
}

func errorResponse(kind string, message string) gin.H {
	return gin.H{
		"success": false,
		"error":   kind,
		"message": message,
	}
}

type errorMapping struct {
	status  int
	kind    string
	message string
}

var errorMappings = []struct {
	sentinel error
	mapping  errorMapping
}{
	{credits.ErrAccountNotFound, errorMapping{http.StatusNotFound, "USER_NOT_FOUND", "Usuário não encontrado"}},
	{credits.ErrUserNotFound, errorMapping{http.StatusNotFound, "USER_NOT_FOUND", "Usuário não encontrado"}},
	{credits.ErrInsufficientCredits, errorMapping{http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Créditos insuficientes"}},
	{credits.ErrJobNotFound, errorMapping{http.StatusNotFound, "JOB_NOT_FOUND", "Job não encontrado"}},
	{credits.ErrJobNotFailed, errorMapping{http.StatusBadRequest, "JOB_NOT_FAILED", "Apenas jobs com falha podem ser reembolsados"}},
	{credits.ErrRefundWindowExpired, errorMapping{http.StatusBadRequest, "REFUND_WINDOW_EXPIRED", "Prazo para solicitar reembolso expirado"}},
	{credits.ErrNoChargeFound, errorMapping{http.StatusNotFound, "NO_CHARGE_FOUND", "Nenhuma cobrança encontrada para este job"}},
	{credits.ErrRefundAlreadyRequested, errorMapping{http.StatusConflict, "REFUND_ALREADY_REQUESTED", "Reembolso já solicitado para este job"}},
	{credits.ErrRequestNotFound, errorMapping{http.StatusNotFound, "REQUEST_NOT_FOUND", "Solicitação de reembolso não encontrada"}},
	{credits.ErrRequestNotPending, errorMapping{http.StatusConflict, "REQUEST_NOT_PENDING", "Solicitação já processada"}},
	{credits.ErrRefundFailed, errorMapping{http.StatusInternalServerError, "REFUND_FAILED", "Falha ao processar reembolso"}},
	{credits.ErrInvalidAmount, errorMapping{http.StatusBadRequest, "INVALID_AMOUNT", "Valor inválido"}},
	{credits.ErrInvalidAccountID, errorMapping{http.StatusBadRequest, "INVALID_ACCOUNT", "Conta inválida"}},
	{credits.ErrInvalidEventID, errorMapping{http.StatusBadRequest, "INVALID_EVENT", "Evento inválido"}},
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	for _, candidate := range errorMappings {
		if errors.Is(err, candidate.sentinel) {
			ctx.JSON(candidate.mapping.status, errorResponse(candidate.mapping.kind, candidate.mapping.message))
			return
		}
	}
	handler.logger.Error("unhandled service error", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("INTERNAL_ERROR", "Erro interno"))
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.GetOrCreateBalance(requestCtx, claims.AccountID())
	observeOperation("balance", err)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":    true,
		"balance":    balance.Balance,
		"updated_at": balance.UpdatedUnixUTC,
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	claims := getClaims(ctx)
	limit := queryInt(ctx, "limit", 0)
	offset := queryInt(ctx, "offset", 0)

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transactions, err := handler.service.TransactionHistory(requestCtx, claims.AccountID(), limit, offset)
	observeOperation("transactions", err)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Amount:         transaction.Amount,
			Type:           transaction.Type.String(),
			Description:    transaction.Description,
			JobID:          transaction.JobID,
			Refunded:       transaction.Refunded,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "transactions": payload})
}

// handleSufficient is the pre-flight check the frontend runs before starting
// a conversion.
func (handler *httpHandler) handleSufficient(ctx *gin.Context) {
	claims := getClaims(ctx)
	cost := int64(queryInt(ctx, "cost", -1))
	if cost < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("INVALID_AMOUNT", "Valor inválido"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	sufficient, err := handler.service.HasSufficientBalance(requestCtx, claims.AccountID(), cost)
	observeOperation("sufficient", err)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "sufficient": sufficient})
}

func (handler *httpHandler) handleCosts(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"success": true, "costs": credits.ConverterCosts()})
}

func (handler *httpHandler) handleCharge(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("INVALID_PAYLOAD", "Corpo JSON inválido"))
		return
	}
	cost, found := credits.CostFor(request.Converter)
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse("CONVERTER_NOT_FOUND", "Conversor não encontrado"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	metadata := credits.Metadata{"converter": cost.Slug}
	if request.JobID != "" {
		metadata["jobId"] = request.JobID
	}
	newBalance, err := handler.service.Charge(requestCtx, claims.AccountID(), cost.Cost, "Conversão: "+cost.Name, metadata)
	observeOperation("charge", err)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":     true,
		"charged":     cost.Cost,
		"new_balance": newBalance,
	})
}

func (handler *httpHandler) handleCreateRefund(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request refundRequestPayload
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("INVALID_PAYLOAD", "Corpo JSON inválido"))
		return
	}
	stage, err := credits.ParseFailureStage(request.FailureStage)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("INVALID_STAGE", "Estágio de falha inválido"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.service.RequestRefund(requestCtx, credits.RefundRequestInput{
		AccountID:    claims.AccountID(),
		JobID:        request.JobID,
		Reason:       request.Reason,
		Amount:       request.Amount,
		FailureStage: stage,
	})
	observeOperation("refund_request", err)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{
		"success":       true,
		"request_id":    result.RequestID,
		"auto_refunded": result.AutoRefunded,
	}
	if result.AutoRefunded {
		response["new_balance"] = result.NewBalance
	}
	ctx.JSON(http.StatusCreated, response)
}

func (handler *httpHandler) handleListRefunds(ctx *gin.Context) {
	status := credits.RefundStatus("")
	if raw := ctx.Query("status"); raw != "" {
		parsed, err := credits.ParseRefundStatus(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("INVALID_STATUS", "Status de reembolso inválido"))
			return
		}
		status = parsed
	}
	filter := credits.RefundRequestFilter{
		Status:      status,
		AccountID:   ctx.Query("account_id"),
		OldestFirst: status == credits.RefundStatusPending,
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	requests, err := handler.service.ListRefundRequests(requestCtx, filter, queryInt(ctx, "limit", 0), queryInt(ctx, "offset", 0))
	observeOperation("refund_list", err)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]refundPayload, 0, len(requests))
	for _, request := range requests {
		payload = append(payload, refundPayload{
			RequestID:      request.RequestID,
			AccountID:      request.AccountID,
			JobID:          request.JobID,
			Amount:         request.Amount,
			Reason:         request.Reason,
			FailureStage:   request.FailureStage.String(),
			Status:         request.Status.String(),
			AutoRefund:     request.AutoRefund,
			ProcessedBy:    request.ProcessedBy,
			CreatedUnixUTC: request.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "requests": payload})
}

func (handler *httpHandler) handleApproveRefund(ctx *gin.Context) {
	handler.resolveRefund(ctx, handler.service.ApproveRefund, "refund_approve")
}

func (handler *httpHandler) handleRejectRefund(ctx *gin.Context) {
	handler.resolveRefund(ctx, handler.service.RejectRefund, "refund_reject")
}

func (handler *httpHandler) resolveRefund(ctx *gin.Context, resolve func(ctx context.Context, requestID string, adminID string, notes string) (credits.RefundResult, error), operation string) {
	claims := getClaims(ctx)
	var request resolveRefundPayload
	if err := ctx.ShouldBindJSON(&request); err != nil && ctx.Request.ContentLength > 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("INVALID_PAYLOAD", "Corpo JSON inválido"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := resolve(requestCtx, ctx.Param("id"), claims.AccountID(), request.Notes)
	observeOperation(operation, err)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":     true,
		"request_id":  result.RequestID,
		"new_balance": result.NewBalance,
	})
}

func queryInt(ctx *gin.Context, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

type chargeRequest struct {
	Converter string `json:"converter" binding:"required"`
	JobID     string `json:"jobId"`
}

type refundRequestPayload struct {
	JobID        string `json:"jobId"`
	Reason       string `json:"reason" binding:"required"`
	Amount       int64  `json:"amount"`
	FailureStage string `json:"failureStage"`
}

type resolveRefundPayload struct {
	Notes string `json:"notes"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Amount         int64  `json:"amount"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	JobID          string `json:"job_id,omitempty"`
	Refunded       bool   `json:"refunded"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type refundPayload struct {
	RequestID      string `json:"request_id"`
	AccountID      string `json:"account_id"`
	JobID          string `json:"job_id,omitempty"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	FailureStage   string `json:"failure_stage,omitempty"`
	Status         string `json:"status"`
	AutoRefund     bool   `json:"auto_refund"`
	ProcessedBy    string `json:"processed_by,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
