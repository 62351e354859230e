package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/converteja/creditledger/pkg/credits"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Webhook-Signature"

	eventTypeChargeRefunded    = "charge.refunded"
	eventTypeCheckoutCompleted = "checkout.session.completed"
	eventTypePaymentFailed     = "checkout.session.async_payment_failed"
)

type webhookEnvelope struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data webhookData `json:"data"`
}

type webhookData struct {
	AccountID   string           `json:"account_id"`
	Credits     int64            `json:"credits"`
	AmountCents int64            `json:"amount_cents"`
	Reason      string           `json:"reason"`
	Metadata    credits.Metadata `json:"metadata"`
}

// handlePaymentWebhook ingests payment-processor deliveries. The raw body is
// authenticated with an HMAC-SHA256 signature before any parsing happens.
func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, 1<<20))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("INVALID_PAYLOAD", "Corpo da requisição ilegível"))
		return
	}
	if !validSignature(body, ctx.GetHeader(signatureHeader), handler.cfg.WebhookSecret) {
		webhookEvents.WithLabelValues("unknown", "rejected").Inc()
		ctx.JSON(http.StatusUnauthorized, errorResponse("INVALID_SIGNATURE", "Assinatura inválida"))
		return
	}

	var event webhookEnvelope
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" || event.Type == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("INVALID_PAYLOAD", "Evento inválido"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	switch event.Type {
	case eventTypeChargeRefunded:
		handler.processExternalRefund(ctx, requestCtx, event)
	case eventTypeCheckoutCompleted:
		handler.processPurchase(ctx, requestCtx, event)
	case eventTypePaymentFailed:
		handler.processPaymentFailure(ctx, requestCtx, event)
	default:
		// Unrecognized events are acknowledged so the processor stops
		// redelivering them.
		webhookEvents.WithLabelValues(event.Type, "ignored").Inc()
		ctx.JSON(http.StatusOK, gin.H{"success": true, "action": "IGNORED"})
	}
}

func (handler *httpHandler) processExternalRefund(ctx *gin.Context, requestCtx context.Context, event webhookEnvelope) {
	result, err := handler.service.HandleExternalRefund(requestCtx, credits.ExternalRefundInput{
		AccountID:       event.Data.AccountID,
		ExternalEventID: event.ID,
		CreditsToDeduct: event.Data.Credits,
		AmountRefunded:  event.Data.AmountCents,
		Reason:          event.Data.Reason,
	})
	observeOperation("external_refund", err)
	if err != nil {
		handler.logger.Warn("external refund rejected",
			zap.String("external_event_id", event.ID),
			zap.Error(err))
		handler.respondError(ctx, err)
		return
	}
	webhookEvents.WithLabelValues(event.Type, string(result.Action)).Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"success":          true,
		"action":           result.Action,
		"credits_deducted": result.CreditsDeducted,
		"account_blocked":  result.AccountBlocked,
	})
}

func (handler *httpHandler) processPurchase(ctx *gin.Context, requestCtx context.Context, event webhookEnvelope) {
	result, err := handler.service.HandlePurchaseSettled(requestCtx, credits.PurchaseEventInput{
		AccountID:       event.Data.AccountID,
		ExternalEventID: event.ID,
		Credits:         event.Data.Credits,
		AmountPaid:      event.Data.AmountCents,
		Metadata:        event.Data.Metadata,
	})
	observeOperation("purchase", err)
	if err != nil {
		handler.logger.Warn("purchase event rejected",
			zap.String("external_event_id", event.ID),
			zap.Error(err))
		handler.respondError(ctx, err)
		return
	}
	action := "CREDITED"
	if result.AlreadyProcessed {
		action = string(credits.ActionAlreadyProcessed)
	}
	webhookEvents.WithLabelValues(event.Type, action).Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"success":     true,
		"action":      action,
		"new_balance": result.NewBalance,
	})
}

// processPaymentFailure keeps an audit trail of failed payments. Nothing is
// credited or deducted.
func (handler *httpHandler) processPaymentFailure(ctx *gin.Context, requestCtx context.Context, event webhookEnvelope) {
	recorded, err := handler.service.RecordPaymentFailure(requestCtx, credits.PurchaseEventInput{
		AccountID:       event.Data.AccountID,
		ExternalEventID: event.ID,
		Credits:         event.Data.Credits,
		AmountPaid:      event.Data.AmountCents,
		Metadata:        event.Data.Metadata,
	})
	observeOperation("payment_failure", err)
	if err != nil {
		handler.logger.Warn("payment failure event rejected",
			zap.String("external_event_id", event.ID),
			zap.Error(err))
		handler.respondError(ctx, err)
		return
	}
	action := "RECORDED"
	if !recorded {
		action = string(credits.ActionAlreadyProcessed)
	}
	webhookEvents.WithLabelValues(event.Type, action).Inc()
	ctx.JSON(http.StatusOK, gin.H{"success": true, "action": action})
}

func validSignature(body []byte, signature string, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
