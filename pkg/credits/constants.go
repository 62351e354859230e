package credits

const (
	operationBalance        = "balance"
	operationCharge         = "charge"
	operationCredit         = "credit"
	operationRefund         = "refund_request"
	operationApprove        = "refund_approve"
	operationReject         = "refund_reject"
	operationReconcile      = "reconcile"
	operationPurchase       = "purchase_settle"
	operationPaymentFailure = "payment_failure"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	metadataKeyJobID           = "jobId"
	metadataKeyRefunded        = "refunded"
	metadataKeyRefundedAt      = "refundedAt"
	metadataKeyRefundRequestID = "refundRequestId"
	metadataKeyFailureStage    = "failureStage"
	metadataKeyApprovedBy      = "approvedBy"
	metadataKeyExternalEventID = "externalEventId"
	metadataKeyAmountRefunded  = "amountRefunded"
	metadataKeyReason          = "reason"
	metadataKeyPartial         = "partial"

	welcomeBonusCredits int64 = 10

	descriptionWelcomeBonus = "Bônus de boas-vindas"

	processedBySystem = "SYSTEM"

	secondsPerDay int64 = 86400

	defaultRefundWindowDays = 30
	defaultHistoryLimit     = 50
)
