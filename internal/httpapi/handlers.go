package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teranga-mobility/driverledger/pkg/ledger"
)

const (
	statusOK     = "ok"
	statusReplay = "replay"
)

type httpHandler struct {
	service *ledger.Service
	logger  *zap.Logger
	cfg     Config
}

type settlementRequest struct {
	DriverID          string `json:"driver_id" binding:"required"`
	AmountCents       int64  `json:"amount_cents" binding:"required"`
	RideID            string `json:"ride_id" binding:"required"`
	RideReservationID string `json:"ride_reservation_id"`
}

type rechargeRequest struct {
	DriverID    string `json:"driver_id" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Method      string `json:"method" binding:"required"`
}

type withdrawalRequest struct {
	DriverID    string `json:"driver_id" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
}

type adjustmentRequest struct {
	DriverID    string `json:"driver_id" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Direction   string `json:"direction" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	AdminID     string `json:"admin_id" binding:"required"`
}

type destinationRequest struct {
	MSISDN     string `json:"msisdn" binding:"required"`
	Operator   string `json:"operator" binding:"required"`
	HolderName string `json:"holder_name"`
}

type autoRechargeRequest struct {
	Enabled        bool   `json:"enabled"`
	ThresholdCents int64  `json:"threshold_cents"`
	AmountCents    int64  `json:"amount_cents"`
	Method         string `json:"method"`
}

type enrollmentRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type rechargeWebhookRequest struct {
	Reference string `json:"reference" binding:"required"`
	Outcome   string `json:"outcome" binding:"required"`
	FeeCents  int64  `json:"fee_cents"`
	Metadata  string `json:"metadata"`
}

type withdrawalWebhookRequest struct {
	ReservationID     string `json:"reservation_id" binding:"required"`
	Outcome           string `json:"outcome" binding:"required"`
	ProviderReference string `json:"provider_reference"`
	Reason            string `json:"reason"`
	Metadata          string `json:"metadata"`
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) handleDebitCommission(ctx *gin.Context) {
	handler.handleSettlement(ctx, func(requestCtx context.Context, driverID ledger.DriverID, amount ledger.AmountCents, ref ledger.SettlementRef) (ledger.SettlementResult, error) {
		return handler.service.DebitCommission(requestCtx, driverID, amount, ref)
	})
}

func (handler *httpHandler) handleCreditEarnings(ctx *gin.Context) {
	handler.handleSettlement(ctx, func(requestCtx context.Context, driverID ledger.DriverID, amount ledger.AmountCents, ref ledger.SettlementRef) (ledger.SettlementResult, error) {
		return handler.service.CreditEarnings(requestCtx, driverID, amount, ref)
	})
}

func (handler *httpHandler) handleSettlement(ctx *gin.Context, settle func(context.Context, ledger.DriverID, ledger.AmountCents, ledger.SettlementRef) (ledger.SettlementResult, error)) {
	var request settlementRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	driverID, amount, bindErr := parseDriverAmount(request.DriverID, request.AmountCents)
	if bindErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", bindErr.Error()))
		return
	}
	ref, err := ledger.NewSettlementRef(request.RideID, request.RideReservationID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := settle(requestCtx, driverID, amount, ref)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		ctx.JSON(http.StatusOK, gin.H{"status": statusReplay})
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":   statusOK,
		"entry_id": result.EntryID,
		"account":  accountPayloadFrom(result.Snapshot),
		"recharge": rechargeSignalPayload(result.AutoRecharge),
	})
}

func (handler *httpHandler) handleInitiateRecharge(ctx *gin.Context) {
	var request rechargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	driverID, amount, bindErr := parseDriverAmount(request.DriverID, request.AmountCents)
	if bindErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", bindErr.Error()))
		return
	}
	method, err := ledger.ParsePaymentMethod(request.Method)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reference, err := handler.service.InitiateRecharge(requestCtx, driverID, amount, method)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"status":    statusOK,
		"reference": reference.String(),
	})
}

func (handler *httpHandler) handleRechargeWebhook(ctx *gin.Context) {
	var request rechargeWebhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	reference, err := ledger.NewExternalReference(request.Reference)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	outcome, err := ledger.ParseOutcome(request.Outcome)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	fee, err := ledger.NewFeeCents(request.FeeCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	metadata, err := ledger.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.ConfirmRecharge(requestCtx, reference, outcome, fee, metadata)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		// The gateway redelivered an already-processed confirmation. Report
		// success so it stops retrying.
		ctx.JSON(http.StatusOK, gin.H{"status": statusReplay})
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":   statusOK,
		"entry_id": result.EntryID,
		"account":  accountPayloadFrom(result.Snapshot),
		"recharge": rechargeSignalPayload(result.AutoRecharge),
	})
}

func (handler *httpHandler) handleRequestWithdrawal(ctx *gin.Context) {
	var request withdrawalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	driverID, amount, bindErr := parseDriverAmount(request.DriverID, request.AmountCents)
	if bindErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", bindErr.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	ticket, err := handler.service.RequestWithdrawal(requestCtx, driverID, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"status":                  statusOK,
		"reservation_id":          ticket.ReservationID,
		"expires_at_unix_utc":     ticket.ExpiresAtUnixUTC,
		"daily_remaining_cents":   ticket.Authorization.DailyRemainingCents,
		"monthly_remaining_cents": ticket.Authorization.MonthlyRemainingCents,
		"account":                 accountPayloadFrom(ticket.Snapshot),
	})
}

func (handler *httpHandler) handleWithdrawalWebhook(ctx *gin.Context) {
	var request withdrawalWebhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	reservationID, err := ledger.NewReservationID(request.ReservationID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	outcome, err := ledger.ParseOutcome(request.Outcome)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var result ledger.SettlementResult
	if outcome == ledger.OutcomeSuccess {
		metadata, metadataErr := ledger.NewMetadataJSON(request.Metadata)
		if metadataErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", metadataErr.Error()))
			return
		}
		result, err = handler.service.FinalizeWithdrawal(requestCtx, reservationID, request.ProviderReference, metadata)
	} else {
		reason := strings.TrimSpace(request.Reason)
		if reason == "" {
			reason = "provider_failure"
		}
		result, err = handler.service.ReleaseWithdrawal(requestCtx, reservationID, reason)
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":   statusOK,
		"entry_id": result.EntryID,
		"account":  accountPayloadFrom(result.Snapshot),
	})
}

func (handler *httpHandler) handleAdminAdjust(ctx *gin.Context) {
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	driverID, amount, bindErr := parseDriverAmount(request.DriverID, request.AmountCents)
	if bindErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", bindErr.Error()))
		return
	}
	direction, err := ledger.ParseAdjustmentDirection(request.Direction)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.AdminAdjust(requestCtx, driverID, amount, direction, request.Reason, request.AdminID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":   statusOK,
		"entry_id": result.EntryID,
		"account":  accountPayloadFrom(result.Snapshot),
	})
}

func (handler *httpHandler) handleAccountSummary(ctx *gin.Context) {
	driverID, err := ledger.NewDriverID(ctx.Param("driver_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	summary, err := handler.service.AccountSummary(requestCtx, driverID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	pending := make([]entryPayload, 0, len(summary.PendingEntries))
	for _, entry := range summary.PendingEntries {
		pending = append(pending, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account":                 accountPayloadFrom(summary.Snapshot),
		"available_cents":         summary.AvailableCents,
		"daily_remaining_cents":   summary.DailyRemainingCents,
		"monthly_remaining_cents": summary.MonthlyRemainingCents,
		"pending_entries":         pending,
	})
}

func (handler *httpHandler) handleListEntries(ctx *gin.Context) {
	driverID, err := ledger.NewDriverID(ctx.Param("driver_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	filter, before, limit, err := parseHistoryQuery(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.service.ListHistory(requestCtx, driverID, filter, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleSetDestination(ctx *gin.Context) {
	driverID, err := ledger.NewDriverID(ctx.Param("driver_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	var request destinationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	destination, err := ledger.NewWithdrawalDestination(request.MSISDN, request.Operator, request.HolderName)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.SetWithdrawalDestination(requestCtx, driverID, destination); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (handler *httpHandler) handleConfigureAutoRecharge(ctx *gin.Context) {
	driverID, err := ledger.NewDriverID(ctx.Param("driver_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	var request autoRechargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	config := ledger.AutoRechargeConfig{
		Enabled:        request.Enabled,
		ThresholdCents: request.ThresholdCents,
		AmountCents:    request.AmountCents,
		Method:         ledger.PaymentMethod(request.Method),
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.ConfigureAutoRecharge(requestCtx, driverID, config); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (handler *httpHandler) handleSetEnrollment(ctx *gin.Context) {
	driverID, err := ledger.NewDriverID(ctx.Param("driver_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	var request enrollmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.SetRechargeEnabled(requestCtx, driverID, *request.Enabled); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("settlement request failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientAvailable), errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ledger.ErrAccountNotEligible):
		return http.StatusConflict, "not_enrolled"
	case errors.Is(err, ledger.ErrLimitExceeded):
		return http.StatusConflict, "limit_exceeded"
	case errors.Is(err, ledger.ErrExpiredReservation):
		return http.StatusConflict, "reservation_expired"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, ledger.ErrNoWithdrawalDestination):
		return http.StatusConflict, "no_destination"
	case errors.Is(err, ledger.ErrUnknownReference), errors.Is(err, ledger.ErrUnknownReservation),
		errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInvalidDriverID), errors.Is(err, ledger.ErrInvalidAmountCents),
		errors.Is(err, ledger.ErrInvalidFeeCents), errors.Is(err, ledger.ErrInvalidReference),
		errors.Is(err, ledger.ErrInvalidReservationID), errors.Is(err, ledger.ErrInvalidEntryKind),
		errors.Is(err, ledger.ErrInvalidEntryStatus), errors.Is(err, ledger.ErrInvalidOutcome),
		errors.Is(err, ledger.ErrInvalidDirection), errors.Is(err, ledger.ErrInvalidAdjustment),
		errors.Is(err, ledger.ErrInvalidDestination), errors.Is(err, ledger.ErrInvalidPaymentMethod),
		errors.Is(err, ledger.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_payload"
	}
	return http.StatusInternalServerError, "internal_error"
}

func parseDriverAmount(rawDriverID string, rawAmount int64) (ledger.DriverID, ledger.AmountCents, error) {
	driverID, err := ledger.NewDriverID(rawDriverID)
	if err != nil {
		return ledger.DriverID{}, 0, err
	}
	amount, err := ledger.NewAmountCents(rawAmount)
	if err != nil {
		return ledger.DriverID{}, 0, err
	}
	return driverID, amount, nil
}

func parseHistoryQuery(ctx *gin.Context) (ledger.HistoryFilter, int64, int, error) {
	filter := ledger.HistoryFilter{}
	if raw := ctx.Query("kind"); raw != "" {
		kind, err := ledger.ParseEntryKind(raw)
		if err != nil {
			return ledger.HistoryFilter{}, 0, 0, err
		}
		filter.Kinds = []ledger.EntryKind{kind}
	}
	if raw := ctx.Query("status"); raw != "" {
		status, err := ledger.ParseEntryStatus(raw)
		if err != nil {
			return ledger.HistoryFilter{}, 0, 0, err
		}
		filter.Statuses = []ledger.EntryStatus{status}
	}
	var before int64
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ledger.HistoryFilter{}, 0, 0, err
		}
		before = parsed
	}
	var limit int
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return ledger.HistoryFilter{}, 0, 0, err
		}
		limit = parsed
	}
	return filter, before, limit, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type accountPayload struct {
	AccountID             string `json:"account_id"`
	DriverID              string `json:"driver_id"`
	BalanceCents          int64  `json:"balance_cents"`
	ReservedCents         int64  `json:"reserved_cents"`
	AvailableCents        int64  `json:"available_cents"`
	RechargeEnabled       bool   `json:"recharge_enabled"`
	DailyWithdrawnCents   int64  `json:"daily_withdrawn_cents"`
	MonthlyWithdrawnCents int64  `json:"monthly_withdrawn_cents"`
}

func accountPayloadFrom(snapshot ledger.AccountSnapshot) accountPayload {
	return accountPayload{
		AccountID:             snapshot.AccountID,
		DriverID:              snapshot.DriverID,
		BalanceCents:          snapshot.BalanceCents,
		ReservedCents:         snapshot.ReservedCents,
		AvailableCents:        snapshot.AvailableCents(),
		RechargeEnabled:       snapshot.RechargeEnabled,
		DailyWithdrawnCents:   snapshot.Windows.DailyWithdrawnCents,
		MonthlyWithdrawnCents: snapshot.Windows.MonthlyWithdrawnCents,
	}
}

type rechargeSignal struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
}

func rechargeSignalPayload(signal *ledger.RechargeSignal) *rechargeSignal {
	if signal == nil {
		return nil
	}
	return &rechargeSignal{
		AmountCents: signal.AmountCents,
		Method:      signal.Method.String(),
	}
}

type entryPayload struct {
	EntryID           string `json:"entry_id"`
	Kind              string `json:"kind"`
	Status            string `json:"status"`
	AmountCents       int64  `json:"amount_cents"`
	FeeCents          int64  `json:"fee_cents"`
	ExternalReference string `json:"external_reference,omitempty"`
	RideID            string `json:"ride_id,omitempty"`
	RideReservationID string `json:"ride_reservation_id,omitempty"`
	Method            string `json:"method,omitempty"`
	ResolutionReason  string `json:"resolution_reason,omitempty"`
	ExpiresAtUnixUTC  int64  `json:"expires_at_unix_utc,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
	ResolvedUnixUTC   int64  `json:"resolved_unix_utc,omitempty"`
}

func entryPayloadFrom(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:           entry.EntryID,
		Kind:              entry.Kind.String(),
		Status:            entry.Status.String(),
		AmountCents:       entry.AmountCents,
		FeeCents:          entry.FeeCents,
		ExternalReference: entry.ExternalReference,
		RideID:            entry.RideID,
		RideReservationID: entry.RideReservationID,
		Method:            entry.Method,
		ResolutionReason:  entry.ResolutionReason,
		ExpiresAtUnixUTC:  entry.ExpiresAtUnixUTC,
		CreatedUnixUTC:    entry.CreatedUnixUTC,
		ResolvedUnixUTC:   entry.ResolvedUnixUTC,
	}
}
