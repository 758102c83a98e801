package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the settlement logic over a Store. All mutations for one
// account run under that account's row lock; operations on different accounts
// never contend.
type Service struct {
	store                Store
	nowFn                func() int64
	limits               LimitConfig
	withdrawalTTLSeconds int64
	rechargeTTLSeconds   int64
	platformDriverID     string
	logger               OperationLogger
	publisher            EventPublisher
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:                store,
		nowFn:                now,
		limits:               LimitConfig{DailyCents: DefaultDailyLimitCents, MonthlyCents: DefaultMonthlyLimitCents},
		withdrawalTTLSeconds: int64(DefaultWithdrawalTTL / time.Second),
		rechargeTTLSeconds:   int64(DefaultRechargeTTL / time.Second),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.withdrawalTTLSeconds <= 0 || service.rechargeTTLSeconds <= 0 {
		return nil, fmt.Errorf("%w: pending entry ttl must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// WithLimits overrides the rolling withdrawal ceilings.
func WithLimits(limits LimitConfig) ServiceOption {
	return func(service *Service) {
		service.limits = limits
	}
}

// WithWithdrawalTTL sets how long a withdrawal reservation may stay pending.
func WithWithdrawalTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		service.withdrawalTTLSeconds = int64(ttl / time.Second)
	}
}

// WithRechargeTTL sets how long an initiated recharge may stay pending.
func WithRechargeTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		service.rechargeTTLSeconds = int64(ttl / time.Second)
	}
}

// WithPlatformFeeAccount mirrors every commission debit as an earning credit
// on the named platform account (saga-style, compensated on failure).
func WithPlatformFeeAccount(driverID DriverID) ServiceOption {
	return func(service *Service) {
		service.platformDriverID = driverID.String()
	}
}

// SettlementResult reports a committed synchronous settlement.
type SettlementResult struct {
	EntryID      string
	Snapshot     AccountSnapshot
	AutoRecharge *RechargeSignal
}

// DebitCommission settles the platform commission for a completed ride
// against the driver's prepaid balance. Accounts that never opted into
// prepaid recharge are rejected up front; they settle commissions through
// provider-side payment methods and never owe the ledger.
func (service *Service) DebitCommission(ctx context.Context, driverID DriverID, amount AmountCents, ref SettlementRef) (SettlementResult, error) {
	var result SettlementResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		snapshot, err := tx.LockAccount(ctx, driverID.String())
		if err != nil {
			return err
		}
		if !snapshot.RechargeEnabled {
			return ErrAccountNotEligible
		}
		projection, err := snapshot.Projection().Apply(KindCommissionDebit, amount, 0)
		if err != nil {
			return err
		}
		now := service.nowFn()
		entry := Entry{
			EntryID:           uuid.NewString(),
			AccountID:         snapshot.AccountID,
			Kind:              KindCommissionDebit,
			Status:            StatusComplete,
			AmountCents:       amount.Int64(),
			ExternalReference: ref.reference(referencePrefixCommission),
			RideID:            ref.RideID,
			RideReservationID: ref.ReservationID,
			CreatedUnixUTC:    now,
			ResolvedUnixUTC:   now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.UpdateAccountProjection(ctx, snapshot.AccountID, projection); err != nil {
			return err
		}
		result = SettlementResult{EntryID: entry.EntryID, Snapshot: snapshot.withProjection(projection)}
		return nil
	})
	if operationError == nil {
		if signal, ok := ShouldTriggerRecharge(result.Snapshot); ok {
			result.AutoRecharge = &signal
		}
		service.publishEvent(ctx, SettlementEvent{
			AccountID:         result.Snapshot.AccountID,
			DriverID:          driverID.String(),
			EntryID:           result.EntryID,
			Kind:              KindCommissionDebit,
			Status:            StatusComplete,
			AmountCents:       amount.Int64(),
			RideID:            ref.RideID,
			RideReservationID: ref.ReservationID,
			OccurredUnixUTC:   service.nowFn(),
		})
		service.settlePlatformFee(ctx, driverID, amount, ref)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationDebitCommission,
		DriverID:  driverID.String(),
		AccountID: result.Snapshot.AccountID,
		EntryID:   result.EntryID,
		Reference: ref.reference(referencePrefixCommission),
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return result, operationError
}

// CreditEarnings settles the driver's share of a completed ride into the
// prepaid balance. Earnings are not withdrawals and never touch the limit
// windows.
func (service *Service) CreditEarnings(ctx context.Context, driverID DriverID, amount AmountCents, ref SettlementRef) (SettlementResult, error) {
	var result SettlementResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		snapshot, err := tx.LockAccount(ctx, driverID.String())
		if err != nil {
			return err
		}
		projection, err := snapshot.Projection().Apply(KindEarningCredit, amount, 0)
		if err != nil {
			return err
		}
		now := service.nowFn()
		entry := Entry{
			EntryID:           uuid.NewString(),
			AccountID:         snapshot.AccountID,
			Kind:              KindEarningCredit,
			Status:            StatusComplete,
			AmountCents:       amount.Int64(),
			ExternalReference: ref.reference(referencePrefixEarning),
			RideID:            ref.RideID,
			RideReservationID: ref.ReservationID,
			CreatedUnixUTC:    now,
			ResolvedUnixUTC:   now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.UpdateAccountProjection(ctx, snapshot.AccountID, projection); err != nil {
			return err
		}
		result = SettlementResult{EntryID: entry.EntryID, Snapshot: snapshot.withProjection(projection)}
		return nil
	})
	if operationError == nil {
		service.publishEvent(ctx, SettlementEvent{
			AccountID:         result.Snapshot.AccountID,
			DriverID:          driverID.String(),
			EntryID:           result.EntryID,
			Kind:              KindEarningCredit,
			Status:            StatusComplete,
			AmountCents:       amount.Int64(),
			RideID:            ref.RideID,
			RideReservationID: ref.ReservationID,
			OccurredUnixUTC:   service.nowFn(),
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCreditEarnings,
		DriverID:  driverID.String(),
		AccountID: result.Snapshot.AccountID,
		EntryID:   result.EntryID,
		Reference: ref.reference(referencePrefixEarning),
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return result, operationError
}

// settlePlatformFee books the collected commission onto the platform fee
// account in a second, locally-committed transaction. There is no
// cross-account transaction: when the fee credit cannot be booked the driver
// debit is compensated with a reason-carrying adjustment so money is never
// destroyed silently.
func (service *Service) settlePlatformFee(ctx context.Context, driverID DriverID, amount AmountCents, ref SettlementRef) {
	if service.platformDriverID == "" || service.platformDriverID == driverID.String() {
		return
	}
	feeError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		snapshot, err := tx.LockAccount(ctx, service.platformDriverID)
		if err != nil {
			return err
		}
		projection, err := snapshot.Projection().Apply(KindEarningCredit, amount, 0)
		if err != nil {
			return err
		}
		now := service.nowFn()
		entry := Entry{
			EntryID:           uuid.NewString(),
			AccountID:         snapshot.AccountID,
			Kind:              KindEarningCredit,
			Status:            StatusComplete,
			AmountCents:       amount.Int64(),
			ExternalReference: ref.reference(referencePrefixPlatformFee),
			RideID:            ref.RideID,
			RideReservationID: ref.ReservationID,
			CreatedUnixUTC:    now,
			ResolvedUnixUTC:   now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return tx.UpdateAccountProjection(ctx, snapshot.AccountID, projection)
	})
	if feeError == nil || errors.Is(feeError, ErrDuplicateReference) {
		return
	}
	compensationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		snapshot, err := tx.LockAccount(ctx, driverID.String())
		if err != nil {
			return err
		}
		projection, err := snapshot.Projection().ApplyAdjustment(DirectionCredit, amount)
		if err != nil {
			return err
		}
		now := service.nowFn()
		metadata, err := adjustmentMetadata("system", reasonFeeCompensation)
		if err != nil {
			return err
		}
		entry := Entry{
			EntryID:           uuid.NewString(),
			AccountID:         snapshot.AccountID,
			Kind:              KindAdminAdjustment,
			Status:            StatusComplete,
			AmountCents:       amount.Int64(),
			Direction:         DirectionCredit,
			ExternalReference: ref.reference(referencePrefixFeeReversal),
			RideID:            ref.RideID,
			RideReservationID: ref.ReservationID,
			MetadataJSON:      metadata,
			ResolutionReason:  reasonFeeCompensation,
			CreatedUnixUTC:    now,
			ResolvedUnixUTC:   now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return tx.UpdateAccountProjection(ctx, snapshot.AccountID, projection)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPlatformFee,
		DriverID:  driverID.String(),
		Reference: ref.reference(referencePrefixPlatformFee),
		Amount:    amount.Int64(),
		Reason:    reasonFeeCompensation,
		Error:     feeError,
	})
	if compensationError != nil && !errors.Is(compensationError, ErrDuplicateReference) {
		service.logOperation(ctx, OperationLog{
			Operation: operationPlatformFee,
			DriverID:  driverID.String(),
			Reference: ref.reference(referencePrefixFeeReversal),
			Amount:    amount.Int64(),
			Error:     compensationError,
		})
	}
}

// InitiateRecharge opens a pending top-up and returns the reference the
// caller hands to the payment gateway. The balance does not change until the
// gateway confirms.
func (service *Service) InitiateRecharge(ctx context.Context, driverID DriverID, amount AmountCents, method PaymentMethod) (ExternalReference, error) {
	reference := referencePrefixRecharge + "-" + uuid.NewString()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		snapshot, err := tx.GetOrCreateAccount(ctx, driverID.String())
		if err != nil {
			return err
		}
		now := service.nowFn()
		entry := Entry{
			EntryID:           uuid.NewString(),
			AccountID:         snapshot.AccountID,
			Kind:              KindRecharge,
			Status:            StatusPending,
			AmountCents:       amount.Int64(),
			ExternalReference: reference,
			Method:            method.String(),
			ExpiresAtUnixUTC:  now + service.rechargeTTLSeconds,
			CreatedUnixUTC:    now,
		}
		return tx.InsertEntry(ctx, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationInitiateRecharge,
		DriverID:  driverID.String(),
		Reference: reference,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return ExternalReference{}, operationError
	}
	return ExternalReference{value: reference}, nil
}

// RechargeResult reports the outcome of a recharge confirmation.
type RechargeResult struct {
	EntryID      string
	Snapshot     AccountSnapshot
	AutoRecharge *RechargeSignal
}

// ConfirmRecharge resolves a pending top-up exactly once, keyed by the
// provider reference. Gateways redeliver webhooks; a confirmation for an
// already-resolved reference returns ErrDuplicateReference and changes
// nothing, so the transport can acknowledge the replay as success.
func (service *Service) ConfirmRecharge(ctx context.Context, reference ExternalReference, outcome Outcome, fee AmountCents, metadata MetadataJSON) (RechargeResult, error) {
	var result RechargeResult
	var confirmedAmount int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		probe, err := tx.GetEntryByReference(ctx, reference.String())
		if err != nil {
			return err
		}
		if probe.Kind != KindRecharge {
			return WrapError(operationConfirmRecharge, "reference", "kind_mismatch", ErrUnknownReference)
		}
		snapshot, err := tx.LockAccountByID(ctx, probe.AccountID)
		if err != nil {
			return err
		}
		// Re-read under the account lock; a racing delivery may have resolved
		// the entry between the probe and the lock.
		entry, err := tx.GetEntryByID(ctx, probe.EntryID)
		if err != nil {
			return err
		}
		if entry.Resolved() {
			result = RechargeResult{EntryID: entry.EntryID, Snapshot: snapshot}
			return ErrDuplicateReference
		}
		confirmedAmount = entry.AmountCents
		now := service.nowFn()
		if outcome == OutcomeFailure {
			err := tx.ResolveEntry(ctx, entry.EntryID, StatusPending, EntryResolution{
				Kind:            KindRecharge,
				Status:          StatusFailed,
				MetadataJSON:    metadata.String(),
				Reason:          reasonProviderFailure,
				ResolvedUnixUTC: now,
			})
			if err != nil {
				return err
			}
			result = RechargeResult{EntryID: entry.EntryID, Snapshot: snapshot}
			return nil
		}
		if fee.Int64() >= entry.AmountCents {
			return fmt.Errorf("%w: fee %d consumes the whole top-up", ErrInvalidFeeCents, fee.Int64())
		}
		projection, err := snapshot.Projection().Apply(KindRecharge, AmountCents(entry.AmountCents), fee)
		if err != nil {
			return err
		}
		err = tx.ResolveEntry(ctx, entry.EntryID, StatusPending, EntryResolution{
			Kind:            KindRecharge,
			Status:          StatusComplete,
			FeeCents:        fee.Int64(),
			MetadataJSON:    metadata.String(),
			ResolvedUnixUTC: now,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateAccountProjection(ctx, snapshot.AccountID, projection); err != nil {
			return err
		}
		result = RechargeResult{EntryID: entry.EntryID, Snapshot: snapshot.withProjection(projection)}
		return nil
	})
	if operationError == nil {
		if signal, ok := ShouldTriggerRecharge(result.Snapshot); ok {
			result.AutoRecharge = &signal
		}
		status := StatusComplete
		if outcome == OutcomeFailure {
			status = StatusFailed
		}
		service.publishEvent(ctx, SettlementEvent{
			AccountID:         result.Snapshot.AccountID,
			DriverID:          result.Snapshot.DriverID,
			EntryID:           result.EntryID,
			Kind:              KindRecharge,
			Status:            status,
			AmountCents:       confirmedAmount,
			FeeCents:          fee.Int64(),
			ExternalReference: reference.String(),
			OccurredUnixUTC:   service.nowFn(),
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationConfirmRecharge,
		DriverID:  result.Snapshot.DriverID,
		AccountID: result.Snapshot.AccountID,
		EntryID:   result.EntryID,
		Reference: reference.String(),
		Error:     operationError,
	})
	return result, operationError
}

func adjustmentMetadata(adminID string, reason string) (string, error) {
	raw, err := json.Marshal(map[string]string{
		"admin_id": adminID,
		"reason":   reason,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return string(raw), nil
}

func (service *Service) publishEvent(ctx context.Context, event SettlementEvent) {
	if service.publisher == nil {
		return
	}
	service.publisher.PublishSettlement(ctx, event)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error == nil:
			entry.Status = operationStatusOK
		case errors.Is(entry.Error, ErrDuplicateReference):
			entry.Status = operationStatusReplay
		default:
			entry.Status = operationStatusError
		}
	}
	service.logger.LogOperation(ctx, entry)
}
