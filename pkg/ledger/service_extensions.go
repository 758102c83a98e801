package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountSummary is the read model served to the account holder.
type AccountSummary struct {
	Snapshot              AccountSnapshot
	AvailableCents        int64
	DailyRemainingCents   int64
	MonthlyRemainingCents int64
	PendingEntries        []Entry
}

// AccountSummary returns the current balances, the remaining withdrawal
// headroom after a read-only window roll, and the in-flight entries.
func (service *Service) AccountSummary(ctx context.Context, driverID DriverID) (AccountSummary, error) {
	snapshot, err := service.store.GetOrCreateAccount(ctx, driverID.String())
	if err != nil {
		return AccountSummary{}, err
	}
	rolled := snapshot.Windows.Rolled(service.nowFn())
	authorization := service.limits.Authorize(rolled, 0)
	pending, err := service.store.ListEntries(ctx, snapshot.AccountID, HistoryFilter{Statuses: []EntryStatus{StatusPending}}, 0, defaultPendingListLimit)
	if err != nil {
		return AccountSummary{}, err
	}
	snapshot.Windows = rolled
	return AccountSummary{
		Snapshot:              snapshot,
		AvailableCents:        snapshot.AvailableCents(),
		DailyRemainingCents:   authorization.DailyRemainingCents,
		MonthlyRemainingCents: authorization.MonthlyRemainingCents,
		PendingEntries:        pending,
	}, nil
}

// ListHistory pages through the account's ledger entries, newest first.
func (service *Service) ListHistory(ctx context.Context, driverID DriverID, filter HistoryFilter, beforeUnixUTC int64, limit int) ([]Entry, error) {
	snapshot, err := service.store.GetOrCreateAccount(ctx, driverID.String())
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return service.store.ListEntries(ctx, snapshot.AccountID, filter, beforeUnixUTC, limit)
}

// AdminAdjust books a signed administrative correction. Adjustments always
// produce a typed, reason-carrying entry; the balance is never written
// directly.
func (service *Service) AdminAdjust(ctx context.Context, driverID DriverID, amount AmountCents, direction AdjustmentDirection, reason string, adminID string) (SettlementResult, error) {
	reason = strings.TrimSpace(reason)
	adminID = strings.TrimSpace(adminID)
	if reason == "" {
		return SettlementResult{}, fmt.Errorf("%w: reason is required", ErrInvalidAdjustment)
	}
	if adminID == "" {
		return SettlementResult{}, fmt.Errorf("%w: admin id is required", ErrInvalidAdjustment)
	}
	var result SettlementResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		snapshot, err := tx.LockAccount(ctx, driverID.String())
		if err != nil {
			return err
		}
		projection, err := snapshot.Projection().ApplyAdjustment(direction, amount)
		if err != nil {
			return err
		}
		metadata, err := adjustmentMetadata(adminID, reason)
		if err != nil {
			return err
		}
		now := service.nowFn()
		entry := Entry{
			EntryID:          uuid.NewString(),
			AccountID:        snapshot.AccountID,
			Kind:             KindAdminAdjustment,
			Status:           StatusComplete,
			AmountCents:      amount.Int64(),
			Direction:        direction,
			MetadataJSON:     metadata,
			ResolutionReason: reason,
			CreatedUnixUTC:   now,
			ResolvedUnixUTC:  now,
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
			AccountID:       result.Snapshot.AccountID,
			DriverID:        driverID.String(),
			EntryID:         result.EntryID,
			Kind:            KindAdminAdjustment,
			Status:          StatusComplete,
			AmountCents:     amount.Int64(),
			Reason:          reason,
			OccurredUnixUTC: service.nowFn(),
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAdminAdjust,
		DriverID:  driverID.String(),
		AccountID: result.Snapshot.AccountID,
		EntryID:   result.EntryID,
		Amount:    amount.Int64(),
		Reason:    reason,
		Error:     operationError,
	})
	return result, operationError
}

// SetWithdrawalDestination stores the payout destination for the account.
func (service *Service) SetWithdrawalDestination(ctx context.Context, driverID DriverID, destination WithdrawalDestination) error {
	return service.updateSettings(ctx, driverID, AccountSettings{Destination: &destination})
}

// ConfigureAutoRecharge stores the threshold-triggered top-up policy.
func (service *Service) ConfigureAutoRecharge(ctx context.Context, driverID DriverID, config AutoRechargeConfig) error {
	if config.Enabled {
		if config.AmountCents <= 0 {
			return fmt.Errorf("%w: auto-recharge amount must be positive", ErrInvalidAmountCents)
		}
		if config.ThresholdCents < 0 {
			return fmt.Errorf("%w: auto-recharge threshold must not be negative", ErrInvalidAmountCents)
		}
		if _, err := ParsePaymentMethod(config.Method.String()); err != nil {
			return err
		}
	}
	return service.updateSettings(ctx, driverID, AccountSettings{AutoRecharge: &config})
}

// SetRechargeEnabled flips the prepaid enrollment capability. Only enrolled
// accounts may owe ledger commissions.
func (service *Service) SetRechargeEnabled(ctx context.Context, driverID DriverID, enabled bool) error {
	return service.updateSettings(ctx, driverID, AccountSettings{RechargeEnabled: &enabled})
}

func (service *Service) updateSettings(ctx context.Context, driverID DriverID, settings AccountSettings) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		snapshot, err := tx.LockAccount(ctx, driverID.String())
		if err != nil {
			return err
		}
		return tx.UpdateAccountSettings(ctx, snapshot.AccountID, settings)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationUpdateSettings,
		DriverID:  driverID.String(),
		Error:     operationError,
	})
	return operationError
}

// SweepExpired releases pending withdrawals and fails pending recharges whose
// expiry passed, so reserved funds are never held indefinitely. Races with
// in-flight confirmations resolve through the usual locking; an entry that
// got resolved underneath the sweep is skipped.
func (service *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepBatchSize
	}
	now := service.nowFn()
	expired, err := service.store.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, entry := range expired {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		var sweepError error
		switch entry.Kind {
		case KindWithdrawalReserve:
			reservationID, err := NewReservationID(entry.EntryID)
			if err != nil {
				sweepError = err
				break
			}
			_, sweepError = service.ReleaseWithdrawal(ctx, reservationID, reasonExpired)
		case KindRecharge:
			sweepError = service.failExpiredRecharge(ctx, entry)
		default:
			continue
		}
		if sweepError == nil {
			swept++
			continue
		}
		if errors.Is(sweepError, ErrInvalidTransition) || errors.Is(sweepError, ErrDuplicateReference) {
			continue
		}
		service.logOperation(ctx, OperationLog{
			Operation: operationSweepExpired,
			AccountID: entry.AccountID,
			EntryID:   entry.EntryID,
			Amount:    entry.AmountCents,
			Reason:    reasonExpired,
			Error:     sweepError,
		})
	}
	return swept, nil
}

func (service *Service) failExpiredRecharge(ctx context.Context, expired Entry) error {
	return service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if _, err := tx.LockAccountByID(ctx, expired.AccountID); err != nil {
			return err
		}
		entry, err := tx.GetEntryByID(ctx, expired.EntryID)
		if err != nil {
			return err
		}
		if entry.Resolved() {
			return nil
		}
		return tx.ResolveEntry(ctx, entry.EntryID, StatusPending, EntryResolution{
			Kind:            KindRecharge,
			Status:          StatusFailed,
			Reason:          reasonExpired,
			ResolvedUnixUTC: service.nowFn(),
		})
	})
}
