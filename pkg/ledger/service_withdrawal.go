package ledger

import (
	"context"

	"github.com/google/uuid"
)

// WithdrawalTicket reports a committed withdrawal reservation.
type WithdrawalTicket struct {
	ReservationID    string
	ExpiresAtUnixUTC int64
	Authorization    Authorization
	Snapshot         AccountSnapshot
}

// RequestWithdrawal earmarks funds for an external mobile-money payout. The
// amount moves from available into reserved and the rolling counters are
// charged tentatively; both are undone if the payout is released. A rejected
// request leaves the account and the ledger untouched.
func (service *Service) RequestWithdrawal(ctx context.Context, driverID DriverID, amount AmountCents) (WithdrawalTicket, error) {
	var ticket WithdrawalTicket
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		snapshot, err := tx.LockAccount(ctx, driverID.String())
		if err != nil {
			return err
		}
		if snapshot.Destination == nil {
			return ErrNoWithdrawalDestination
		}
		projection, err := snapshot.Projection().Apply(KindWithdrawalReserve, amount, 0)
		if err != nil {
			return err
		}
		now := service.nowFn()
		rolled := snapshot.Windows.Rolled(now)
		authorization := service.limits.Authorize(rolled, amount.Int64())
		if !authorization.Allowed {
			return ErrLimitExceeded
		}
		projection.Windows = rolled.WithCharge(amount.Int64())
		projection.LastWithdrawalUnixUTC = now
		expiresAt := now + service.withdrawalTTLSeconds
		entry := Entry{
			EntryID:          uuid.NewString(),
			AccountID:        snapshot.AccountID,
			Kind:             KindWithdrawalReserve,
			Status:           StatusPending,
			AmountCents:      amount.Int64(),
			Method:           snapshot.Destination.Operator.String(),
			ExpiresAtUnixUTC: expiresAt,
			CreatedUnixUTC:   now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.UpdateAccountProjection(ctx, snapshot.AccountID, projection); err != nil {
			return err
		}
		ticket = WithdrawalTicket{
			ReservationID:    entry.EntryID,
			ExpiresAtUnixUTC: expiresAt,
			Authorization:    service.limits.Authorize(projection.Windows, 0),
			Snapshot:         snapshot.withProjection(projection),
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRequestWithdrawal,
		DriverID:  driverID.String(),
		AccountID: ticket.Snapshot.AccountID,
		EntryID:   ticket.ReservationID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return ticket, operationError
}

// FinalizeWithdrawal settles a confirmed payout: the reserved funds leave the
// balance for good and the tentative limit charges become permanent. Replaying
// a finalized reservation is a no-op; a reservation the sweep already released
// cannot be finalized.
func (service *Service) FinalizeWithdrawal(ctx context.Context, reservationID ReservationID, providerReference string, metadata MetadataJSON) (SettlementResult, error) {
	var result SettlementResult
	var settledAmount int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		entry, snapshot, err := service.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch entry.Kind {
		case KindWithdrawalComplete:
			result = SettlementResult{EntryID: entry.EntryID, Snapshot: snapshot}
			return nil
		case KindWithdrawalRelease:
			return WrapError(operationFinalizeWithdrawal, "reservation", "released", ErrInvalidTransition)
		}
		now := service.nowFn()
		if entry.ExpiredAt(now) {
			// The expiry sweep owns releasing this reservation; a late provider
			// confirmation must not resurrect it.
			return ErrExpiredReservation
		}
		settledAmount = entry.AmountCents
		projection, err := snapshot.Projection().Apply(KindWithdrawalComplete, AmountCents(entry.AmountCents), 0)
		if err != nil {
			return err
		}
		err = tx.ResolveEntry(ctx, entry.EntryID, StatusPending, EntryResolution{
			Kind:              KindWithdrawalComplete,
			Status:            StatusComplete,
			ExternalReference: providerReference,
			MetadataJSON:      metadata.String(),
			ResolvedUnixUTC:   now,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateAccountProjection(ctx, snapshot.AccountID, projection); err != nil {
			return err
		}
		result = SettlementResult{EntryID: entry.EntryID, Snapshot: snapshot.withProjection(projection)}
		return nil
	})
	if operationError == nil && settledAmount > 0 {
		service.publishEvent(ctx, SettlementEvent{
			AccountID:         result.Snapshot.AccountID,
			DriverID:          result.Snapshot.DriverID,
			EntryID:           result.EntryID,
			Kind:              KindWithdrawalComplete,
			Status:            StatusComplete,
			AmountCents:       settledAmount,
			ExternalReference: providerReference,
			OccurredUnixUTC:   service.nowFn(),
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationFinalizeWithdrawal,
		DriverID:  result.Snapshot.DriverID,
		AccountID: result.Snapshot.AccountID,
		EntryID:   reservationID.String(),
		Reference: providerReference,
		Amount:    settledAmount,
		Error:     operationError,
	})
	return result, operationError
}

// ReleaseWithdrawal returns reserved funds to the available balance and rolls
// the tentative limit charges back. Balance itself is untouched. Replaying a
// released reservation is a no-op; a finalized reservation cannot be released.
func (service *Service) ReleaseWithdrawal(ctx context.Context, reservationID ReservationID, reason string) (SettlementResult, error) {
	var result SettlementResult
	var releasedAmount int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		entry, snapshot, err := service.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch entry.Kind {
		case KindWithdrawalRelease:
			result = SettlementResult{EntryID: entry.EntryID, Snapshot: snapshot}
			return nil
		case KindWithdrawalComplete:
			return WrapError(operationReleaseWithdrawal, "reservation", "completed", ErrInvalidTransition)
		}
		releasedAmount = entry.AmountCents
		projection, err := snapshot.Projection().Apply(KindWithdrawalRelease, AmountCents(entry.AmountCents), 0)
		if err != nil {
			return err
		}
		now := service.nowFn()
		projection.Windows = snapshot.Windows.Rolled(now).RolledBack(entry.AmountCents, entry.CreatedUnixUTC)
		err = tx.ResolveEntry(ctx, entry.EntryID, StatusPending, EntryResolution{
			Kind:            KindWithdrawalRelease,
			Status:          StatusFailed,
			Reason:          reason,
			ResolvedUnixUTC: now,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateAccountProjection(ctx, snapshot.AccountID, projection); err != nil {
			return err
		}
		result = SettlementResult{EntryID: entry.EntryID, Snapshot: snapshot.withProjection(projection)}
		return nil
	})
	if operationError == nil && releasedAmount > 0 {
		service.publishEvent(ctx, SettlementEvent{
			AccountID:       result.Snapshot.AccountID,
			DriverID:        result.Snapshot.DriverID,
			EntryID:         result.EntryID,
			Kind:            KindWithdrawalRelease,
			Status:          StatusFailed,
			AmountCents:     releasedAmount,
			Reason:          reason,
			OccurredUnixUTC: service.nowFn(),
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReleaseWithdrawal,
		DriverID:  result.Snapshot.DriverID,
		AccountID: result.Snapshot.AccountID,
		EntryID:   reservationID.String(),
		Amount:    releasedAmount,
		Reason:    reason,
		Error:     operationError,
	})
	return result, operationError
}

// lockReservation loads a withdrawal reservation and takes its account lock,
// re-reading the entry afterwards so racing confirmations serialize cleanly.
func (service *Service) lockReservation(ctx context.Context, tx Store, reservationID ReservationID) (Entry, AccountSnapshot, error) {
	probe, err := tx.GetEntryByID(ctx, reservationID.String())
	if err != nil {
		return Entry{}, AccountSnapshot{}, err
	}
	switch probe.Kind {
	case KindWithdrawalReserve, KindWithdrawalComplete, KindWithdrawalRelease:
	default:
		return Entry{}, AccountSnapshot{}, WrapError(operationFinalizeWithdrawal, "reservation", "kind_mismatch", ErrUnknownReservation)
	}
	snapshot, err := tx.LockAccountByID(ctx, probe.AccountID)
	if err != nil {
		return Entry{}, AccountSnapshot{}, err
	}
	entry, err := tx.GetEntryByID(ctx, probe.EntryID)
	if err != nil {
		return Entry{}, AccountSnapshot{}, err
	}
	return entry, snapshot, nil
}
