package ledger

import (
	"context"
	"errors"
	"testing"
)

func initiateRecharge(test *testing.T, service *Service, driverID string, amount int64, method PaymentMethod) ExternalReference {
	test.Helper()
	reference, err := service.InitiateRecharge(context.Background(), mustDriverID(test, driverID), mustAmount(test, amount), method)
	if err != nil {
		test.Fatalf("initiate recharge: %v", err)
	}
	return reference
}

func TestInitiateRechargeCreatesPendingEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, "driver-1", 0)
	service := mustNewService(test, store)

	initiateRecharge(test, service, "driver-1", 2_000, MethodWave)

	entries := store.entriesForAccount(test, account.AccountID)
	if len(entries) != 1 {
		test.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Kind != KindRecharge || entry.Status != StatusPending {
		test.Fatalf("unexpected entry %+v", entry)
	}
	if entry.ExternalReference == "" || entry.ExpiresAtUnixUTC == 0 {
		test.Fatalf("pending recharge must carry reference and expiry: %+v", entry)
	}
	if got := store.snapshot(test, account.AccountID).BalanceCents; got != 0 {
		test.Fatalf("initiation must not credit the balance, got %d", got)
	}
}

func TestConfirmRechargeCreditsNetOfFee(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, "driver-1", 0)
	service := mustNewService(test, store)
	reference := initiateRecharge(test, service, "driver-1", 2_000, MethodWave)

	result, err := service.ConfirmRecharge(context.Background(), reference, OutcomeSuccess, mustFee(test, 50), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("confirm recharge: %v", err)
	}
	if result.Snapshot.BalanceCents != 1_950 {
		test.Fatalf("expected balance 1950, got %d", result.Snapshot.BalanceCents)
	}
	entries := store.entriesForAccount(test, account.AccountID)
	if entries[0].Status != StatusComplete || entries[0].FeeCents != 50 {
		test.Fatalf("unexpected resolved entry %+v", entries[0])
	}
}

func TestConfirmRechargeReplayIsHarmless(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, "driver-1", 0)
	service := mustNewService(test, store)
	reference := initiateRecharge(test, service, "driver-1", 2_000, MethodWave)

	if _, err := service.ConfirmRecharge(context.Background(), reference, OutcomeSuccess, mustFee(test, 50), mustMetadata(test, "{}")); err != nil {
		test.Fatalf("first confirm: %v", err)
	}
	_, err := service.ConfirmRecharge(context.Background(), reference, OutcomeSuccess, mustFee(test, 50), mustMetadata(test, "{}"))
	if !errors.Is(err, ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	if got := store.snapshot(test, account.AccountID).BalanceCents; got != 1_950 {
		test.Fatalf("replay must not double-credit, got %d", got)
	}
}

func TestConfirmRechargeFailureOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, "driver-1", 0)
	service := mustNewService(test, store)
	reference := initiateRecharge(test, service, "driver-1", 2_000, MethodOrangeMoney)

	if _, err := service.ConfirmRecharge(context.Background(), reference, OutcomeFailure, mustFee(test, 0), mustMetadata(test, "{}")); err != nil {
		test.Fatalf("failure outcome is a terminal state, not an error: %v", err)
	}
	entries := store.entriesForAccount(test, account.AccountID)
	if entries[0].Status != StatusFailed {
		test.Fatalf("expected FAILED entry, got %+v", entries[0])
	}
	if got := store.snapshot(test, account.AccountID).BalanceCents; got != 0 {
		test.Fatalf("failed recharge must not credit, got %d", got)
	}
}

func TestConfirmRechargeUnknownReference(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "driver-1", 0)
	service := mustNewService(test, store)

	reference, err := NewExternalReference("rc-never-issued")
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	if _, err := service.ConfirmRecharge(context.Background(), reference, OutcomeSuccess, mustFee(test, 0), mustMetadata(test, "{}")); !errors.Is(err, ErrUnknownReference) {
		test.Fatalf("expected ErrUnknownReference, got %v", err)
	}
}

func TestConfirmRechargeRejectsConsumingFee(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, "driver-1", 0)
	service := mustNewService(test, store)
	reference := initiateRecharge(test, service, "driver-1", 2_000, MethodWave)

	if _, err := service.ConfirmRecharge(context.Background(), reference, OutcomeSuccess, mustFee(test, 2_000), mustMetadata(test, "{}")); !errors.Is(err, ErrInvalidFeeCents) {
		test.Fatalf("expected ErrInvalidFeeCents, got %v", err)
	}
	entries := store.entriesForAccount(test, account.AccountID)
	if entries[0].Status != StatusPending {
		test.Fatalf("rejected confirmation must leave the entry pending: %+v", entries[0])
	}
}

func TestConfirmRechargeSignalsAutoRecharge(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, "driver-1", 0)
	store.mu.Lock()
	store.byAccount[account.AccountID].AutoRecharge = AutoRechargeConfig{Enabled: true, ThresholdCents: 5_000, AmountCents: 10_000, Method: MethodWave}
	store.mu.Unlock()
	service := mustNewService(test, store)
	reference := initiateRecharge(test, service, "driver-1", 2_000, MethodWave)

	result, err := service.ConfirmRecharge(context.Background(), reference, OutcomeSuccess, mustFee(test, 0), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("confirm recharge: %v", err)
	}
	if result.AutoRecharge == nil {
		test.Fatalf("available 2000 is under the 5000 threshold; expected a recharge signal")
	}
	if result.AutoRecharge.AmountCents != 10_000 || result.AutoRecharge.Method != MethodWave {
		test.Fatalf("unexpected signal %+v", result.AutoRecharge)
	}
}
