package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestAccountSummaryReportsHeadroomAndPending(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "driver-1", 50_000)
	service := mustNewService(test, store, WithLimits(LimitConfig{DailyCents: 100_000, MonthlyCents: 400_000}))
	driverID := mustDriverID(test, "driver-1")

	if _, err := service.RequestWithdrawal(context.Background(), driverID, mustAmount(test, 30_000)); err != nil {
		test.Fatalf("request withdrawal: %v", err)
	}
	summary, err := service.AccountSummary(context.Background(), driverID)
	if err != nil {
		test.Fatalf("account summary: %v", err)
	}
	if summary.AvailableCents != 20_000 {
		test.Fatalf("unexpected available %d", summary.AvailableCents)
	}
	if summary.DailyRemainingCents != 70_000 || summary.MonthlyRemainingCents != 370_000 {
		test.Fatalf("unexpected headroom %d / %d", summary.DailyRemainingCents, summary.MonthlyRemainingCents)
	}
	if len(summary.PendingEntries) != 1 || summary.PendingEntries[0].Kind != KindWithdrawalReserve {
		test.Fatalf("unexpected pending entries %+v", summary.PendingEntries)
	}
}

func TestAccountSummaryUnlimitedHeadroom(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "driver-1", 1_000)
	service := mustNewService(test, store, WithLimits(LimitConfig{}))

	summary, err := service.AccountSummary(context.Background(), mustDriverID(test, "driver-1"))
	if err != nil {
		test.Fatalf("account summary: %v", err)
	}
	if summary.DailyRemainingCents != -1 || summary.MonthlyRemainingCents != -1 {
		test.Fatalf("unconfigured ceilings must report -1, got %d / %d", summary.DailyRemainingCents, summary.MonthlyRemainingCents)
	}
}

func TestListHistoryFiltersByKind(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "driver-1", 50_000)
	service := mustNewService(test, store)
	driverID := mustDriverID(test, "driver-1")

	if _, err := service.DebitCommission(context.Background(), driverID, mustAmount(test, 5_000), mustSettlementRef(test, "ride-1", "res-1")); err != nil {
		test.Fatalf("debit commission: %v", err)
	}
	if _, err := service.CreditEarnings(context.Background(), driverID, mustAmount(test, 8_000), mustSettlementRef(test, "ride-2", "res-2")); err != nil {
		test.Fatalf("credit earnings: %v", err)
	}

	history, err := service.ListHistory(context.Background(), driverID, HistoryFilter{Kinds: []EntryKind{KindCommissionDebit}}, 0, 10)
	if err != nil {
		test.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].Kind != KindCommissionDebit {
		test.Fatalf("unexpected history %+v", history)
	}

	all, err := service.ListHistory(context.Background(), driverID, HistoryFilter{}, 0, 0)
	if err != nil {
		test.Fatalf("list history: %v", err)
	}
	if len(all) != 2 {
		test.Fatalf("expected both entries, got %d", len(all))
	}
}

func TestSettingsUpdates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, "driver-1", 0)
	service := mustNewService(test, store)
	driverID := mustDriverID(test, "driver-1")

	destination, err := NewWithdrawalDestination("+221761112233", "free_money", "Moussa Ba")
	if err != nil {
		test.Fatalf("destination: %v", err)
	}
	if err := service.SetWithdrawalDestination(context.Background(), driverID, destination); err != nil {
		test.Fatalf("set destination: %v", err)
	}
	if err := service.SetRechargeEnabled(context.Background(), driverID, false); err != nil {
		test.Fatalf("set recharge enabled: %v", err)
	}
	if err := service.ConfigureAutoRecharge(context.Background(), driverID, AutoRechargeConfig{
		Enabled:        true,
		ThresholdCents: 2_000,
		AmountCents:    10_000,
		Method:         MethodWave,
	}); err != nil {
		test.Fatalf("configure auto recharge: %v", err)
	}

	final := store.snapshot(test, account.AccountID)
	if final.Destination == nil || final.Destination.MSISDN != "+221761112233" || final.Destination.Operator != MethodFreeMoney {
		test.Fatalf("destination not stored: %+v", final.Destination)
	}
	if final.RechargeEnabled {
		test.Fatal("prepaid enrollment flag not cleared")
	}
	if !final.AutoRecharge.Enabled || final.AutoRecharge.AmountCents != 10_000 {
		test.Fatalf("auto recharge not stored: %+v", final.AutoRecharge)
	}
}

func TestConfigureAutoRechargeValidation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "driver-1", 0)
	service := mustNewService(test, store)
	driverID := mustDriverID(test, "driver-1")

	err := service.ConfigureAutoRecharge(context.Background(), driverID, AutoRechargeConfig{Enabled: true, AmountCents: 0, Method: MethodWave})
	if !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents, got %v", err)
	}
	err = service.ConfigureAutoRecharge(context.Background(), driverID, AutoRechargeConfig{Enabled: true, AmountCents: 5_000, ThresholdCents: -1, Method: MethodWave})
	if !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents for negative threshold, got %v", err)
	}
	err = service.ConfigureAutoRecharge(context.Background(), driverID, AutoRechargeConfig{Enabled: true, AmountCents: 5_000, Method: "cash"})
	if !errors.Is(err, ErrInvalidPaymentMethod) {
		test.Fatalf("expected ErrInvalidPaymentMethod, got %v", err)
	}
}
