package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// stubStore is an in-memory Store for service tests. A single mutex stands in
// for the per-account row locks of the real store.
type stubStore struct {
	mu           sync.Mutex
	byDriver     map[string]*AccountSnapshot
	byAccount    map[string]*AccountSnapshot
	entries      map[string]*Entry
	entryOrder   []string
	insertHook   func(entry Entry) error
	settingsHook func(settings AccountSettings) error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		byDriver:  map[string]*AccountSnapshot{},
		byAccount: map[string]*AccountSnapshot{},
		entries:   map[string]*Entry{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, (*stubStoreTx)(store))
}

// stubStoreTx is the unlocked view handed to transaction closures.
type stubStoreTx stubStore

func (tx *stubStoreTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, driverID string) (AccountSnapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).GetOrCreateAccount(ctx, driverID)
}

func (store *stubStore) LockAccount(ctx context.Context, driverID string) (AccountSnapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).LockAccount(ctx, driverID)
}

func (store *stubStore) LockAccountByID(ctx context.Context, accountID string) (AccountSnapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).LockAccountByID(ctx, accountID)
}

func (store *stubStore) UpdateAccountProjection(ctx context.Context, accountID string, projection AccountProjection) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).UpdateAccountProjection(ctx, accountID, projection)
}

func (store *stubStore) UpdateAccountSettings(ctx context.Context, accountID string, settings AccountSettings) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).UpdateAccountSettings(ctx, accountID, settings)
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).InsertEntry(ctx, entry)
}

func (store *stubStore) GetEntryByReference(ctx context.Context, externalReference string) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).GetEntryByReference(ctx, externalReference)
}

func (store *stubStore) GetEntryByID(ctx context.Context, entryID string) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).GetEntryByID(ctx, entryID)
}

func (store *stubStore) ResolveEntry(ctx context.Context, entryID string, from EntryStatus, resolution EntryResolution) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).ResolveEntry(ctx, entryID, from, resolution)
}

func (store *stubStore) ListEntries(ctx context.Context, accountID string, filter HistoryFilter, beforeUnixUTC int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).ListEntries(ctx, accountID, filter, beforeUnixUTC, limit)
}

func (store *stubStore) ListExpiredPending(ctx context.Context, nowUnixUTC int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubStoreTx)(store).ListExpiredPending(ctx, nowUnixUTC, limit)
}

func (tx *stubStoreTx) GetOrCreateAccount(_ context.Context, driverID string) (AccountSnapshot, error) {
	if snapshot, ok := tx.byDriver[driverID]; ok {
		return *snapshot, nil
	}
	snapshot := &AccountSnapshot{AccountID: uuid.NewString(), DriverID: driverID}
	tx.byDriver[driverID] = snapshot
	tx.byAccount[snapshot.AccountID] = snapshot
	return *snapshot, nil
}

func (tx *stubStoreTx) LockAccount(ctx context.Context, driverID string) (AccountSnapshot, error) {
	return tx.GetOrCreateAccount(ctx, driverID)
}

func (tx *stubStoreTx) LockAccountByID(_ context.Context, accountID string) (AccountSnapshot, error) {
	snapshot, ok := tx.byAccount[accountID]
	if !ok {
		return AccountSnapshot{}, ErrUnknownAccount
	}
	return *snapshot, nil
}

func (tx *stubStoreTx) UpdateAccountProjection(_ context.Context, accountID string, projection AccountProjection) error {
	snapshot, ok := tx.byAccount[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	snapshot.BalanceCents = projection.BalanceCents
	snapshot.ReservedCents = projection.ReservedCents
	snapshot.Windows = projection.Windows
	snapshot.LastWithdrawalUnixUTC = projection.LastWithdrawalUnixUTC
	return nil
}

func (tx *stubStoreTx) UpdateAccountSettings(_ context.Context, accountID string, settings AccountSettings) error {
	if tx.settingsHook != nil {
		if err := tx.settingsHook(settings); err != nil {
			return err
		}
	}
	snapshot, ok := tx.byAccount[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if settings.RechargeEnabled != nil {
		snapshot.RechargeEnabled = *settings.RechargeEnabled
	}
	if settings.AutoRecharge != nil {
		snapshot.AutoRecharge = *settings.AutoRecharge
	}
	if settings.Destination != nil {
		destination := *settings.Destination
		snapshot.Destination = &destination
	}
	return nil
}

func (tx *stubStoreTx) InsertEntry(_ context.Context, entry Entry) error {
	if tx.insertHook != nil {
		if err := tx.insertHook(entry); err != nil {
			return err
		}
	}
	if entry.ExternalReference != "" {
		for _, existing := range tx.entries {
			if existing.ExternalReference == entry.ExternalReference {
				return ErrDuplicateReference
			}
		}
	}
	stored := entry
	tx.entries[entry.EntryID] = &stored
	tx.entryOrder = append(tx.entryOrder, entry.EntryID)
	return nil
}

func (tx *stubStoreTx) GetEntryByReference(_ context.Context, externalReference string) (Entry, error) {
	for _, entry := range tx.entries {
		if entry.ExternalReference == externalReference {
			return *entry, nil
		}
	}
	return Entry{}, ErrUnknownReference
}

func (tx *stubStoreTx) GetEntryByID(_ context.Context, entryID string) (Entry, error) {
	entry, ok := tx.entries[entryID]
	if !ok {
		return Entry{}, ErrUnknownReservation
	}
	return *entry, nil
}

func (tx *stubStoreTx) ResolveEntry(_ context.Context, entryID string, from EntryStatus, resolution EntryResolution) error {
	entry, ok := tx.entries[entryID]
	if !ok {
		return ErrUnknownReservation
	}
	if entry.Status != from {
		return ErrInvalidTransition
	}
	entry.Kind = resolution.Kind
	entry.Status = resolution.Status
	entry.FeeCents = resolution.FeeCents
	if resolution.ExternalReference != "" {
		entry.ExternalReference = resolution.ExternalReference
	}
	if resolution.MetadataJSON != "" {
		entry.MetadataJSON = resolution.MetadataJSON
	}
	entry.ResolutionReason = resolution.Reason
	entry.ResolvedUnixUTC = resolution.ResolvedUnixUTC
	return nil
}

func (tx *stubStoreTx) ListEntries(_ context.Context, accountID string, filter HistoryFilter, beforeUnixUTC int64, limit int) ([]Entry, error) {
	matched := make([]Entry, 0, limit)
	for index := len(tx.entryOrder) - 1; index >= 0; index-- {
		entry := tx.entries[tx.entryOrder[index]]
		if entry.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		if !matchesFilter(*entry, filter) {
			continue
		}
		matched = append(matched, *entry)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func (tx *stubStoreTx) ListExpiredPending(_ context.Context, nowUnixUTC int64, limit int) ([]Entry, error) {
	matched := make([]Entry, 0, limit)
	for _, entryID := range tx.entryOrder {
		entry := tx.entries[entryID]
		if entry.Status != StatusPending || !entry.ExpiredAt(nowUnixUTC) {
			continue
		}
		matched = append(matched, *entry)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func matchesFilter(entry Entry, filter HistoryFilter) bool {
	if len(filter.Kinds) > 0 {
		found := false
		for _, kind := range filter.Kinds {
			if entry.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, status := range filter.Statuses {
			if entry.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (store *stubStore) seedAccount(test *testing.T, driverID string, balanceCents int64) AccountSnapshot {
	test.Helper()
	snapshot, err := store.GetOrCreateAccount(context.Background(), driverID)
	if err != nil {
		test.Fatalf("seed account: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	stored := store.byAccount[snapshot.AccountID]
	stored.BalanceCents = balanceCents
	stored.RechargeEnabled = true
	destination := WithdrawalDestination{MSISDN: "+221770000000", Operator: MethodWave, HolderName: "Test Driver"}
	stored.Destination = &destination
	return *stored
}

func (store *stubStore) snapshot(test *testing.T, accountID string) AccountSnapshot {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, ok := store.byAccount[accountID]
	if !ok {
		test.Fatalf("unknown account %s", accountID)
	}
	return *stored
}

func (store *stubStore) entriesForAccount(test *testing.T, accountID string) []Entry {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	entries := make([]Entry, 0, len(store.entryOrder))
	for _, entryID := range store.entryOrder {
		entry := store.entries[entryID]
		if entry.AccountID == accountID {
			entries = append(entries, *entry)
		}
	}
	return entries
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustDriverID(test *testing.T, raw string) DriverID {
	test.Helper()
	driverID, err := NewDriverID(raw)
	if err != nil {
		test.Fatalf("driver id: %v", err)
	}
	return driverID
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustFee(test *testing.T, raw int64) AmountCents {
	test.Helper()
	fee, err := NewFeeCents(raw)
	if err != nil {
		test.Fatalf("fee: %v", err)
	}
	return fee
}

func mustSettlementRef(test *testing.T, rideID string, reservationID string) SettlementRef {
	test.Helper()
	ref, err := NewSettlementRef(rideID, reservationID)
	if err != nil {
		test.Fatalf("settlement ref: %v", err)
	}
	return ref
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustReservation(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

var errStubInsert = fmt.Errorf("stub insert failure")
