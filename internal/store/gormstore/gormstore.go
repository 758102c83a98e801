package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/teranga-mobility/driverledger/pkg/ledger"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeResolve      = "resolve"
	errorCodeUpdate       = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount reads the account projection, creating a zero-balance
// account on first contact.
func (store *Store) GetOrCreateAccount(ctx context.Context, driverID string) (ledger.AccountSnapshot, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "driver_id"}},
			DoNothing: true,
		}).
		FirstOrCreate(&account, Account{DriverID: driverID}).Error
	if err != nil {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	if account.AccountID == "" {
		// The conflict path returns an empty struct; re-read the winner.
		err = store.db.WithContext(ctx).Where("driver_id = ?", driverID).Take(&account).Error
		if err != nil {
			return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
		}
	}
	return mapAccount(account)
}

// LockAccount creates the account when missing, then acquires the row lock
// that serializes every mutation of the account for the transaction.
func (store *Store) LockAccount(ctx context.Context, driverID string) (ledger.AccountSnapshot, error) {
	if _, err := store.GetOrCreateAccount(ctx, driverID); err != nil {
		return ledger.AccountSnapshot{}, err
	}
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("driver_id = ?", driverID).
		Take(&account).Error
	if err != nil {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

// LockAccountByID acquires the row lock for a known account.
func (store *Store) LockAccountByID(ctx context.Context, accountID string) (ledger.AccountSnapshot, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

// UpdateAccountProjection writes the aggregate fields back. A map keeps zeroed
// columns in the update.
func (store *Store) UpdateAccountProjection(ctx context.Context, accountID string, projection ledger.AccountProjection) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance_cents":                 projection.BalanceCents,
			"reserved_cents":                projection.ReservedCents,
			"daily_withdrawn_cents":         projection.Windows.DailyWithdrawnCents,
			"monthly_withdrawn_cents":       projection.Windows.MonthlyWithdrawnCents,
			"daily_window_start_unix_utc":   projection.Windows.DailyWindowStartUnixUTC,
			"monthly_window_start_unix_utc": projection.Windows.MonthlyWindowStartUnixUTC,
			"last_withdrawal_unix_utc":      projection.LastWithdrawalUnixUTC,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

// UpdateAccountSettings persists the non-nil settings fields.
func (store *Store) UpdateAccountSettings(ctx context.Context, accountID string, settings ledger.AccountSettings) error {
	updates := map[string]interface{}{}
	if settings.RechargeEnabled != nil {
		updates["recharge_enabled"] = *settings.RechargeEnabled
	}
	if settings.AutoRecharge != nil {
		updates["auto_recharge_enabled"] = settings.AutoRecharge.Enabled
		updates["auto_recharge_threshold_cents"] = settings.AutoRecharge.ThresholdCents
		updates["auto_recharge_amount_cents"] = settings.AutoRecharge.AmountCents
		updates["auto_recharge_method"] = settings.AutoRecharge.Method.String()
	}
	if settings.Destination != nil {
		updates["destination_msisdn"] = settings.Destination.MSISDN
		updates["destination_operator"] = settings.Destination.Operator.String()
		updates["destination_holder_name"] = settings.Destination.HolderName
	}
	if len(updates) == 0 {
		return nil
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

// InsertEntry appends one ledger entry. A colliding external reference maps to
// ErrDuplicateReference regardless of the backing engine.
func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:           entry.EntryID,
		AccountID:         entry.AccountID,
		Kind:              entry.Kind.String(),
		Status:            entry.Status.String(),
		AmountCents:       entry.AmountCents,
		FeeCents:          entry.FeeCents,
		Direction:         string(entry.Direction),
		ExternalReference: optionalString(entry.ExternalReference),
		RideID:            entry.RideID,
		RideReservationID: entry.RideReservationID,
		Method:            entry.Method,
		ExpiresAt:         optionalTime(entry.ExpiresAtUnixUTC),
		Metadata:          datatypesJSON(entry.MetadataJSON),
		ResolutionReason:  entry.ResolutionReason,
		CreatedAt:         time.Unix(entry.CreatedUnixUTC, 0).UTC(),
		ResolvedAt:        optionalTime(entry.ResolvedUnixUTC),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// GetEntryByReference looks up the entry owning an external reference.
func (store *Store) GetEntryByReference(ctx context.Context, externalReference string) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("external_reference = ?", externalReference).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownReference)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapLedgerEntry(row)
}

// GetEntryByID looks up one entry by primary key.
func (store *Store) GetEntryByID(ctx context.Context, entryID string) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapLedgerEntry(row)
}

// ResolveEntry transitions an entry out of `from` exactly once. A zero
// rows-affected update means another writer resolved it first.
func (store *Store) ResolveEntry(ctx context.Context, entryID string, from ledger.EntryStatus, resolution ledger.EntryResolution) error {
	updates := map[string]interface{}{
		"kind":              resolution.Kind.String(),
		"status":            resolution.Status.String(),
		"fee_cents":         resolution.FeeCents,
		"resolution_reason": resolution.Reason,
		"resolved_at":       optionalTime(resolution.ResolvedUnixUTC),
	}
	if resolution.ExternalReference != "" {
		updates["external_reference"] = resolution.ExternalReference
	}
	if resolution.MetadataJSON != "" {
		updates["metadata"] = datatypesJSON(resolution.MetadataJSON)
	}
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND status = ?", entryID, from.String()).
		Updates(updates)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeResolve, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeResolve, ledger.ErrInvalidTransition)
	}
	return nil
}

// ListEntries pages through an account's entries, newest first.
func (store *Store) ListEntries(ctx context.Context, accountID string, filter ledger.HistoryFilter, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID)
	if beforeUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(beforeUnixUTC, 0).UTC())
	}
	if len(filter.Kinds) > 0 {
		query = query.Where("kind IN ?", entryKindStrings(filter.Kinds))
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", entryStatusStrings(filter.Statuses))
	}
	var rows []LedgerEntry
	err := query.
		Order("created_at DESC, entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

// ListExpiredPending returns PENDING entries whose expiry passed, oldest first.
func (store *Store) ListExpiredPending(ctx context.Context, nowUnixUTC int64, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("status = ?", ledger.StatusPending.String()).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Unix(nowUnixUTC, 0).UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(account Account) (ledger.AccountSnapshot, error) {
	snapshot := ledger.AccountSnapshot{
		AccountID:       account.AccountID,
		DriverID:        account.DriverID,
		BalanceCents:    account.BalanceCents,
		ReservedCents:   account.ReservedCents,
		RechargeEnabled: account.RechargeEnabled,
		AutoRecharge: ledger.AutoRechargeConfig{
			Enabled:        account.AutoRechargeEnabled,
			ThresholdCents: account.AutoRechargeThresholdCents,
			AmountCents:    account.AutoRechargeAmountCents,
			Method:         ledger.PaymentMethod(account.AutoRechargeMethod),
		},
		Windows: ledger.LimitWindows{
			DailyWithdrawnCents:       account.DailyWithdrawnCents,
			MonthlyWithdrawnCents:     account.MonthlyWithdrawnCents,
			DailyWindowStartUnixUTC:   account.DailyWindowStartUnixUTC,
			MonthlyWindowStartUnixUTC: account.MonthlyWindowStartUnixUTC,
		},
		LastWithdrawalUnixUTC: account.LastWithdrawalUnixUTC,
	}
	if account.DestinationMSISDN != "" {
		operator, err := ledger.ParsePaymentMethod(account.DestinationOperator)
		if err != nil {
			return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		snapshot.Destination = &ledger.WithdrawalDestination{
			MSISDN:     account.DestinationMSISDN,
			Operator:   operator,
			HolderName: account.DestinationHolderName,
		}
	}
	return snapshot, nil
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry := ledger.Entry{
		EntryID:           row.EntryID,
		AccountID:         row.AccountID,
		Kind:              kind,
		Status:            status,
		AmountCents:       row.AmountCents,
		FeeCents:          row.FeeCents,
		Direction:         ledger.AdjustmentDirection(row.Direction),
		RideID:            row.RideID,
		RideReservationID: row.RideReservationID,
		Method:            row.Method,
		ExpiresAtUnixUTC:  timeOrZero(row.ExpiresAt),
		MetadataJSON:      string(row.Metadata),
		ResolutionReason:  row.ResolutionReason,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
		ResolvedUnixUTC:   timeOrZero(row.ResolvedAt),
	}
	if row.ExternalReference != nil {
		entry.ExternalReference = *row.ExternalReference
	}
	return entry, nil
}

func entryKindStrings(kinds []ledger.EntryKind) []string {
	values := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		values = append(values, kind.String())
	}
	return values
}

func entryStatusStrings(statuses []ledger.EntryStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, status.String())
	}
	return values
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
