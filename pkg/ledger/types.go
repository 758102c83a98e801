package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is an integer amount in the minor currency unit.
type AmountCents int64

// Int64 returns the raw amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewAmountCents validates an operation amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// NewFeeCents validates a provider fee, which may be zero.
func NewFeeCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidFeeCents)
	}
	return AmountCents(raw), nil
}

// DriverID identifies the driver owning a carpooling account.
type DriverID struct {
	value string
}

// NewDriverID validates and normalizes a driver id.
func NewDriverID(raw string) (DriverID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DriverID{}, fmt.Errorf("%w: empty value", ErrInvalidDriverID)
	}
	return DriverID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id DriverID) String() string {
	return id.value
}

// ReservationID identifies a pending withdrawal reservation. It is the id of
// the reserve entry the reservation is paired with.
type ReservationID struct {
	value string
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// ExternalReference is the provider-facing idempotency key for asynchronous
// confirmations. Providers may redeliver a confirmation any number of times;
// the reference scopes duplicate detection.
type ExternalReference struct {
	value string
}

// NewExternalReference validates and normalizes an external reference.
func NewExternalReference(raw string) (ExternalReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalReference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return ExternalReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference ExternalReference) String() string {
	return reference.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// PaymentMethod names the mobile-money channel used for recharges and payouts.
type PaymentMethod string

const (
	MethodWave        PaymentMethod = "wave"
	MethodOrangeMoney PaymentMethod = "orange_money"
	MethodFreeMoney   PaymentMethod = "free_money"
)

// ParsePaymentMethod validates a raw payment method value.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch PaymentMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case MethodWave:
		return MethodWave, nil
	case MethodOrangeMoney:
		return MethodOrangeMoney, nil
	case MethodFreeMoney:
		return MethodFreeMoney, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
}

// String returns the method value.
func (method PaymentMethod) String() string {
	return string(method)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	KindRecharge           EntryKind = "RECHARGE"
	KindCommissionDebit    EntryKind = "COMMISSION_DEBIT"
	KindEarningCredit      EntryKind = "EARNING_CREDIT"
	KindWithdrawalReserve  EntryKind = "WITHDRAWAL_RESERVE"
	KindWithdrawalComplete EntryKind = "WITHDRAWAL_COMPLETE"
	KindWithdrawalRelease  EntryKind = "WITHDRAWAL_RELEASE"
	KindAdminAdjustment    EntryKind = "ADMIN_ADJUSTMENT"
)

// ParseEntryKind validates a raw entry kind value.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(raw)
	switch kind {
	case KindRecharge, KindCommissionDebit, KindEarningCredit,
		KindWithdrawalReserve, KindWithdrawalComplete, KindWithdrawalRelease,
		KindAdminAdjustment:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// EntryStatus enumerates the entry lifecycle.
type EntryStatus string

const (
	StatusPending  EntryStatus = "PENDING"
	StatusComplete EntryStatus = "COMPLETE"
	StatusFailed   EntryStatus = "FAILED"
)

// ParseEntryStatus validates a raw entry status value.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	status := EntryStatus(raw)
	switch status {
	case StatusPending, StatusComplete, StatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
}

// String returns the status value.
func (status EntryStatus) String() string {
	return string(status)
}

// Outcome is a provider-reported result for an asynchronous operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ParseOutcome validates a raw provider outcome value.
func ParseOutcome(raw string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(raw))) {
	case OutcomeSuccess:
		return OutcomeSuccess, nil
	case OutcomeFailure:
		return OutcomeFailure, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, raw)
}

// AdjustmentDirection signs an administrative adjustment.
type AdjustmentDirection string

const (
	DirectionCredit AdjustmentDirection = "credit"
	DirectionDebit  AdjustmentDirection = "debit"
)

// ParseAdjustmentDirection validates a raw direction value.
func ParseAdjustmentDirection(raw string) (AdjustmentDirection, error) {
	switch AdjustmentDirection(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionCredit:
		return DirectionCredit, nil
	case DirectionDebit:
		return DirectionDebit, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
}

// SettlementRef correlates a settlement entry with the ride system.
type SettlementRef struct {
	RideID        string
	ReservationID string
}

// NewSettlementRef validates the ride-system correlation ids.
func NewSettlementRef(rideID string, reservationID string) (SettlementRef, error) {
	trimmedRide := strings.TrimSpace(rideID)
	if trimmedRide == "" {
		return SettlementRef{}, fmt.Errorf("%w: empty ride id", ErrInvalidReference)
	}
	return SettlementRef{RideID: trimmedRide, ReservationID: strings.TrimSpace(reservationID)}, nil
}

// reference derives the idempotency key guarding a settlement against replays.
func (ref SettlementRef) reference(prefix string) string {
	return prefix + referenceDelimiter + ref.RideID + referenceDelimiter + ref.ReservationID
}

// WithdrawalDestination is the mobile-money account payouts are sent to.
type WithdrawalDestination struct {
	MSISDN     string
	Operator   PaymentMethod
	HolderName string
}

// NewWithdrawalDestination validates a payout destination.
func NewWithdrawalDestination(msisdn string, operator string, holderName string) (WithdrawalDestination, error) {
	trimmed := strings.TrimSpace(msisdn)
	if trimmed == "" {
		return WithdrawalDestination{}, fmt.Errorf("%w: empty msisdn", ErrInvalidDestination)
	}
	method, err := ParsePaymentMethod(operator)
	if err != nil {
		return WithdrawalDestination{}, fmt.Errorf("%w: operator: %v", ErrInvalidDestination, err)
	}
	return WithdrawalDestination{
		MSISDN:     trimmed,
		Operator:   method,
		HolderName: strings.TrimSpace(holderName),
	}, nil
}

// AutoRechargeConfig controls threshold-triggered top-up signaling.
type AutoRechargeConfig struct {
	Enabled        bool
	ThresholdCents int64
	AmountCents    int64
	Method         PaymentMethod
}

// Entry is one immutable line in the account ledger. A PENDING entry resolves
// exactly once; resolution may rewrite Kind, Status, FeeCents,
// ExternalReference, MetadataJSON, ResolutionReason and ResolvedUnixUTC,
// nothing else.
type Entry struct {
	EntryID           string
	AccountID         string
	Kind              EntryKind
	Status            EntryStatus
	AmountCents       int64
	FeeCents          int64
	Direction         AdjustmentDirection
	ExternalReference string
	RideID            string
	RideReservationID string
	Method            string
	ExpiresAtUnixUTC  int64
	MetadataJSON      string
	ResolutionReason  string
	CreatedUnixUTC    int64
	ResolvedUnixUTC   int64
}

// Resolved reports whether the entry reached a terminal status.
func (entry Entry) Resolved() bool {
	return entry.Status != StatusPending
}

// ExpiredAt reports whether the entry carries an expiry in the past.
func (entry Entry) ExpiredAt(nowUnixUTC int64) bool {
	return entry.ExpiresAtUnixUTC != 0 && nowUnixUTC > entry.ExpiresAtUnixUTC
}

// EntryResolution is the only mutation a PENDING entry may receive.
type EntryResolution struct {
	Kind              EntryKind
	Status            EntryStatus
	FeeCents          int64
	ExternalReference string
	MetadataJSON      string
	Reason            string
	ResolvedUnixUTC   int64
}

// AccountSettings carry the driver-editable account configuration. Nil fields
// are left untouched.
type AccountSettings struct {
	RechargeEnabled *bool
	AutoRecharge    *AutoRechargeConfig
	Destination     *WithdrawalDestination
}

// HistoryFilter narrows ListHistory output. Empty slices match everything.
type HistoryFilter struct {
	Kinds    []EntryKind
	Statuses []EntryStatus
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, driverID string) (AccountSnapshot, error)
	// LockAccount creates the account when missing and acquires the per-account
	// row lock serializing every mutation for that account.
	LockAccount(ctx context.Context, driverID string) (AccountSnapshot, error)
	LockAccountByID(ctx context.Context, accountID string) (AccountSnapshot, error)
	UpdateAccountProjection(ctx context.Context, accountID string, projection AccountProjection) error
	UpdateAccountSettings(ctx context.Context, accountID string, settings AccountSettings) error
	InsertEntry(ctx context.Context, entry Entry) error
	GetEntryByReference(ctx context.Context, externalReference string) (Entry, error)
	GetEntryByID(ctx context.Context, entryID string) (Entry, error)
	// ResolveEntry transitions an entry out of `from` exactly once; a lost race
	// surfaces as ErrInvalidTransition.
	ResolveEntry(ctx context.Context, entryID string, from EntryStatus, resolution EntryResolution) error
	ListEntries(ctx context.Context, accountID string, filter HistoryFilter, beforeUnixUTC int64, limit int) ([]Entry, error)
	ListExpiredPending(ctx context.Context, nowUnixUTC int64, limit int) ([]Entry, error)
}
