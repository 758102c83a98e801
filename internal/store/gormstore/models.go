package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. It carries the materialized balance
// projection and the driver-editable settings; the ledger_entries table stays
// the source of truth.
type Account struct {
	AccountID                  string `gorm:"type:uuid;primaryKey"`
	DriverID                   string `gorm:"not null;index:uniq_accounts_driver,unique"`
	BalanceCents               int64  `gorm:"not null"`
	ReservedCents              int64  `gorm:"not null"`
	RechargeEnabled            bool   `gorm:"not null"`
	AutoRechargeEnabled        bool   `gorm:"not null"`
	AutoRechargeThresholdCents int64  `gorm:"not null"`
	AutoRechargeAmountCents    int64  `gorm:"not null"`
	AutoRechargeMethod         string `gorm:"not null"`
	DestinationMSISDN          string `gorm:"not null"`
	DestinationOperator        string `gorm:"not null"`
	DestinationHolderName      string `gorm:"not null"`
	DailyWithdrawnCents        int64  `gorm:"not null"`
	MonthlyWithdrawnCents      int64  `gorm:"not null"`
	DailyWindowStartUnixUTC    int64  `gorm:"not null"`
	MonthlyWindowStartUnixUTC  int64  `gorm:"not null"`
	LastWithdrawalUnixUTC      int64  `gorm:"not null"`
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table. ExternalReference is nullable
// so entries without a provider reference never collide on the unique index.
type LedgerEntry struct {
	EntryID           string         `gorm:"type:uuid;primaryKey"`
	AccountID         string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1"`
	Kind              string         `gorm:"not null"`
	Status            string         `gorm:"not null;index:idx_ledger_status_expires,priority:1"`
	AmountCents       int64          `gorm:"not null"`
	FeeCents          int64          `gorm:"not null"`
	Direction         string         `gorm:"not null"`
	ExternalReference *string        `gorm:"index:uniq_ledger_reference,unique"`
	RideID            string         `gorm:"not null"`
	RideReservationID string         `gorm:"not null"`
	Method            string         `gorm:"not null"`
	ExpiresAt         *time.Time     `gorm:"index:idx_ledger_status_expires,priority:2"`
	Metadata          datatypes.JSON `gorm:"not null"`
	ResolutionReason  string         `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
	ResolvedAt        *time.Time     `gorm:""`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
