package ledger

import "time"

const (
	operationDebitCommission    = "debit_commission"
	operationCreditEarnings     = "credit_earnings"
	operationInitiateRecharge   = "initiate_recharge"
	operationConfirmRecharge    = "confirm_recharge"
	operationRequestWithdrawal  = "request_withdrawal"
	operationFinalizeWithdrawal = "finalize_withdrawal"
	operationReleaseWithdrawal  = "release_withdrawal"
	operationAdminAdjust        = "admin_adjust"
	operationPlatformFee        = "platform_fee"
	operationSweepExpired       = "sweep_expired"
	operationUpdateSettings     = "update_settings"

	operationStatusOK     = "ok"
	operationStatusError  = "error"
	operationStatusReplay = "replay"

	referenceDelimiter         = ":"
	referencePrefixRecharge    = "rc"
	referencePrefixCommission  = "commission"
	referencePrefixEarning     = "earning"
	referencePrefixPlatformFee = "platform-fee"
	referencePrefixFeeReversal = "platform-fee-reversal"

	reasonExpired         = "expired"
	reasonProviderFailure = "provider_failure"
	reasonFeeCompensation = "platform fee credit failed"

	defaultPendingListLimit = 50
	defaultHistoryLimit     = 50
	maxHistoryLimit         = 200
	defaultSweepBatchSize   = 100
)

// Default operating parameters; all are overridable through service options.
const (
	DefaultDailyLimitCents   int64 = 1_000_000
	DefaultMonthlyLimitCents int64 = 10_000_000

	DefaultWithdrawalTTL = 30 * time.Minute
	DefaultRechargeTTL   = 24 * time.Hour
	DefaultSweepInterval = time.Minute
)
