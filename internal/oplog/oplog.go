// Package oplog adapts the settlement engine's operation callbacks to zap.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranga-mobility/driverledger/pkg/ledger"
)

// ZapLogger emits one structured log line per ledger operation.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps a zap logger. A nil logger degrades to zap.NewNop.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.DriverID != "" {
		fields = append(fields, zap.String("driver_id", entry.DriverID))
	}
	if entry.AccountID != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID))
	}
	if entry.EntryID != "" {
		fields = append(fields, zap.String("entry_id", entry.EntryID))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	zapLogger.logger.Info("ledger operation", fields...)
}
