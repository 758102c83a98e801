package ledger

import (
	"context"
	"time"
)

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// Sweeper periodically releases expired pending entries. It runs independently
// of request handling and stops when its context is cancelled.
type Sweeper struct {
	service   *Service
	interval  time.Duration
	batchSize int
}

// NewSweeper wires a Sweeper over the service.
func NewSweeper(service *Service, options ...SweeperOption) (*Sweeper, error) {
	if service == nil {
		return nil, ErrInvalidServiceConfig
	}
	sweeper := &Sweeper{
		service:   service,
		interval:  DefaultSweepInterval,
		batchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	if sweeper.interval <= 0 || sweeper.batchSize <= 0 {
		return nil, ErrInvalidServiceConfig
	}
	return sweeper, nil
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.interval = interval
	}
}

// WithSweepBatchSize caps how many expired entries one pass resolves.
func WithSweepBatchSize(batchSize int) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.batchSize = batchSize
	}
}

// Run blocks, sweeping on each tick until ctx is cancelled. Sweep failures are
// reported through the service's operation logger and never stop the loop.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.service.SweepExpired(ctx, sweeper.batchSize); err != nil {
				sweeper.service.logOperation(ctx, OperationLog{
					Operation: operationSweepExpired,
					Error:     err,
				})
			}
		}
	}
}
