package ledger

import "fmt"

// AccountSnapshot is the materialized per-account aggregate derived from the
// entry log. The entry log is the source of truth; the snapshot is the cached
// projection persisted alongside each appended entry.
type AccountSnapshot struct {
	AccountID             string
	DriverID              string
	BalanceCents          int64
	ReservedCents         int64
	RechargeEnabled       bool
	AutoRecharge          AutoRechargeConfig
	Destination           *WithdrawalDestination
	Windows               LimitWindows
	LastWithdrawalUnixUTC int64
}

// AvailableCents is the spendable amount right now: balance minus reserved.
func (snapshot AccountSnapshot) AvailableCents() int64 {
	return snapshot.BalanceCents - snapshot.ReservedCents
}

// Projection extracts the mutable aggregate fields.
func (snapshot AccountSnapshot) Projection() AccountProjection {
	return AccountProjection{
		BalanceCents:          snapshot.BalanceCents,
		ReservedCents:         snapshot.ReservedCents,
		Windows:               snapshot.Windows,
		LastWithdrawalUnixUTC: snapshot.LastWithdrawalUnixUTC,
	}
}

func (snapshot AccountSnapshot) withProjection(projection AccountProjection) AccountSnapshot {
	snapshot.BalanceCents = projection.BalanceCents
	snapshot.ReservedCents = projection.ReservedCents
	snapshot.Windows = projection.Windows
	snapshot.LastWithdrawalUnixUTC = projection.LastWithdrawalUnixUTC
	return snapshot
}

// AccountProjection carries the aggregate fields written back atomically with
// an appended or resolved ledger entry.
type AccountProjection struct {
	BalanceCents          int64
	ReservedCents         int64
	Windows               LimitWindows
	LastWithdrawalUnixUTC int64
}

func (projection AccountProjection) availableCents() int64 {
	return projection.BalanceCents - projection.ReservedCents
}

// Apply is the single choke point through which balance and reserved change.
// Every mutation is expressed as applying an entry of some kind with a
// positive amount; the invariant guard rejects anything that would leave the
// account in an unreachable state.
func (projection AccountProjection) Apply(kind EntryKind, amount AmountCents, fee AmountCents) (AccountProjection, error) {
	value := amount.Int64()
	next := projection
	switch kind {
	case KindRecharge:
		next.BalanceCents += value - fee.Int64()
	case KindCommissionDebit:
		if projection.availableCents() < value {
			return AccountProjection{}, ErrInsufficientAvailable
		}
		next.BalanceCents -= value
	case KindEarningCredit:
		next.BalanceCents += value
	case KindWithdrawalReserve:
		if projection.availableCents() < value {
			return AccountProjection{}, ErrInsufficientAvailable
		}
		next.ReservedCents += value
	case KindWithdrawalComplete:
		if projection.ReservedCents < value || projection.BalanceCents < value {
			return AccountProjection{}, fmt.Errorf("%w: completing unreserved withdrawal", ErrInvalidBalance)
		}
		next.BalanceCents -= value
		next.ReservedCents -= value
	case KindWithdrawalRelease:
		if projection.ReservedCents < value {
			return AccountProjection{}, fmt.Errorf("%w: releasing unreserved funds", ErrInvalidBalance)
		}
		next.ReservedCents -= value
	default:
		return AccountProjection{}, fmt.Errorf("%w: %q is not applicable", ErrInvalidEntryKind, kind)
	}
	if err := next.check(); err != nil {
		return AccountProjection{}, err
	}
	return next, nil
}

// ApplyAdjustment applies a signed administrative adjustment through the same
// invariant guard.
func (projection AccountProjection) ApplyAdjustment(direction AdjustmentDirection, amount AmountCents) (AccountProjection, error) {
	value := amount.Int64()
	next := projection
	switch direction {
	case DirectionCredit:
		next.BalanceCents += value
	case DirectionDebit:
		if projection.availableCents() < value {
			return AccountProjection{}, ErrInsufficientAvailable
		}
		next.BalanceCents -= value
	default:
		return AccountProjection{}, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	if err := next.check(); err != nil {
		return AccountProjection{}, err
	}
	return next, nil
}

// check guards the account invariants: balance never negative, reserved
// between zero and balance.
func (projection AccountProjection) check() error {
	if projection.BalanceCents < 0 {
		return fmt.Errorf("%w: negative balance", ErrInsufficientBalance)
	}
	if projection.ReservedCents < 0 {
		return fmt.Errorf("%w: negative reserved", ErrInvalidBalance)
	}
	if projection.ReservedCents > projection.BalanceCents {
		return fmt.Errorf("%w: reserved exceeds balance", ErrInvalidBalance)
	}
	return nil
}
