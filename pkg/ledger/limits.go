package ledger

import "time"

// LimitConfig sets the rolling withdrawal ceilings. A ceiling of zero or less
// disables that window.
type LimitConfig struct {
	DailyCents   int64
	MonthlyCents int64
}

// LimitWindows tracks cumulative withdrawals per rolling calendar window. A
// window resets when the current time has crossed into a new calendar day or
// month relative to its own start, not at a fixed clock.
type LimitWindows struct {
	DailyWithdrawnCents       int64
	MonthlyWithdrawnCents     int64
	DailyWindowStartUnixUTC   int64
	MonthlyWindowStartUnixUTC int64
}

// Authorization reports whether a withdrawal fits the configured ceilings and
// the remaining headroom per window. A negative remaining value means the
// window has no ceiling configured.
type Authorization struct {
	Allowed               bool
	DailyRemainingCents   int64
	MonthlyRemainingCents int64
}

// Rolled resets any window whose calendar boundary has passed since its start
// and anchors fresh windows at the current boundary.
func (windows LimitWindows) Rolled(nowUnixUTC int64) LimitWindows {
	now := time.Unix(nowUnixUTC, 0).UTC()
	next := windows
	if windows.DailyWindowStartUnixUTC == 0 || !sameCalendarDay(time.Unix(windows.DailyWindowStartUnixUTC, 0).UTC(), now) {
		next.DailyWithdrawnCents = 0
		next.DailyWindowStartUnixUTC = startOfDayUnix(now)
	}
	if windows.MonthlyWindowStartUnixUTC == 0 || !sameCalendarMonth(time.Unix(windows.MonthlyWindowStartUnixUTC, 0).UTC(), now) {
		next.MonthlyWithdrawnCents = 0
		next.MonthlyWindowStartUnixUTC = startOfMonthUnix(now)
	}
	return next
}

// WithCharge adds a tentative withdrawal to both counters. The caller must
// have rolled the windows first.
func (windows LimitWindows) WithCharge(amountCents int64) LimitWindows {
	next := windows
	next.DailyWithdrawnCents += amountCents
	next.MonthlyWithdrawnCents += amountCents
	return next
}

// RolledBack removes a tentative charge from every window it was counted in.
// A charge taken before the current window start already fell out of the
// counter when the window rolled, so it is not subtracted again.
func (windows LimitWindows) RolledBack(amountCents int64, chargedAtUnixUTC int64) LimitWindows {
	next := windows
	if windows.DailyWindowStartUnixUTC != 0 && chargedAtUnixUTC >= windows.DailyWindowStartUnixUTC {
		next.DailyWithdrawnCents -= amountCents
		if next.DailyWithdrawnCents < 0 {
			next.DailyWithdrawnCents = 0
		}
	}
	if windows.MonthlyWindowStartUnixUTC != 0 && chargedAtUnixUTC >= windows.MonthlyWindowStartUnixUTC {
		next.MonthlyWithdrawnCents -= amountCents
		if next.MonthlyWithdrawnCents < 0 {
			next.MonthlyWithdrawnCents = 0
		}
	}
	return next
}

// Authorize reports whether amountCents fits under both ceilings given the
// rolled windows. Rejections never alter the counters.
func (config LimitConfig) Authorize(windows LimitWindows, amountCents int64) Authorization {
	authorization := Authorization{
		Allowed:               true,
		DailyRemainingCents:   -1,
		MonthlyRemainingCents: -1,
	}
	if config.DailyCents > 0 {
		remaining := config.DailyCents - windows.DailyWithdrawnCents
		if remaining < 0 {
			remaining = 0
		}
		authorization.DailyRemainingCents = remaining
		if amountCents > remaining {
			authorization.Allowed = false
		}
	}
	if config.MonthlyCents > 0 {
		remaining := config.MonthlyCents - windows.MonthlyWithdrawnCents
		if remaining < 0 {
			remaining = 0
		}
		authorization.MonthlyRemainingCents = remaining
		if amountCents > remaining {
			authorization.Allowed = false
		}
	}
	return authorization
}

func sameCalendarDay(a time.Time, b time.Time) bool {
	aYear, aMonth, aDay := a.Date()
	bYear, bMonth, bDay := b.Date()
	return aYear == bYear && aMonth == bMonth && aDay == bDay
}

func sameCalendarMonth(a time.Time, b time.Time) bool {
	aYear, aMonth, _ := a.Date()
	bYear, bMonth, _ := b.Date()
	return aYear == bYear && aMonth == bMonth
}

func startOfDayUnix(now time.Time) int64 {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Unix()
}

func startOfMonthUnix(now time.Time) int64 {
	year, month, _ := now.Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Unix()
}
