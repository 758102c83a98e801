package ledger

// RechargeSignal asks the caller to start a gateway top-up on the driver's
// configured method.
type RechargeSignal struct {
	AmountCents int64
	Method      PaymentMethod
}

// ShouldTriggerRecharge reports whether the available balance fell to the
// auto-recharge threshold. It is a pure read over the snapshot; the caller
// owns gateway initiation.
func ShouldTriggerRecharge(snapshot AccountSnapshot) (RechargeSignal, bool) {
	config := snapshot.AutoRecharge
	if !config.Enabled || config.AmountCents <= 0 {
		return RechargeSignal{}, false
	}
	if snapshot.AvailableCents() > config.ThresholdCents {
		return RechargeSignal{}, false
	}
	return RechargeSignal{AmountCents: config.AmountCents, Method: config.Method}, true
}
