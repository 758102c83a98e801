package ledger

import "context"

// SettlementEvent is emitted after a balance-affecting operation committed.
type SettlementEvent struct {
	AccountID         string      `json:"account_id"`
	DriverID          string      `json:"driver_id"`
	EntryID           string      `json:"entry_id"`
	Kind              EntryKind   `json:"kind"`
	Status            EntryStatus `json:"status"`
	AmountCents       int64       `json:"amount_cents"`
	FeeCents          int64       `json:"fee_cents"`
	RideID            string      `json:"ride_id,omitempty"`
	RideReservationID string      `json:"ride_reservation_id,omitempty"`
	ExternalReference string      `json:"external_reference,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	OccurredUnixUTC   int64       `json:"occurred_unix_utc"`
}

// EventPublisher receives settlement events after commit. Implementations own
// their delivery guarantees and must not block settlement on broker failures.
type EventPublisher interface {
	PublishSettlement(ctx context.Context, event SettlementEvent)
}

// WithEventPublisher wires a publisher that receives every committed settlement.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}
