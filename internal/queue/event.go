// Package queue defines message payloads exchanged over the message broker.
package queue

// BookingConfirmedEvent is published when a booking's payment settles and the
// booking flips to CONFIRMED. It contains enough information for downstream
// consumers to log, notify, or trigger analytics without querying the primary
// database.
type BookingConfirmedEvent struct {
	BookingID        uint64   `json:"booking_id"`
	ConfirmationCode string   `json:"confirmation_code"`
	PassengerID      string   `json:"passenger_id"`
	PassengerName    string   `json:"passenger_name"`
	PassengerPhone   string   `json:"passenger_phone"`
	TripID           uint64   `json:"trip_id"`
	Route            string   `json:"route"`
	DepartsAt        string   `json:"departs_at"`
	SeatLabels       []string `json:"seats"`
	TotalAmountCents uint32   `json:"total_amount_cents"`
	GatewayKind      string   `json:"gateway"`
	GatewayTxnID     string   `json:"gateway_txn_id"`
	ConfirmedAt      string   `json:"confirmed_at"`
}

// BookingCancelledEvent is published when a booking is cancelled, whether
// by payment failure, payment timeout, the expiry sweep or the passenger.
type BookingCancelledEvent struct {
	BookingID      uint64   `json:"booking_id"`
	PassengerID    string   `json:"passenger_id"`
	PassengerPhone string   `json:"passenger_phone"`
	TripID         uint64   `json:"trip_id"`
	Route          string   `json:"route"`
	SeatLabels     []string `json:"seats"`
	Reason         string   `json:"reason"`
	CancelledAt    string   `json:"cancelled_at"`
}
