// Package model defines the status vocabulary shared across the
// service: booking and payment lifecycles, trip states and the
// payment rails. Row shapes live with the repositories that scan
// them; this package carries only the words their status columns
// hold, matching the ENUM definitions in migrations/schema.sql.
package model

// Booking status values. CONFIRMED and CANCELLED are terminal: once a
// booking reaches either, no further status transition is permitted.
const (
	BookingPending   = "PENDING"
	BookingConfirmed = "CONFIRMED"
	BookingCancelled = "CANCELLED"
)

// Payment status values tracked on bookings and payment attempts
// independently of the booking status. COMPLETED and FAILED are
// terminal.
const (
	PaymentPending    = "PENDING"
	PaymentProcessing = "PROCESSING"
	PaymentCompleted  = "COMPLETED"
	PaymentFailed     = "FAILED"
)

// Trip status values. Only SCHEDULED trips accept bookings.
const (
	TripScheduled = "SCHEDULED"
	TripDeparted  = "DEPARTED"
	TripCancelled = "CANCELLED"
)

// Gateway kinds. Each payment attempt is created against exactly one
// payment rail.
const (
	GatewayCard        = "CARD"
	GatewayMobileMoney = "MOBILE_MONEY"
)
