// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	// Pipeline lifecycle
	PhaseStarted   EventType = "PHASE_STARTED"
	PhaseCompleted EventType = "PHASE_COMPLETED"
	PhaseFailed    EventType = "PHASE_FAILED"

	// Payment gate
	QuoteIssued     EventType = "QUOTE_ISSUED"
	PromoRedeemed   EventType = "PROMO_REDEEMED"
	PaymentVerified EventType = "PAYMENT_VERIFIED"

	// Downstream dispatch
	AllocationForwarded EventType = "ALLOCATION_FORWARDED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)
