package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeDepositConfirmed         = "DEPOSIT_CONFIRMED"
	EventTypeOrderFulfilled           = "ORDER_FULFILLED"
	EventTypeOrderExpired             = "ORDER_EXPIRED"
	EventTypeOrderFailed              = "ORDER_FAILED"
	EventTypePaymentInstructionIssued = "PAYMENT_INSTRUCTION_ISSUED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// DepositConfirmedEvent published when a top-up is credited
type DepositConfirmedEvent struct {
	BaseEvent
	OwnerID    int64  `json:"owner_id"`
	IntentID   int64  `json:"intent_id"`
	Amount     int64  `json:"amount"`
	NewBalance int64  `json:"new_balance"`
	TxID       string `json:"tx_id"`
}

// OrderFulfilledEvent published when a direct order has been paid and delivered
type OrderFulfilledEvent struct {
	BaseEvent
	OwnerID       int64    `json:"owner_id"`
	IntentID      int64    `json:"intent_id"`
	SaleID        int64    `json:"sale_id"`
	ProductID     int64    `json:"product_id"`
	Quantity      int      `json:"quantity"`
	BonusQuantity int      `json:"bonus_quantity"`
	Total         int64    `json:"total"`
	Items         []string `json:"items"`
}

// OrderExpiredEvent published when a pending direct order passes its TTL
type OrderExpiredEvent struct {
	BaseEvent
	OwnerID  int64  `json:"owner_id"`
	IntentID int64  `json:"intent_id"`
	Code     string `json:"code"`
}

// OrderFailedEvent published when money arrived but stock could not be allocated
type OrderFailedEvent struct {
	BaseEvent
	OwnerID  int64  `json:"owner_id"`
	IntentID int64  `json:"intent_id"`
	TxID     string `json:"tx_id"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

// PaymentInstructionIssuedEvent published when transfer instructions are handed out
type PaymentInstructionIssuedEvent struct {
	BaseEvent
	OwnerID  int64      `json:"owner_id"`
	IntentID int64      `json:"intent_id"`
	Kind     IntentKind `json:"kind"`
	Code     string     `json:"code"`
	Amount   int64      `json:"amount"`
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string, at time.Time) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}
