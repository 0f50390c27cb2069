package events

import (
	"encoding/json"
	"time"
)

const (
	EventUserAdmitted      = "UserAdmitted"
	EventPurchaseConfirmed = "PurchaseConfirmed"
	EventSaleStatusChanged = "SaleStatusChanged"
	EventQueueCleared      = "QueueCleared"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually sale_id
	Payload       json.RawMessage `json:"payload"`
}

type UserAdmittedPayload struct {
	SaleID  string   `json:"sale_id"`
	UserIDs []string `json:"user_ids"`
}

type PurchaseConfirmedPayload struct {
	SaleID string `json:"sale_id"`
	UserID string `json:"user_id"`
}

type SaleStatusChangedPayload struct {
	SaleID   string `json:"sale_id"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

type QueueClearedPayload struct {
	SaleID  string `json:"sale_id"`
	Removed int    `json:"removed"`
}
