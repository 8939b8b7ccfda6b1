package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const SchemaVersion = "1"

type EventType string

const (
	ProductCreatedType  EventType = "ProductCreated"
	ProductUpdatedType  EventType = "ProductUpdated"
	ProductDeletedType  EventType = "ProductDeleted"
	LowStockWarningType EventType = "LowStockWarning"
)

// AllEventTypes lists every member of the closed event enumeration in topic order.
func AllEventTypes() []EventType {
	return []EventType{ProductCreatedType, ProductUpdatedType, ProductDeletedType, LowStockWarningType}
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

func (t EventType) Valid() bool {
	switch t {
	case ProductCreatedType, ProductUpdatedType, ProductDeletedType, LowStockWarningType:
		return true
	}
	return false
}

// Topic is the broker topic carrying events of this type.
func (t EventType) Topic() string { return string(t) }

// Critical types are published inside a broker transaction.
func (t EventType) Critical() bool {
	return t == ProductCreatedType || t == ProductDeletedType
}

func (t EventType) String() string { return string(t) }

type Product struct {
	ID          string  `json:"id" validate:"required"`
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price" validate:"gte=0"`
	Quantity    int     `json:"quantity" validate:"gte=0"`
	Category    string  `json:"category" validate:"required"`
}

type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Payload is the type-specific part of an Event. The set of implementations is closed.
type Payload interface {
	EventType() EventType
	sealed()
}

type ProductCreated struct {
	Product Product
}

type ProductUpdated struct {
	Product Product
	Changes map[string]Change
}

type ProductDeleted struct {
	ProductID string
}

type LowStockWarning struct {
	ProductID   string
	ProductName string
	Quantity    int
	Threshold   int
}

func (ProductCreated) EventType() EventType  { return ProductCreatedType }
func (ProductUpdated) EventType() EventType  { return ProductUpdatedType }
func (ProductDeleted) EventType() EventType  { return ProductDeletedType }
func (LowStockWarning) EventType() EventType { return LowStockWarningType }

func (ProductCreated) sealed()  {}
func (ProductUpdated) sealed()  {}
func (ProductDeleted) sealed()  {}
func (LowStockWarning) sealed() {}

type Event struct {
	ID         string
	Type       EventType
	Version    string
	OccurredAt time.Time
	SellerID   string
	Payload    Payload
}

// NewEvent stamps a fresh id, the current schema version and the occurrence time.
func NewEvent(sellerID string, payload Payload) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       payload.EventType(),
		Version:    SchemaVersion,
		OccurredAt: time.Now().UTC(),
		SellerID:   sellerID,
		Payload:    payload,
	}
}

// MessageIdentity is the broker coordinate of one physical message.
type MessageIdentity struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (m MessageIdentity) String() string {
	return m.Topic + "-" + strconv.FormatInt(int64(m.Partition), 10) + "-" + strconv.FormatInt(m.Offset, 10)
}
