package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ParseError reports a payload that cannot be turned into an Event.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "parse event"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type wireEvent struct {
	Type        EventType         `json:"type"`
	Version     string            `json:"version"`
	ID          string            `json:"id,omitempty"`
	OccurredAt  string            `json:"occurredAt"`
	SellerID    string            `json:"sellerId"`
	Product     *Product          `json:"product,omitempty"`
	Changes     map[string]Change `json:"changes,omitempty"`
	ProductID   string            `json:"productId,omitempty"`
	ProductName string            `json:"productName,omitempty"`
	Quantity    *int              `json:"quantity,omitempty"`
	Threshold   *int              `json:"threshold,omitempty"`
}

func Encode(ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, errors.New("encode event: nil payload")
	}
	if ev.Type == "" {
		ev.Type = ev.Payload.EventType()
	}
	if ev.Type != ev.Payload.EventType() {
		return nil, fmt.Errorf("encode event: type %s does not match payload %s", ev.Type, ev.Payload.EventType())
	}
	w := wireEvent{
		Type:       ev.Type,
		Version:    ev.Version,
		ID:         ev.ID,
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		SellerID:   ev.SellerID,
	}
	if w.Version == "" {
		w.Version = SchemaVersion
	}
	switch p := ev.Payload.(type) {
	case ProductCreated:
		w.Product = &p.Product
	case ProductUpdated:
		w.Product = &p.Product
		w.Changes = p.Changes
	case ProductDeleted:
		w.ProductID = p.ProductID
	case LowStockWarning:
		w.ProductID = p.ProductID
		w.ProductName = p.ProductName
		w.Quantity = &p.Quantity
		w.Threshold = &p.Threshold
	}
	return json.Marshal(w)
}

// Decode parses a wire payload. Every failure is a *ParseError.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, &ParseError{Reason: "malformed json", Err: err}
	}
	if !w.Type.Valid() {
		return Event{}, &ParseError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", w.Type)}
	}
	if strings.TrimSpace(w.SellerID) == "" {
		return Event{}, &ParseError{Field: "sellerId", Reason: "required"}
	}
	ev := Event{ID: w.ID, Type: w.Type, Version: w.Version, SellerID: w.SellerID}
	if ev.Version == "" {
		ev.Version = SchemaVersion
	}
	if w.OccurredAt == "" {
		return Event{}, &ParseError{Field: "occurredAt", Reason: "required"}
	}
	at, err := time.Parse(time.RFC3339Nano, w.OccurredAt)
	if err != nil {
		return Event{}, &ParseError{Field: "occurredAt", Reason: "invalid timestamp", Err: err}
	}
	ev.OccurredAt = at.UTC()

	switch w.Type {
	case ProductCreatedType, ProductUpdatedType:
		if w.Product == nil {
			return Event{}, &ParseError{Field: "product", Reason: "required"}
		}
		if w.Type == ProductCreatedType {
			ev.Payload = ProductCreated{Product: *w.Product}
		} else {
			ev.Payload = ProductUpdated{Product: *w.Product, Changes: w.Changes}
		}
	case ProductDeletedType:
		ev.Payload = ProductDeleted{ProductID: w.ProductID}
	case LowStockWarningType:
		if w.Quantity == nil {
			return Event{}, &ParseError{Field: "quantity", Reason: "required"}
		}
		if w.Threshold == nil {
			return Event{}, &ParseError{Field: "threshold", Reason: "required"}
		}
		ev.Payload = LowStockWarning{ProductID: w.ProductID, ProductName: w.ProductName, Quantity: *w.Quantity, Threshold: *w.Threshold}
	}
	if err := Validate(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the rules Decode applies, for events built in code. Every
// failure is a *ParseError.
func Validate(ev Event) error {
	if !ev.Type.Valid() {
		return &ParseError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	if ev.Payload == nil {
		return &ParseError{Field: "payload", Reason: "required"}
	}
	if ev.Payload.EventType() != ev.Type {
		return &ParseError{Field: "type", Reason: fmt.Sprintf("payload is %s", ev.Payload.EventType())}
	}
	if strings.TrimSpace(ev.SellerID) == "" {
		return &ParseError{Field: "sellerId", Reason: "required"}
	}
	var productID string
	switch p := ev.Payload.(type) {
	case ProductCreated:
		return validateProduct(p.Product)
	case ProductUpdated:
		return validateProduct(p.Product)
	case ProductDeleted:
		productID = p.ProductID
	case LowStockWarning:
		productID = p.ProductID
	}
	if strings.TrimSpace(productID) == "" {
		return &ParseError{Field: "productId", Reason: "required"}
	}
	return nil
}

func validateProduct(p Product) error {
	if err := validate.Struct(p); err != nil {
		return &ParseError{Field: "product", Reason: "invalid", Err: err}
	}
	return nil
}
