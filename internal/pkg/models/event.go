package models

import "encoding/json"

// ChangeEvent is the envelope the ERP publishes for every row change.
type ChangeEvent struct {
	Operation string          `json:"operation" validate:"required,oneof=insert update delete"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

// Delivery is one message taken off the bus, independent of the transport.
type Delivery struct {
	EntityKind string
	RoutingKey string
	Body       []byte
}
