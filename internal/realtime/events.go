package realtime

import (
	"encoding/json"
	"time"
)

// Event names on the live channel.
const (
	EventConnected      = "connected"
	EventRegistered     = "registered"
	EventRegister       = "register"
	EventLocationUpdate = "location-update"
	EventLocationAck    = "location-ack"
)

// NotificationKind is one of the push events that invalidate the
// notification list.
type NotificationKind string

const (
	DeliveryApproved      NotificationKind = "delivery-approved-for-driver"
	DeliveryNeedsApproval NotificationKind = "delivery-needs-approval"
	DeliveryCompleted     NotificationKind = "delivery-completed"
	DeliveryRejected      NotificationKind = "delivery-rejected"
	PaymentReceived       NotificationKind = "payment-received"
	OrderStatusChanged    NotificationKind = "order-status-changed"
)

var notificationKinds = map[string]NotificationKind{
	string(DeliveryApproved):      DeliveryApproved,
	string(DeliveryNeedsApproval): DeliveryNeedsApproval,
	string(DeliveryCompleted):     DeliveryCompleted,
	string(DeliveryRejected):      DeliveryRejected,
	string(PaymentReceived):       PaymentReceived,
	string(OrderStatusChanged):    OrderStatusChanged,
}

// Envelope is a frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an inbound server event. The concrete type is one of Handshake,
// NotificationTrigger, LocationAck or Unrecognized.
type Event interface {
	Name() string
	isEvent()
}

// Handshake is a "connected" or "registered" confirmation.
type Handshake struct {
	Event    string
	DriverID string
}

// NotificationTrigger is a push event that invalidates the notification list.
type NotificationTrigger struct {
	Kind NotificationKind
	Data json.RawMessage
}

// LocationAck acknowledges a location update.
type LocationAck struct {
	At time.Time
}

// Unrecognized is any other event, kept for logging.
type Unrecognized struct {
	Event string
	Data  json.RawMessage
}

func (e Handshake) Name() string           { return e.Event }
func (e NotificationTrigger) Name() string { return string(e.Kind) }
func (e LocationAck) Name() string         { return EventLocationAck }
func (e Unrecognized) Name() string        { return e.Event }

func (Handshake) isEvent()           {}
func (NotificationTrigger) isEvent() {}
func (LocationAck) isEvent()         {}
func (Unrecognized) isEvent()        {}

// Decode maps a frame to its typed event.
func Decode(env Envelope) Event {
	switch env.Event {
	case EventConnected, EventRegistered:
		var body struct {
			DriverID string `json:"driverId"`
		}
		json.Unmarshal(env.Data, &body)
		return Handshake{Event: env.Event, DriverID: body.DriverID}
	case EventLocationAck:
		var body struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil || body.Timestamp.IsZero() {
			body.Timestamp = time.Now().UTC()
		}
		return LocationAck{At: body.Timestamp}
	}
	if kind, ok := notificationKinds[env.Event]; ok {
		return NotificationTrigger{Kind: kind, Data: env.Data}
	}
	return Unrecognized{Event: env.Event, Data: env.Data}
}
