package notification

// Status is the delivery state of a single DeliveryEntry.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusRead         Status = "read"
	StatusFailed       Status = "failed"
	StatusTokenInvalid Status = "token_invalid"
)

var transitions = map[Status][]Status{
	StatusQueued:    {StatusSent, StatusFailed, StatusTokenInvalid},
	StatusSent:      {StatusDelivered, StatusRead, StatusFailed, StatusTokenInvalid},
	StatusDelivered: {StatusRead, StatusFailed, StatusTokenInvalid},
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRead, StatusFailed, StatusTokenInvalid:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusTokenInvalid:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the delivery state machine.
// Self-transitions are never allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EventType names an outbound webhook event.
type EventType string

const (
	EventNotificationSent      EventType = "notification.sent"
	EventNotificationDelivered EventType = "notification.delivered"
	EventNotificationRead      EventType = "notification.read"
	EventNotificationFailed    EventType = "notification.failed"
	EventDeviceRegistered      EventType = "device.registered"
	EventDeviceDeactivated     EventType = "device.deactivated"
)

// EventTypes lists every event a webhook endpoint may subscribe to.
var EventTypes = []EventType{
	EventNotificationSent,
	EventNotificationDelivered,
	EventNotificationRead,
	EventNotificationFailed,
	EventDeviceRegistered,
	EventDeviceDeactivated,
}

func (e EventType) Valid() bool {
	for _, t := range EventTypes {
		if t == e {
			return true
		}
	}
	return false
}

// EventsFor returns the webhook events emitted when an entry enters status s.
func EventsFor(s Status) []EventType {
	switch s {
	case StatusSent:
		return []EventType{EventNotificationSent}
	case StatusDelivered:
		return []EventType{EventNotificationDelivered}
	case StatusRead:
		return []EventType{EventNotificationRead}
	case StatusFailed:
		return []EventType{EventNotificationFailed}
	case StatusTokenInvalid:
		return []EventType{EventNotificationFailed, EventDeviceDeactivated}
	}
	return nil
}
