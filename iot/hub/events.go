// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package hub

// State is the state of the hub connection
type State int32

// Connection states. FatalError is terminal.
const (
	Uninitialized State = iota
	DpsRunning
	Initialized
	Connecting
	Connected
	Disconnected
	FatalError
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case DpsRunning:
		return "DpsRunning"
	case Initialized:
		return "Initialized"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case FatalError:
		return "FatalError"
	}
	return "Unknown"
}

// EventKind is the kind of an event of the hub client
type EventKind int

// Hub client events
const (
	EventConnecting EventKind = iota
	EventConnected
	EventConnectionFailed
	EventDisconnected
	EventReady
	EventDataReceived
	EventTwinReceived
	EventTwinDesiredReceived
	EventDirectMethod
	EventTwinResultSuccess
	EventTwinResultFail
	EventPubAck
	EventFotaStart
	EventFotaDone
	EventFotaErasePending
	EventFotaEraseDone
	EventFotaError
	EventError
)

var eventNames = map[EventKind]string{
	EventConnecting:          "Connecting",
	EventConnected:           "Connected",
	EventConnectionFailed:    "ConnectionFailed",
	EventDisconnected:        "Disconnected",
	EventReady:               "Ready",
	EventDataReceived:        "DataReceived",
	EventTwinReceived:        "TwinReceived",
	EventTwinDesiredReceived: "TwinDesiredReceived",
	EventDirectMethod:        "DirectMethod",
	EventTwinResultSuccess:   "TwinResultSuccess",
	EventTwinResultFail:      "TwinResultFail",
	EventPubAck:              "PubAck",
	EventFotaStart:           "FotaStart",
	EventFotaDone:            "FotaDone",
	EventFotaErasePending:    "FotaErasePending",
	EventFotaEraseDone:       "FotaEraseDone",
	EventFotaError:           "FotaError",
	EventError:               "Error",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Method is a direct method invocation
type Method struct {
	RequestID string
	Name      string
	Payload   []byte
}

// Event is an event of the hub client
type Event struct {
	Kind EventKind
	// Payload is set for data and twin events
	Payload []byte
	// Method is set for EventDirectMethod
	Method *Method
	// RequestID and Status are set for twin results
	RequestID string
	Status    int
	// Err is set for failures
	Err error
}

// Notification is sent to the orchestration
type Notification int

// Notifications
const (
	HubConnected Notification = iota
	HubDisconnected
)

func (n Notification) String() string {
	if n == HubConnected {
		return "HubConnected"
	}
	return "HubDisconnected"
}
