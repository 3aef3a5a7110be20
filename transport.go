package iothub

import "context"

// Transport carries messages between a Connection and the hub.
//
// Open hands the transport the sink that inbound events are delivered to. A
// transport must deliver events only from within Pump, on the goroutine calling
// Pump. Sends must not queue: if a message cannot be handed to the network now,
// the send fails.
type Transport interface {
	Open(ctx context.Context, sink EventSink) error
	SendReportedState(doc []byte) error
	SendEvent(payload []byte) error
	Pump()
	Close() error
}

// EventSink receives inbound events from a Transport. Connection implements it.
type EventSink interface {
	DeliverTwinUpdate(state TwinUpdateState, doc []byte)
	DeliverMethodCall(name string, payload []byte) MethodResponse
	DeliverConnectionStatus(status ConnectionStatus, reason ConnectionStatusReason)
}

// TwinUpdateState tells whether a twin document is the full twin or a patch of desired properties.
type TwinUpdateState int

const (
	TwinComplete TwinUpdateState = iota
	TwinPartial
)

func (s TwinUpdateState) String() string {
	switch s {
	case TwinComplete:
		return "complete"
	case TwinPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// ConnectionStatus is the authentication state of the link to the hub.
type ConnectionStatus int

const (
	Unauthenticated ConnectionStatus = iota
	Authenticated
)

func (s ConnectionStatus) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// ConnectionStatusReason explains the latest ConnectionStatus.
type ConnectionStatusReason int

const (
	ReasonOK ConnectionStatusReason = iota
	ReasonExpiredToken
	ReasonBadCredential
	ReasonNoNetwork
	ReasonCommunicationError
	ReasonClosed
)

func (r ConnectionStatusReason) String() string {
	switch r {
	case ReasonOK:
		return "ok"
	case ReasonExpiredToken:
		return "expired_token"
	case ReasonBadCredential:
		return "bad_credential"
	case ReasonNoNetwork:
		return "no_network"
	case ReasonCommunicationError:
		return "communication_error"
	case ReasonClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionStatusHandler is told about every change of connection status.
type ConnectionStatusHandler func(status ConnectionStatus, reason ConnectionStatusReason)
