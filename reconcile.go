package iothub

import (
	"fmt"
	"iter"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// AckStatus is the status reported back to the hub for a desired property.
type AckStatus string

const (
	AckCompleted AckStatus = "completed"
	AckFailed    AckStatus = "failed"
	AckPending   AckStatus = "pending"
)

const unsupportedPropertyMessage = "Setting not supported on this device"

// PropertyAck acknowledges one desired property. Each ack is sent as its own
// reported-state document so that failing to acknowledge one property never
// holds up the others.
type PropertyAck struct {
	PropertyName   string
	Value          string
	StatusCode     int
	Status         AckStatus
	DesiredVersion int64
	Message        string
}

type propertyAckBody struct {
	Value          string    `json:"value"`
	StatusCode     int       `json:"statusCode"`
	Status         AckStatus `json:"status"`
	DesiredVersion int64     `json:"desiredVersion"`
	Message        string    `json:"message,omitempty"`
}

// Document encodes the ack as a reported-state document:
//
//	{"<name>":{"value":"<v>","statusCode":200,"status":"completed","desiredVersion":5}}
//
// The message field is written only if withMessage is true and the ack has one.
func (a PropertyAck) Document(withMessage bool) ([]byte, error) {
	body := propertyAckBody{
		Value:          a.Value,
		StatusCode:     a.StatusCode,
		Status:         a.Status,
		DesiredVersion: a.DesiredVersion,
	}
	if withMessage {
		body.Message = a.Message
	}
	return json.Marshal(map[string]propertyAckBody{a.PropertyName: body})
}

// Reconciler applies desired property updates using the handlers of a PropertyRegistry
// and sends one acknowledgment per update.
type Reconciler struct {
	// IncludeMessages adds the optional "message" field to acks that carry one.
	IncludeMessages bool

	properties *PropertyRegistry
	send       func(doc []byte) error
	log        logrus.FieldLogger
}

// NewReconciler returns a Reconciler that sends acks with send, typically a transport's reported-state primitive.
func NewReconciler(properties *PropertyRegistry, send func(doc []byte) error, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{
		properties: properties,
		send:       send,
		log:        log,
	}
}

// Reconcile acknowledges every update in order. Each ack is sent before the next
// handler runs. A failed send is logged and not retried. It returns the number of
// acks that were sent successfully.
func (r *Reconciler) Reconcile(updates iter.Seq[TwinUpdate]) int {
	sent := 0
	for u := range updates {
		ack := r.Acknowledge(u)
		if err := r.Send(ack); err != nil {
			r.log.WithError(err).WithField("property", ack.PropertyName).Error("Failed to acknowledge desired property")
			continue
		}
		sent++
	}
	return sent
}

// Acknowledge runs the handler registered for u and builds its ack without sending it.
func (r *Reconciler) Acknowledge(u TwinUpdate) PropertyAck {
	ack := PropertyAck{
		PropertyName:   u.PropertyName,
		Value:          u.RawValue,
		DesiredVersion: u.Version,
	}

	plog := r.log.WithFields(logrus.Fields{"property": u.PropertyName, "value": u.RawValue})

	h, ok := r.properties.Lookup(u.PropertyName)
	if !ok {
		plog.Warn("Unregistered desired property received")
		ack.StatusCode = http.StatusNotImplemented
		ack.Status = AckFailed
		ack.Message = unsupportedPropertyMessage
		return ack
	}

	plog.Trace("Registered desired property received")
	accepted, err := callProperty(h, u.PropertyName, u.RawValue)
	switch {
	case err != nil:
		plog.WithError(err).Error("Desired property handler panicked")
		ack.StatusCode = http.StatusInternalServerError
		ack.Status = AckFailed
		ack.Message = err.Error()
	case accepted:
		ack.StatusCode = http.StatusOK
		ack.Status = AckCompleted
	default:
		ack.StatusCode = http.StatusPartialContent
		ack.Status = AckFailed
	}
	return ack
}

// Send encodes ack and hands it to the transport.
func (r *Reconciler) Send(ack PropertyAck) error {
	doc, err := ack.Document(r.IncludeMessages)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	r.log.WithField("document", string(doc)).Trace("Sending property acknowledgment")
	return r.send(doc)
}

func callProperty(h PropertyHandler, name, value string) (accepted bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("iothub: property handler for %q panicked: %v", name, p)
		}
	}()
	return h(name, value), nil
}
