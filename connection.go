package iothub

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Connection is a device's session with the hub. It owns the property and method
// registries and turns transport events into handler calls.
//
// A Connection is driven from one goroutine: register handlers, call Setup, then
// call Pump regularly. Handlers run inside Pump and block it until they return.
type Connection struct {
	transport Transport

	properties PropertyRegistry
	methods    MethodRegistry
	onStatus   ConnectionStatusHandler

	reconciler *Reconciler
	dispatcher *Dispatcher

	log *logrus.Entry
}

// ConnectionOption customizes a Connection. Options are meant to be passed to NewConnection.
type ConnectionOption func(*Connection)

// WithLogger sets the logger used by the Connection. The default is the logrus standard logger.
func WithLogger(log *logrus.Entry) ConnectionOption {
	return func(c *Connection) {
		c.log = log
	}
}

// WithAckMessages adds the optional "message" field to property acknowledgments,
// e.g. for properties the device does not support.
func WithAckMessages() ConnectionOption {
	return func(c *Connection) {
		c.reconciler.IncludeMessages = true
	}
}

// NewConnection returns a Connection that talks to the hub through t.
func NewConnection(t Transport, options ...ConnectionOption) *Connection {
	c := &Connection{
		transport: t,
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	c.reconciler = NewReconciler(&c.properties, c.sendReportedState, nil)
	c.dispatcher = NewDispatcher(&c.methods, nil)

	for _, option := range options {
		option(c)
	}

	c.log = c.log.WithField("component", "iothub")
	c.reconciler.log = c.log.WithField("engine", "twin")
	c.dispatcher.log = c.log.WithField("engine", "methods")
	return c
}

// Setup opens the transport. An error wraps ErrSetup and means the Connection is unusable.
func (c *Connection) Setup(ctx context.Context) error {
	if c.transport == nil {
		return fmt.Errorf("%w: no transport", ErrSetup)
	}
	if err := c.transport.Open(ctx, c); err != nil {
		c.log.WithError(err).Error("Failed to set up hub connection")
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	c.log.WithFields(logrus.Fields{
		"properties": c.properties.Len(),
		"methods":    c.methods.Len(),
	}).Info("Hub connection set up")
	return nil
}

// Pump lets the transport do pending work, which is when handlers are called.
// It must be called on a regular cadence.
func (c *Connection) Pump() {
	if c.transport == nil {
		return
	}
	c.transport.Pump()
}

// Close closes the transport.
func (c *Connection) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// RegisterProperty sets the handler for a desired property, replacing any previous one.
func (c *Connection) RegisterProperty(name string, h PropertyHandler) {
	if !c.properties.Register(name, h) {
		c.log.WithField("property", name).Warn("Ignoring property registration for a metadata key")
	}
}

// RegisterMethod sets the handler for a direct method, replacing any previous one.
func (c *Connection) RegisterMethod(name string, h MethodHandler) {
	if !c.methods.Register(name, h) {
		c.log.WithField("method", name).Warn("Ignoring method registration for a metadata key")
	}
}

// RegisterConnectionStatus sets the handler for connection status changes.
func (c *Connection) RegisterConnectionStatus(h ConnectionStatusHandler) {
	c.onStatus = h
}

// SendTelemetry sends a JSON document as a telemetry event.
func (c *Connection) SendTelemetry(payload []byte) error {
	if len(payload) == 0 || !json.Valid(payload) {
		c.log.Error("Refusing to send telemetry that is not a JSON document")
		return fmt.Errorf("%w: telemetry must be a JSON document", ErrInvalidPayload)
	}

	if c.transport == nil {
		return ErrNotConnected
	}
	if err := c.transport.SendEvent(payload); err != nil {
		c.log.WithError(err).Error("Failed to send telemetry")
		return sendError(err)
	}

	c.log.WithField("payload", string(payload)).Trace("Telemetry accepted for transmission")
	return nil
}

// SendMeasurement sends {key: value} as telemetry.
func (c *Connection) SendMeasurement(key string, value float64) error {
	return c.sendTelemetryObject(map[string]any{key: value})
}

// SendMeasurements sends all measurements in one telemetry event.
func (c *Connection) SendMeasurements(measurements map[string]float64) error {
	if len(measurements) == 0 {
		return fmt.Errorf("%w: no measurements", ErrInvalidPayload)
	}
	return c.sendTelemetryObject(measurements)
}

// SendMeasurementJSON sends {key: <valueJSON>} as telemetry. valueJSON is embedded as is.
func (c *Connection) SendMeasurementJSON(key string, valueJSON []byte) error {
	if !json.Valid(valueJSON) {
		return fmt.Errorf("%w: measurement %q is not JSON", ErrInvalidPayload, key)
	}
	return c.sendTelemetryObject(map[string]json.RawMessage{key: valueJSON})
}

// SendEvent sends {key: value} as telemetry.
func (c *Connection) SendEvent(key, value string) error {
	return c.sendTelemetryObject(map[string]string{key: value})
}

// SendStateChange sends {key: value} as telemetry.
func (c *Connection) SendStateChange(key, value string) error {
	return c.sendTelemetryObject(map[string]string{key: value})
}

func (c *Connection) sendTelemetryObject(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode telemetry")
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return c.SendTelemetry(payload)
}

// SendReportedProperty reports {key: value}. value may be of any type that encodes to JSON.
func (c *Connection) SendReportedProperty(key string, value any) error {
	doc, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		c.log.WithError(err).WithField("property", key).Error("Failed to encode reported property")
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return c.sendReported(key, doc)
}

// SendReportedPropertyJSON reports {key: <valueJSON>}. valueJSON is embedded as is.
func (c *Connection) SendReportedPropertyJSON(key string, valueJSON []byte) error {
	if !json.Valid(valueJSON) {
		return fmt.Errorf("%w: reported property %q is not JSON", ErrInvalidPayload, key)
	}
	doc, err := json.Marshal(map[string]json.RawMessage{key: valueJSON})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return c.sendReported(key, doc)
}

// SendPropertyAck sends an acknowledgment built outside of reconciliation, for
// instance to complete a property that was first acknowledged as pending.
func (c *Connection) SendPropertyAck(ack PropertyAck) error {
	if err := c.reconciler.Send(ack); err != nil {
		c.log.WithError(err).WithField("property", ack.PropertyName).Error("Failed to send property acknowledgment")
		return sendError(err)
	}
	return nil
}

func (c *Connection) sendReported(key string, doc []byte) error {
	if err := c.sendReportedState(doc); err != nil {
		c.log.WithError(err).WithField("property", key).Error("Failed to send reported property")
		return sendError(err)
	}
	c.log.WithField("property", key).Trace("Reported property accepted for transmission")
	return nil
}

func (c *Connection) sendReportedState(doc []byte) error {
	if c.transport == nil {
		return ErrNotConnected
	}
	return c.transport.SendReportedState(doc)
}

// DeliverTwinUpdate reconciles a twin document against the registered properties.
func (c *Connection) DeliverTwinUpdate(state TwinUpdateState, doc []byte) {
	c.log.WithField("state", state).Trace("Desired properties received")
	sent := c.reconciler.Reconcile(ParseTwinDocument(doc, c.reconciler.log))
	c.log.WithField("acks", sent).Debug("Desired properties reconciled")
}

// DeliverMethodCall runs the registered handler for a direct method.
func (c *Connection) DeliverMethodCall(name string, payload []byte) MethodResponse {
	return c.dispatcher.Dispatch(name, payload)
}

// DeliverConnectionStatus forwards a status change to the registered handler.
func (c *Connection) DeliverConnectionStatus(status ConnectionStatus, reason ConnectionStatusReason) {
	c.log.WithFields(logrus.Fields{"status": status, "reason": reason}).Debug("Connection status received")
	if c.onStatus == nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			c.log.WithField("panic", p).Error("Connection status handler panicked")
		}
	}()
	c.onStatus(status, reason)
}

// sendError wraps a transport error in ErrSendFailed unless it already says why.
func sendError(err error) error {
	if errorsIsAny(err, ErrNotConnected, ErrSendFailed, ErrInvalidPayload, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSendFailed, err)
}
