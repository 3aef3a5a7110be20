package iothub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize      = 32
	defaultPublishTimeout = 5 * time.Second
	defaultDisconnectWait = 250 // milliseconds

	// DefaultTokenRefresh is how long a connection is used before reconnecting with fresh credentials.
	DefaultTokenRefresh = 50 * time.Minute

	// reconnectRetry is the pause between failed credential refresh reconnects.
	reconnectRetry = 30 * time.Second

	desiredPatchPrefix = "$iothub/twin/PATCH/properties/desired/"
	twinResponsePrefix = "$iothub/twin/res/"
	methodCallPrefix   = "$iothub/methods/POST/"

	telemetryProperties = "$.ct=application%2Fjson&$.ce=utf-8"
)

type eventKind int

const (
	evConnected eventKind = iota
	evConnectionLost
	evTwinPatch
	evTwinResponse
	evMethodCall
)

type event struct {
	kind    eventKind
	topic   string
	payload []byte
	err     error
}

// MQTTTransport is a Transport that speaks the IoT hub MQTT dialect.
//
// Messages from the broker arrive on paho's goroutines and are queued; Pump
// delivers them to the EventSink on the calling goroutine. When the queue is
// full, new messages are dropped and logged. Connection changes are kept apart
// from the queue and are never dropped.
type MQTTTransport struct {
	device *Device
	client mqtt.Client
	sink   EventSink
	log    *logrus.Entry

	qos            byte
	queueSize      int
	publishTimeout time.Duration
	tokenRefresh   time.Duration
	clientOptions  []ClientOption

	events chan event
	rid    atomic.Uint64

	cmu     sync.Mutex
	control []event

	// Owned by the goroutine calling Pump.
	subscribed     bool
	connectedAt    time.Time
	pendingTwinGet string
	reconnect      mqtt.Token
	nextReconnect  time.Time

	pmu             sync.Mutex
	pendingReported map[string]struct{}
}

// TransportOption customizes an MQTTTransport. Options are meant to be passed to NewMQTTTransport.
type TransportOption func(*MQTTTransport)

// WithTransportLogger sets the logger of the transport.
func WithTransportLogger(log *logrus.Entry) TransportOption {
	return func(t *MQTTTransport) {
		t.log = log
	}
}

// WithQueueSize bounds the number of inbound messages waiting for Pump.
func WithQueueSize(n int) TransportOption {
	return func(t *MQTTTransport) {
		t.queueSize = n
	}
}

// WithPublishTimeout sets how long a send waits for the broker before failing.
func WithPublishTimeout(d time.Duration) TransportOption {
	return func(t *MQTTTransport) {
		t.publishTimeout = d
	}
}

// WithTokenRefresh sets how long a connection is kept before reconnecting with fresh credentials.
// Zero disables refreshing.
func WithTokenRefresh(d time.Duration) TransportOption {
	return func(t *MQTTTransport) {
		t.tokenRefresh = d
	}
}

// WithClientOptions passes options through to Device.NewClient.
func WithClientOptions(options ...ClientOption) TransportOption {
	return func(t *MQTTTransport) {
		t.clientOptions = append(t.clientOptions, options...)
	}
}

// NewMQTTTransport creates a transport for d that connects to broker.
// caCerts may be nil to trust the system roots.
func NewMQTTTransport(d *Device, broker MQTTBroker, caCerts io.Reader, options ...TransportOption) (*MQTTTransport, error) {
	t := newMQTTTransport(d, options...)

	hooks := func(_ *Device, opts *mqtt.ClientOptions) error {
		opts.SetOnConnectHandler(func(mqtt.Client) {
			t.enqueue(event{kind: evConnected})
		})
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.enqueue(event{kind: evConnectionLost, err: err})
		})
		return nil
	}

	client, err := d.NewClient(broker, caCerts, append(t.clientOptions, hooks)...)
	if err != nil {
		return nil, err
	}
	t.client = client

	t.log = t.log.WithField("broker", broker.String())
	return t, nil
}

func newMQTTTransport(d *Device, options ...TransportOption) *MQTTTransport {
	t := &MQTTTransport{
		device:          d,
		log:             logrus.NewEntry(logrus.StandardLogger()),
		qos:             1,
		queueSize:       defaultQueueSize,
		publishTimeout:  defaultPublishTimeout,
		tokenRefresh:    DefaultTokenRefresh,
		pendingReported: make(map[string]struct{}),
	}
	for _, option := range options {
		option(t)
	}
	t.events = make(chan event, t.queueSize)
	t.log = t.log.WithFields(logrus.Fields{"component": "mqtt", "device": d.ClientID()})
	return t
}

// Open connects to the broker and subscribes to the twin and method topics.
func (t *MQTTTransport) Open(ctx context.Context, sink EventSink) error {
	if sink == nil {
		return errors.New("iothub: nil event sink")
	}
	t.sink = sink

	t.log.Info("Connecting to hub")
	if err := waitToken(ctx, t.client.Connect()); err != nil {
		return fmt.Errorf("iothub: failed to connect: %w", err)
	}

	if err := t.subscribe(ctx); err != nil {
		t.client.Disconnect(defaultDisconnectWait)
		return err
	}

	t.log.Info("Connected to hub")
	return nil
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(defaultDisconnectWait)
	}
	t.subscribed = false
	return nil
}

// Pump delivers the messages queued since the last call and refreshes credentials when due.
func (t *MQTTTransport) Pump() {
	t.refreshCredentials()

	for _, ev := range t.takeControl() {
		t.handle(ev)
	}

	for n := len(t.events); n > 0; n-- {
		select {
		case ev := <-t.events:
			t.handle(ev)
		default:
			return
		}
	}
}

// SendEvent publishes telemetry.
func (t *MQTTTransport) SendEvent(payload []byte) error {
	topic := fmt.Sprintf("%v$.mid=%v&%v", t.device.TelemetryTopic(), uuid.NewString(), telemetryProperties)
	return t.publish(topic, payload)
}

// SendReportedState publishes a reported properties patch. The hub's answer is logged by Pump.
func (t *MQTTTransport) SendReportedState(doc []byte) error {
	rid := t.newRID()

	t.pmu.Lock()
	t.pendingReported[rid] = struct{}{}
	t.pmu.Unlock()

	if err := t.publish(t.device.ReportedPropertiesTopic(rid), doc); err != nil {
		t.takeReported(rid)
		return err
	}
	return nil
}

func (t *MQTTTransport) handle(ev event) {
	switch ev.kind {
	case evConnected:
		t.handleConnected()
	case evConnectionLost:
		t.subscribed = false
		t.forgetReported()
		reason := lostReason(ev.err)
		t.log.WithError(ev.err).WithField("reason", reason).Warn("Connection to hub lost")
		t.sink.DeliverConnectionStatus(Unauthenticated, reason)
	case evTwinPatch:
		t.sink.DeliverTwinUpdate(TwinPartial, ev.payload)
	case evTwinResponse:
		t.handleTwinResponse(ev)
	case evMethodCall:
		t.handleMethodCall(ev)
	}
}

func (t *MQTTTransport) handleConnected() {
	t.connectedAt = time.Now()
	t.reconnect = nil

	if !t.subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), t.publishTimeout)
		err := t.subscribe(ctx)
		cancel()
		if err != nil {
			t.log.WithError(err).Error("Failed to restore subscriptions")
			t.sink.DeliverConnectionStatus(Unauthenticated, ReasonCommunicationError)
			return
		}
	}

	t.sink.DeliverConnectionStatus(Authenticated, ReasonOK)

	// The full twin is requested on every connection so that changes made while
	// the device was offline are reconciled.
	rid := t.newRID()
	if err := t.publish(t.device.TwinGetTopic(rid), []byte{}); err != nil {
		t.log.WithError(err).Error("Failed to request twin")
		return
	}
	t.pendingTwinGet = rid
}

func (t *MQTTTransport) handleTwinResponse(ev event) {
	status, rid, ok := parseTwinResponseTopic(ev.topic)
	if !ok {
		t.log.WithField("topic", ev.topic).Warn("Ignoring malformed twin response topic")
		return
	}
	rlog := t.log.WithFields(logrus.Fields{"rid": rid, "status": status})

	switch {
	case rid == t.pendingTwinGet:
		t.pendingTwinGet = ""
		if status != 200 {
			rlog.Warn("Twin request failed")
			return
		}
		t.sink.DeliverTwinUpdate(TwinComplete, ev.payload)
	case t.takeReported(rid):
		if status/100 != 2 {
			rlog.Warn("Hub rejected reported properties")
			return
		}
		rlog.Trace("Reported properties confirmed")
	default:
		rlog.Debug("Ignoring twin response to unknown request")
	}
}

func (t *MQTTTransport) handleMethodCall(ev event) {
	name, rid, ok := parseMethodTopic(ev.topic)
	if !ok {
		t.log.WithField("topic", ev.topic).Warn("Ignoring malformed method topic")
		return
	}

	resp := t.sink.DeliverMethodCall(name, ev.payload)
	if err := t.publish(t.device.MethodResponseTopic(resp.Status, rid), resp.Body); err != nil {
		t.log.WithError(err).WithField("method", name).Error("Failed to send method response")
	}
}

// refreshCredentials reconnects once the connection is older than the token refresh interval,
// so that the credentials provider issues a fresh token.
func (t *MQTTTransport) refreshCredentials() {
	if t.reconnect != nil {
		select {
		case <-t.reconnect.Done():
			if err := t.reconnect.Error(); err != nil {
				t.log.WithError(err).Error("Reconnect with fresh credentials failed")
				t.sink.DeliverConnectionStatus(Unauthenticated, lostReason(err))
				t.nextReconnect = time.Now().Add(reconnectRetry)
			}
			t.reconnect = nil
		default:
		}
		return
	}

	if t.tokenRefresh <= 0 || t.connectedAt.IsZero() {
		return
	}
	if !t.nextReconnect.IsZero() && time.Now().Before(t.nextReconnect) {
		return
	}
	if time.Since(t.connectedAt) < t.tokenRefresh && t.nextReconnect.IsZero() {
		return
	}

	t.log.Info("Reconnecting to refresh credentials")
	t.nextReconnect = time.Time{}
	if t.client.IsConnected() {
		t.client.Disconnect(defaultDisconnectWait)
	}
	t.subscribed = false
	t.reconnect = t.client.Connect()
}

func (t *MQTTTransport) subscribe(ctx context.Context) error {
	filters := map[string]byte{
		t.device.DesiredPropertiesTopic(): t.qos,
		t.device.TwinResponseTopic():      t.qos,
		t.device.MethodTopic():            t.qos,
	}
	if err := waitToken(ctx, t.client.SubscribeMultiple(filters, t.route)); err != nil {
		return fmt.Errorf("iothub: failed to subscribe: %w", err)
	}
	t.subscribed = true
	return nil
}

func (t *MQTTTransport) route(_ mqtt.Client, msg mqtt.Message) {
	t.dispatchMessage(msg.Topic(), msg.Payload())
}

func (t *MQTTTransport) dispatchMessage(topic string, payload []byte) {
	ev := event{topic: topic, payload: payload}
	switch {
	case strings.HasPrefix(topic, desiredPatchPrefix):
		ev.kind = evTwinPatch
	case strings.HasPrefix(topic, twinResponsePrefix):
		ev.kind = evTwinResponse
	case strings.HasPrefix(topic, methodCallPrefix):
		ev.kind = evMethodCall
	default:
		t.log.WithField("topic", topic).Debug("Ignoring message on unexpected topic")
		return
	}
	t.enqueue(ev)
}

func (t *MQTTTransport) enqueue(ev event) {
	if ev.kind == evConnected || ev.kind == evConnectionLost {
		t.cmu.Lock()
		defer t.cmu.Unlock()
		// Repeats of the same change collapse into the latest one.
		if n := len(t.control); n > 0 && t.control[n-1].kind == ev.kind {
			t.control[n-1] = ev
			return
		}
		t.control = append(t.control, ev)
		return
	}

	select {
	case t.events <- ev:
	default:
		t.log.WithField("topic", ev.topic).Warn("Inbound queue full, dropping message")
	}
}

func (t *MQTTTransport) publish(topic string, payload []byte) error {
	if t.client == nil || !t.client.IsConnected() {
		return ErrNotConnected
	}

	token := t.client.Publish(topic, t.qos, false, payload)
	if !token.WaitTimeout(t.publishTimeout) {
		return fmt.Errorf("%w: publish to %v after %v", ErrTimeout, topic, t.publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

func (t *MQTTTransport) newRID() string {
	return strconv.FormatUint(t.rid.Add(1), 10)
}

func (t *MQTTTransport) takeReported(rid string) bool {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	_, ok := t.pendingReported[rid]
	delete(t.pendingReported, rid)
	return ok
}

// forgetReported drops requests whose answers went down with the connection.
func (t *MQTTTransport) forgetReported() {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	if n := len(t.pendingReported); n > 0 {
		t.log.WithField("requests", n).Debug("Dropping unanswered reported properties requests")
		clear(t.pendingReported)
	}
}

func (t *MQTTTransport) takeControl() []event {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	control := t.control
	t.control = nil
	return control
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// lostReason maps a paho error to a ConnectionStatusReason.
func lostReason(err error) ConnectionStatusReason {
	if err == nil {
		return ReasonClosed
	}
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
		return ReasonExpiredToken
	}
	if errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return ReasonBadCredential
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ReasonNoNetwork
	}
	return ReasonCommunicationError
}

// parseTwinResponseTopic splits $iothub/twin/res/{status}/?$rid={rid}[&...].
func parseTwinResponseTopic(topic string) (status int, rid string, ok bool) {
	rest, found := strings.CutPrefix(topic, twinResponsePrefix)
	if !found {
		return 0, "", false
	}
	code, query, found := strings.Cut(rest, "/?")
	if !found {
		return 0, "", false
	}
	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", false
	}
	rid, ok = requestID(query)
	return status, rid, ok
}

// parseMethodTopic splits $iothub/methods/POST/{name}/?$rid={rid}.
func parseMethodTopic(topic string) (name, rid string, ok bool) {
	rest, found := strings.CutPrefix(topic, methodCallPrefix)
	if !found {
		return "", "", false
	}
	name, query, found := strings.Cut(rest, "/?")
	if !found || name == "" {
		return "", "", false
	}
	rid, ok = requestID(query)
	return name, rid, ok
}

func requestID(query string) (string, bool) {
	q, err := url.ParseQuery(query)
	if err != nil {
		return "", false
	}
	rid := q.Get("$rid")
	return rid, rid != ""
}
