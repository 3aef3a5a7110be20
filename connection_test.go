package iothub

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport queues inbound events until Pump, like a real transport.
type fakeTransport struct {
	sink    EventSink
	pending []func(EventSink)

	reported []string
	events   []string
	methods  []MethodResponse

	openErr error
	sendErr error
	pumps   int
	closed  bool
}

func (f *fakeTransport) Open(_ context.Context, sink EventSink) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.sink = sink
	return nil
}

func (f *fakeTransport) SendReportedState(doc []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.reported = append(f.reported, string(doc))
	return nil
}

func (f *fakeTransport) SendEvent(payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.events = append(f.events, string(payload))
	return nil
}

func (f *fakeTransport) Pump() {
	f.pumps++
	pending := f.pending
	f.pending = nil
	for _, deliver := range pending {
		deliver(f.sink)
	}
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) twin(state TwinUpdateState, doc string) {
	f.pending = append(f.pending, func(s EventSink) { s.DeliverTwinUpdate(state, []byte(doc)) })
}

func (f *fakeTransport) call(name, payload string) {
	f.pending = append(f.pending, func(s EventSink) {
		f.methods = append(f.methods, s.DeliverMethodCall(name, []byte(payload)))
	})
}

func (f *fakeTransport) status(status ConnectionStatus, reason ConnectionStatusReason) {
	f.pending = append(f.pending, func(s EventSink) { s.DeliverConnectionStatus(status, reason) })
}

func newTestConnection(t *testing.T, options ...ConnectionOption) (*Connection, *fakeTransport) {
	t.Helper()
	log, _ := test.NewNullLogger()
	ft := &fakeTransport{}
	c := NewConnection(ft, append([]ConnectionOption{WithLogger(logrus.NewEntry(log))}, options...)...)
	require.NoError(t, c.Setup(context.Background()))
	return c, ft
}

func TestConnectionSetupFailure(t *testing.T) {
	ft := &fakeTransport{openErr: errors.New("no handle")}
	c := NewConnection(ft, WithLogger(logrus.NewEntry(quietLogger())))

	err := c.Setup(context.Background())
	assert.ErrorIs(t, err, ErrSetup)
}

func TestConnectionSetupWithoutTransport(t *testing.T) {
	c := NewConnection(nil, WithLogger(logrus.NewEntry(quietLogger())))
	assert.ErrorIs(t, c.Setup(context.Background()), ErrSetup)

	assert.NotPanics(t, c.Pump)
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendTelemetry([]byte(`{"temp":18}`)), ErrNotConnected)
	assert.ErrorIs(t, c.SendReportedProperty("firmware", "1.0"), ErrNotConnected)
}

func TestConnectionFanSpeedScenario(t *testing.T) {
	c, ft := newTestConnection(t)
	c.RegisterProperty("fan-speed", func(name, value string) bool { return value == "55" })

	ft.twin(TwinPartial, `{"fan-speed":{"value":"55"},"$version":5}`)
	c.Pump()

	assert.Equal(t, []string{`{"fan-speed":{"value":"55","statusCode":200,"status":"completed","desiredVersion":5}}`}, ft.reported)
}

func TestConnectionUnregisteredFullTwinScenario(t *testing.T) {
	c, ft := newTestConnection(t)

	ft.twin(TwinComplete, `{"desired":{"light-switch":{"value":"on"},"$version":3},"reported":{"wifi_ap_name":"X","$version":10}}`)
	c.Pump()

	assert.Equal(t, []string{`{"light-switch":{"value":"on","statusCode":501,"status":"failed","desiredVersion":3}}`}, ft.reported)
}

func TestConnectionAckMessagesOption(t *testing.T) {
	c, ft := newTestConnection(t, WithAckMessages())

	ft.twin(TwinPartial, `{"light-switch":{"value":"on"},"$version":3}`)
	c.Pump()

	require.Len(t, ft.reported, 1)
	assert.Contains(t, ft.reported[0], `"message":"Setting not supported on this device"`)
}

func TestConnectionReplacedHandlerNeverCalled(t *testing.T) {
	c, ft := newTestConnection(t)
	oldCalls, newCalls := 0, 0
	c.RegisterProperty("p", func(string, string) bool { oldCalls++; return true })
	c.RegisterProperty("p", func(string, string) bool { newCalls++; return false })
	c.RegisterMethod("m", func(string, []byte) string { oldCalls++; return `"old"` })
	c.RegisterMethod("m", func(string, []byte) string { newCalls++; return `"new"` })

	ft.twin(TwinPartial, `{"p":{"value":"1"},"$version":1}`)
	ft.call("m", "")
	c.Pump()

	assert.Equal(t, 0, oldCalls)
	assert.Equal(t, 2, newCalls)
	assert.Equal(t, []string{`{"p":{"value":"1","statusCode":206,"status":"failed","desiredVersion":1}}`}, ft.reported)
	require.Len(t, ft.methods, 1)
	assert.Equal(t, `"new"`, string(ft.methods[0].Body))
}

func TestConnectionMetadataRegistrationIgnored(t *testing.T) {
	c, ft := newTestConnection(t)
	called := false
	c.RegisterProperty("$version", func(string, string) bool { called = true; return true })

	ft.twin(TwinPartial, `{"$version":4}`)
	c.Pump()

	assert.False(t, called)
	assert.Empty(t, ft.reported)
}

func TestConnectionRebootScenario(t *testing.T) {
	c, ft := newTestConnection(t)
	c.RegisterMethod("reboot", func(string, []byte) string { return "{}" })

	ft.call("reboot", "")
	ft.call("selfDestruct", "")
	c.Pump()

	require.Len(t, ft.methods, 2)
	assert.Equal(t, MethodResponse{Status: http.StatusOK, Body: []byte("{}")}, ft.methods[0])
	assert.Equal(t, MethodResponse{Status: http.StatusNotImplemented, Body: []byte("{}")}, ft.methods[1])
}

func TestConnectionPumpWithoutEvents(t *testing.T) {
	c, ft := newTestConnection(t)
	calls := 0
	c.RegisterProperty("p", func(string, string) bool { calls++; return true })
	c.RegisterMethod("m", func(string, []byte) string { calls++; return "{}" })
	c.RegisterConnectionStatus(func(ConnectionStatus, ConnectionStatusReason) { calls++ })

	c.Pump()
	c.Pump()

	assert.Equal(t, 2, ft.pumps)
	assert.Equal(t, 0, calls)
	assert.Empty(t, ft.reported)
	assert.Empty(t, ft.methods)
}

func TestConnectionStatusCallback(t *testing.T) {
	c, ft := newTestConnection(t)
	var got []ConnectionStatusReason
	c.RegisterConnectionStatus(func(s ConnectionStatus, r ConnectionStatusReason) {
		got = append(got, r)
	})

	ft.status(Authenticated, ReasonOK)
	ft.status(Unauthenticated, ReasonExpiredToken)
	c.Pump()

	assert.Equal(t, []ConnectionStatusReason{ReasonOK, ReasonExpiredToken}, got)
}

func TestConnectionStatusCallbackPanic(t *testing.T) {
	c, ft := newTestConnection(t)
	c.RegisterConnectionStatus(func(ConnectionStatus, ConnectionStatusReason) { panic("boom") })

	ft.status(Authenticated, ReasonOK)
	assert.NotPanics(t, c.Pump)
}

func TestConnectionSendTelemetry(t *testing.T) {
	c, ft := newTestConnection(t)

	require.NoError(t, c.SendTelemetry([]byte(`{"temp":18.5}`)))
	require.NoError(t, c.SendMeasurement("pressure", 101.5))
	require.NoError(t, c.SendMeasurements(map[string]float64{"b": 2, "a": 1}))
	require.NoError(t, c.SendMeasurementJSON("pos", []byte(`{"lat":1,"lon":2}`)))
	require.NoError(t, c.SendEvent("door", "opened"))
	require.NoError(t, c.SendStateChange("mode", "eco"))

	assert.Equal(t, []string{
		`{"temp":18.5}`,
		`{"pressure":101.5}`,
		`{"a":1,"b":2}`,
		`{"pos":{"lat":1,"lon":2}}`,
		`{"door":"opened"}`,
		`{"mode":"eco"}`,
	}, ft.events)
}

func TestConnectionSendTelemetryInvalid(t *testing.T) {
	c, ft := newTestConnection(t)

	assert.ErrorIs(t, c.SendTelemetry(nil), ErrInvalidPayload)
	assert.ErrorIs(t, c.SendTelemetry([]byte(`{"temp":`)), ErrInvalidPayload)
	assert.ErrorIs(t, c.SendMeasurements(nil), ErrInvalidPayload)
	assert.ErrorIs(t, c.SendMeasurementJSON("k", []byte(`nope`)), ErrInvalidPayload)
	assert.Empty(t, ft.events)
}

func TestConnectionSendFailures(t *testing.T) {
	c, ft := newTestConnection(t)
	ft.sendErr = errors.New("rejected")

	assert.ErrorIs(t, c.SendTelemetry([]byte(`{}`)), ErrSendFailed)
	assert.ErrorIs(t, c.SendReportedProperty("k", 1), ErrSendFailed)

	ft.sendErr = ErrNotConnected
	assert.ErrorIs(t, c.SendEvent("k", "v"), ErrNotConnected)
	assert.ErrorIs(t, c.SendPropertyAck(PropertyAck{PropertyName: "p"}), ErrNotConnected)
}

func TestConnectionSendReportedProperty(t *testing.T) {
	c, ft := newTestConnection(t)

	require.NoError(t, c.SendReportedProperty("wifi_ap_name", "home"))
	require.NoError(t, c.SendReportedProperty("uptime", 42))
	require.NoError(t, c.SendReportedProperty("online", true))
	require.NoError(t, c.SendReportedProperty("firmware", struct {
		Version string `json:"version"`
	}{"1.2.0"}))
	require.NoError(t, c.SendReportedPropertyJSON("location", []byte(`{"lat":1}`)))

	assert.Equal(t, []string{
		`{"wifi_ap_name":"home"}`,
		`{"uptime":42}`,
		`{"online":true}`,
		`{"firmware":{"version":"1.2.0"}}`,
		`{"location":{"lat":1}}`,
	}, ft.reported)

	assert.ErrorIs(t, c.SendReportedPropertyJSON("bad", []byte("{")), ErrInvalidPayload)
}

func TestConnectionPendingThenCompleted(t *testing.T) {
	c, ft := newTestConnection(t)
	var later []PropertyAck
	c.RegisterProperty("firmware", func(name, value string) bool {
		later = append(later, PropertyAck{PropertyName: name, Value: value, StatusCode: http.StatusOK, Status: AckCompleted, DesiredVersion: 2})
		return true
	})

	ft.twin(TwinPartial, `{"firmware":{"value":"2.0"},"$version":2}`)
	c.Pump()
	require.Len(t, later, 1)
	require.NoError(t, c.SendPropertyAck(PropertyAck{PropertyName: "firmware", Value: "1.0", StatusCode: http.StatusAccepted, Status: AckPending, DesiredVersion: 2}))
	require.NoError(t, c.SendPropertyAck(later[0]))

	assert.Equal(t, []string{
		`{"firmware":{"value":"2.0","statusCode":200,"status":"completed","desiredVersion":2}}`,
		`{"firmware":{"value":"1.0","statusCode":202,"status":"pending","desiredVersion":2}}`,
		`{"firmware":{"value":"2.0","statusCode":200,"status":"completed","desiredVersion":2}}`,
	}, ft.reported)
}

func TestConnectionClose(t *testing.T) {
	c, ft := newTestConnection(t)
	require.NoError(t, c.Close())
	assert.True(t, ft.closed)
}
