// Package fakehub emulates the device-facing side of an IoT hub: device twins,
// direct methods and telemetry, served over MQTT with a small REST API for the
// service side. It keeps everything in memory and is meant for local testing.
//
// Hub messages are published to every subscriber of the $iothub topics, so an
// emulator serves one device at a time.
package fakehub

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/mtraver/iothub"
	"github.com/sirupsen/logrus"
)

const (
	twinGetPrefix        = "$iothub/twin/GET/"
	reportedPatchPrefix  = "$iothub/twin/PATCH/properties/reported/"
	methodResponsePrefix = "$iothub/methods/res/"

	defaultMethodTimeout = 30 * time.Second
	maxMessages          = 100
)

var (
	// ErrDeviceOffline is returned when invoking a method on a device that never connected.
	ErrDeviceOffline = errors.New("fakehub: device is not connected")

	// ErrMethodTimeout is returned when a device does not answer a method call in time.
	ErrMethodTimeout = errors.New("fakehub: method call timed out")

	// ErrInvalidPatch is returned for desired property patches that are not JSON objects.
	ErrInvalidPatch = errors.New("fakehub: invalid patch")
)

// Message is a telemetry message received from a device.
type Message struct {
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// MethodResult is a device's answer to a direct method call.
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// Hub holds the state of the emulated devices.
type Hub struct {
	hostName      string
	keys          map[string]string
	publicKeys    map[string]*ecdsa.PublicKey
	methodTimeout time.Duration
	log           *logrus.Entry

	mu      sync.Mutex
	devices map[string]*deviceState
	pending map[string]chan MethodResult
	rid     uint64
	publish func(topic string, payload []byte)
}

type deviceState struct {
	desired         map[string]json.RawMessage
	desiredVersion  int64
	reported        map[string]json.RawMessage
	reportedVersion int64
	messages        []Message
	connected       bool
}

// Option customizes a Hub.
type Option func(*Hub)

// WithLogger sets the logger of the hub.
func WithLogger(log *logrus.Entry) Option {
	return func(h *Hub) {
		h.log = log
	}
}

// WithDeviceKey makes the hub check the shared access signatures of deviceID against key.
// Devices with neither a key nor a public key are let in with any password.
func WithDeviceKey(deviceID, key string) Option {
	return func(h *Hub) {
		h.keys[deviceID] = key
	}
}

// WithDevicePublicKey makes the hub accept only ES256 JWTs of deviceID signed with the
// private half of key. A device with a shared access key is checked against that instead.
func WithDevicePublicKey(deviceID string, key *ecdsa.PublicKey) Option {
	return func(h *Hub) {
		h.publicKeys[deviceID] = key
	}
}

// WithMethodTimeout sets how long a method call waits for the device.
func WithMethodTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.methodTimeout = d
	}
}

// New returns a hub that answers to hostName.
func New(hostName string, options ...Option) *Hub {
	h := &Hub{
		hostName:      hostName,
		keys:          make(map[string]string),
		publicKeys:    make(map[string]*ecdsa.PublicKey),
		methodTimeout: defaultMethodTimeout,
		log:           logrus.NewEntry(logrus.StandardLogger()),
		devices:       make(map[string]*deviceState),
		pending:       make(map[string]chan MethodResult),
		publish:       func(string, []byte) {},
	}
	for _, option := range options {
		option(h)
	}
	h.log = h.log.WithField("component", "fakehub")
	return h
}

// device returns the state of deviceID, creating it if needed. h.mu must be held.
func (h *Hub) device(deviceID string) *deviceState {
	d, ok := h.devices[deviceID]
	if !ok {
		d = &deviceState{
			desired:  make(map[string]json.RawMessage),
			reported: make(map[string]json.RawMessage),
		}
		h.devices[deviceID] = d
	}
	return d
}

// SetDesired merges patch into the desired properties of deviceID and sends the patch
// to the device. Keys set to null are removed. It returns the new desired version.
func (h *Hub) SetDesired(deviceID string, patch []byte) (int64, error) {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(patch, &props); err != nil || props == nil {
		return 0, fmt.Errorf("%w: not a JSON object", ErrInvalidPatch)
	}
	for k := range props {
		if strings.HasPrefix(k, "$") {
			return 0, fmt.Errorf("%w: %q is reserved", ErrInvalidPatch, k)
		}
	}

	h.mu.Lock()
	d := h.device(deviceID)
	merge(d.desired, props)
	d.desiredVersion++
	version := d.desiredVersion
	h.mu.Unlock()

	doc := appendVersion(patch, len(props) > 0, version)

	h.log.WithFields(logrus.Fields{"device": deviceID, "version": version}).Info("Desired properties updated")
	h.send(fmt.Sprintf("$iothub/twin/PATCH/properties/desired/?$version=%d", version), doc)
	return version, nil
}

// Twin returns the twin document of deviceID in the shape devices receive it.
func (h *Hub) Twin(deviceID string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[deviceID]
	if !ok {
		return nil, false
	}
	doc, err := d.document()
	if err != nil {
		h.log.WithError(err).Error("Failed to encode twin")
		return nil, false
	}
	return doc, true
}

// Messages returns the latest telemetry received from deviceID, oldest first.
func (h *Hub) Messages(deviceID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[deviceID]
	if !ok {
		return nil
	}
	return append([]Message(nil), d.messages...)
}

// InvokeMethod calls a direct method on deviceID and waits for its answer.
func (h *Hub) InvokeMethod(ctx context.Context, deviceID, name string, payload []byte) (MethodResult, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	h.mu.Lock()
	d, ok := h.devices[deviceID]
	if !ok || !d.connected {
		h.mu.Unlock()
		return MethodResult{}, ErrDeviceOffline
	}
	h.rid++
	rid := strconv.FormatUint(h.rid, 10)
	ch := make(chan MethodResult, 1)
	h.pending[rid] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, rid)
		h.mu.Unlock()
	}()

	mlog := h.log.WithFields(logrus.Fields{"device": deviceID, "method": name, "rid": rid})
	mlog.Info("Invoking direct method")
	h.send(fmt.Sprintf("$iothub/methods/POST/%s/?$rid=%s", name, rid), payload)

	ctx, cancel := context.WithTimeout(ctx, h.methodTimeout)
	defer cancel()

	select {
	case res := <-ch:
		mlog.WithField("status", res.Status).Info("Direct method answered")
		return res, nil
	case <-ctx.Done():
		mlog.Warn("Direct method timed out")
		return MethodResult{}, ErrMethodTimeout
	}
}

// connected marks the device behind clientID as connected.
func (h *Hub) connected(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.device(deviceIDOf(clientID)).connected = true
}

// authenticate checks the password presented by clientID.
func (h *Hub) authenticate(clientID, password string) error {
	deviceID, moduleID, _ := strings.Cut(clientID, "/")
	key, ok := h.keys[deviceID]
	if !ok {
		if pub, ok := h.publicKeys[deviceID]; ok {
			return h.verifyJWT(clientID, password, pub)
		}
		return nil
	}

	q, err := url.ParseQuery(strings.TrimPrefix(password, "SharedAccessSignature "))
	if err != nil {
		return fmt.Errorf("fakehub: malformed signature: %w", err)
	}
	se, err := strconv.ParseInt(q.Get("se"), 10, 64)
	if err != nil {
		return fmt.Errorf("fakehub: malformed expiry: %w", err)
	}
	expiry := time.Unix(se, 0)
	if time.Now().After(expiry) {
		return errors.New("fakehub: signature expired")
	}

	d := iothub.Device{HostName: h.hostName, DeviceID: deviceID, ModuleID: moduleID}
	want, err := iothub.SharedAccessSignature(d.ResourceURI(), key, expiry)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(password)) {
		return errors.New("fakehub: signature mismatch")
	}
	return nil
}

// verifyJWT checks that token is an unexpired ES256 JWT for this hub and clientID, signed by key.
func (h *Hub) verifyJWT(clientID, token string, key *ecdsa.PublicKey) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return fmt.Errorf("fakehub: invalid token: %w", err)
	}
	if !claims.VerifyAudience(h.hostName, true) {
		return fmt.Errorf("fakehub: token audience %v is not %v", claims.Audience, h.hostName)
	}
	if claims.Subject != clientID {
		return fmt.Errorf("fakehub: token subject %q is not %q", claims.Subject, clientID)
	}
	return nil
}

// handleMessage processes a message a device published.
func (h *Hub) handleMessage(clientID, topic string, payload []byte) {
	deviceID := deviceIDOf(clientID)
	mlog := h.log.WithFields(logrus.Fields{"device": deviceID, "topic": topic})

	switch {
	case strings.HasPrefix(topic, twinGetPrefix):
		rid := requestID(topic)
		h.mu.Lock()
		doc, err := h.device(deviceID).document()
		h.mu.Unlock()
		if err != nil {
			mlog.WithError(err).Error("Failed to encode twin")
			h.send(fmt.Sprintf("$iothub/twin/res/500/?$rid=%s", rid), []byte("{}"))
			return
		}
		h.send(fmt.Sprintf("$iothub/twin/res/200/?$rid=%s", rid), doc)

	case strings.HasPrefix(topic, reportedPatchPrefix):
		rid := requestID(topic)
		var props map[string]json.RawMessage
		if err := json.Unmarshal(payload, &props); err != nil || props == nil {
			mlog.Warn("Rejecting reported properties that are not a JSON object")
			h.send(fmt.Sprintf("$iothub/twin/res/400/?$rid=%s", rid), nil)
			return
		}
		h.mu.Lock()
		d := h.device(deviceID)
		merge(d.reported, props)
		d.reportedVersion++
		version := d.reportedVersion
		h.mu.Unlock()
		mlog.WithField("version", version).Debug("Reported properties updated")
		h.send(fmt.Sprintf("$iothub/twin/res/204/?$rid=%s&$version=%d", rid, version), nil)

	case strings.HasPrefix(topic, methodResponsePrefix):
		rest := strings.TrimPrefix(topic, methodResponsePrefix)
		code, _, _ := strings.Cut(rest, "/")
		status, err := strconv.Atoi(code)
		if err != nil {
			mlog.Warn("Ignoring method response with malformed status")
			return
		}
		h.mu.Lock()
		ch, ok := h.pending[requestID(topic)]
		h.mu.Unlock()
		if !ok {
			mlog.Debug("Ignoring response to unknown method call")
			return
		}
		select {
		case ch <- MethodResult{Status: status, Payload: rawJSON(payload)}:
		default:
			mlog.Warn("Ignoring duplicate method response")
		}

	case strings.HasPrefix(topic, "devices/"+deviceID+"/"):
		h.mu.Lock()
		d := h.device(deviceID)
		d.messages = append(d.messages, Message{Topic: topic, Payload: rawJSON(payload), ReceivedAt: time.Now()})
		if len(d.messages) > maxMessages {
			d.messages = d.messages[len(d.messages)-maxMessages:]
		}
		h.mu.Unlock()
		mlog.Trace("Telemetry received")

	default:
		mlog.Debug("Ignoring message on unexpected topic")
	}
}

func (d *deviceState) document() ([]byte, error) {
	return json.Marshal(map[string]map[string]json.RawMessage{
		"desired":  withVersion(d.desired, d.desiredVersion),
		"reported": withVersion(d.reported, d.reportedVersion),
	})
}

func withVersion(props map[string]json.RawMessage, version int64) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(props)+1)
	for k, v := range props {
		out[k] = v
	}
	out["$version"] = versionJSON(version)
	return out
}

func merge(dst, patch map[string]json.RawMessage) {
	for k, v := range patch {
		if string(v) == "null" {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

// appendVersion adds "$version" as the last member of the JSON object patch,
// leaving the members the service wrote in their order.
func appendVersion(patch []byte, hasMembers bool, version int64) []byte {
	obj := bytes.TrimSpace(patch)
	doc := make([]byte, 0, len(obj)+24)
	doc = append(doc, obj[:len(obj)-1]...)
	if hasMembers {
		doc = append(doc, ',')
	}
	doc = append(doc, `"$version":`...)
	doc = strconv.AppendInt(doc, version, 10)
	return append(doc, '}')
}

func versionJSON(v int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(v, 10))
}

// rawJSON keeps valid JSON as is and turns anything else into a JSON string.
func rawJSON(b []byte) json.RawMessage {
	if len(b) > 0 && json.Valid(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return s
}

func deviceIDOf(clientID string) string {
	deviceID, _, _ := strings.Cut(clientID, "/")
	return deviceID
}

func requestID(topic string) string {
	_, query, _ := strings.Cut(topic, "?")
	q, err := url.ParseQuery(query)
	if err != nil {
		return ""
	}
	return q.Get("$rid")
}

func (h *Hub) send(topic string, payload []byte) {
	h.mu.Lock()
	publish := h.publish
	h.mu.Unlock()
	publish(topic, payload)
}
