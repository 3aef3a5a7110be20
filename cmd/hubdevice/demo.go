package main

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/mtraver/iothub"
	"github.com/sirupsen/logrus"
)

const firmwareVersion = "1.0.0"

// sender is the part of iothub.Connection the demo device talks to.
type sender interface {
	RegisterProperty(name string, h iothub.PropertyHandler)
	RegisterMethod(name string, h iothub.MethodHandler)
	RegisterConnectionStatus(h iothub.ConnectionStatusHandler)
	SendMeasurements(measurements map[string]float64) error
	SendReportedProperty(key string, value any) error
}

// demoDevice simulates a fan with a light.
type demoDevice struct {
	conn sender
	log  *logrus.Entry

	started     time.Time
	fanSpeed    int
	lightOn     bool
	temperature float64
	pressure    float64
	reboots     int
	online      bool
}

func newDemoDevice(conn sender, log *logrus.Entry) *demoDevice {
	return &demoDevice{
		conn:        conn,
		log:         log.WithField("component", "demo"),
		started:     time.Now(),
		temperature: 21,
		pressure:    1013,
	}
}

func (d *demoDevice) register() {
	d.conn.RegisterProperty("fan-speed", d.setFanSpeed)
	d.conn.RegisterProperty("light-switch", d.setLight)
	d.conn.RegisterMethod("reboot", d.reboot)
	d.conn.RegisterMethod("getStatus", d.status)
	d.conn.RegisterConnectionStatus(d.connectionStatus)
}

// setFanSpeed accepts speeds from 0 to 100 percent.
func (d *demoDevice) setFanSpeed(name, value string) bool {
	speed, err := strconv.Atoi(value)
	if err != nil || speed < 0 || speed > 100 {
		d.log.WithField("value", value).Warn("Rejecting fan speed")
		return false
	}
	d.fanSpeed = speed
	d.log.WithField("speed", speed).Info("Fan speed set")
	return true
}

func (d *demoDevice) setLight(name, value string) bool {
	switch value {
	case "on", "true":
		d.lightOn = true
	case "off", "false":
		d.lightOn = false
	default:
		d.log.WithField("value", value).Warn("Rejecting light switch state")
		return false
	}
	d.log.WithField("on", d.lightOn).Info("Light switched")
	return true
}

func (d *demoDevice) reboot(name string, payload []byte) string {
	d.reboots++
	d.started = time.Now()
	d.log.Info("Reboot requested")
	return "{}"
}

type deviceStatus struct {
	FanSpeed      int     `json:"fanSpeed"`
	LightOn       bool    `json:"lightOn"`
	Temperature   float64 `json:"temperature"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Reboots       int     `json:"reboots"`
	Online        bool    `json:"online"`
}

func (d *demoDevice) status(name string, payload []byte) string {
	b, err := json.Marshal(deviceStatus{
		FanSpeed:      d.fanSpeed,
		LightOn:       d.lightOn,
		Temperature:   d.temperature,
		UptimeSeconds: int64(time.Since(d.started).Seconds()),
		Reboots:       d.reboots,
		Online:        d.online,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (d *demoDevice) connectionStatus(status iothub.ConnectionStatus, reason iothub.ConnectionStatusReason) {
	d.online = status == iothub.Authenticated
	d.log.WithFields(logrus.Fields{"status": status, "reason": reason}).Info("Connection status changed")
}

// sendTelemetry sends the next simulated temperature and pressure readings.
// The fan cools the room a little.
func (d *demoDevice) sendTelemetry() {
	d.temperature += rand.Float64() - 0.5 - float64(d.fanSpeed)/1000
	d.pressure += (rand.Float64() - 0.5) * 2

	err := d.conn.SendMeasurements(map[string]float64{
		"temperature": round(d.temperature),
		"pressure":    round(d.pressure),
	})
	if err != nil {
		d.log.WithError(err).Warn("Failed to send telemetry")
	}
}

func (d *demoDevice) reportProperties() {
	reported := []struct {
		key   string
		value any
	}{
		{"firmwareVersion", firmwareVersion},
		{"uptimeSeconds", int64(time.Since(d.started).Seconds())},
		{"lightOn", d.lightOn},
	}
	for _, r := range reported {
		if err := d.conn.SendReportedProperty(r.key, r.value); err != nil {
			d.log.WithError(err).WithField("property", r.key).Warn("Failed to report property")
		}
	}
}

func round(v float64) float64 {
	return float64(int64(v*100)) / 100
}
