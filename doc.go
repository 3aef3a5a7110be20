// Package iothub connects a device to a cloud IoT hub over MQTT.
// It handles TLS configuration and authentication (shared access signatures or
// ES256 JWTs), and it implements the device side of the twin and direct method
// protocols: desired property updates are routed to registered handlers and
// acknowledged one property at a time, and method invocations are routed to
// registered handlers whose results are returned to the hub.
//
// The protocol engine does not depend on MQTT. A Connection talks to any
// Transport; MQTTTransport is the one provided here. Work is driven by calling
// Connection.Pump on a regular cadence from a single goroutine, and all handlers
// run on that goroutine.
package iothub
