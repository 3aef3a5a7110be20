package iothub

import "fmt"

const (
	// DefaultPort is the MQTT over TLS port of IoT hubs.
	DefaultPort = 8883

	// WebSocketPort is used when outbound 8883 is blocked. MQTT is then carried over secure websockets.
	WebSocketPort = 443

	webSocketPath = "/$iothub/websocket"
)

// MQTTBroker represents an MQTT server.
type MQTTBroker struct {
	Host string
	Port int

	// Insecure selects plain TCP. It is meant for local hub emulators only.
	Insecure bool
}

// BrokerFor returns the MQTT broker of the hub with the given host name.
func BrokerFor(hostName string) MQTTBroker {
	return MQTTBroker{Host: hostName, Port: DefaultPort}
}

// WebSocketBrokerFor returns the websocket endpoint of the hub with the given host name.
func WebSocketBrokerFor(hostName string) MQTTBroker {
	return MQTTBroker{Host: hostName, Port: WebSocketPort}
}

// URL returns the URL of the MQTT server.
func (b *MQTTBroker) URL() string {
	switch {
	case b.Insecure:
		return fmt.Sprintf("tcp://%v:%v", b.Host, b.Port)
	case b.Port == WebSocketPort:
		return fmt.Sprintf("wss://%v:%v%v", b.Host, b.Port, webSocketPath)
	default:
		return fmt.Sprintf("ssl://%v:%v", b.Host, b.Port)
	}
}

// String returns a string representation of the MQTTBroker.
func (b *MQTTBroker) String() string {
	return b.URL()
}
