package iothub

import "testing"

func TestBrokerURL(t *testing.T) {
	cases := []struct {
		broker MQTTBroker
		want   string
	}{
		{BrokerFor("myhub.azure-devices.net"), "ssl://myhub.azure-devices.net:8883"},
		{WebSocketBrokerFor("myhub.azure-devices.net"), "wss://myhub.azure-devices.net:443/$iothub/websocket"},
		{MQTTBroker{Host: "localhost", Port: 1883, Insecure: true}, "tcp://localhost:1883"},
	}

	for _, c := range cases {
		if got := c.broker.URL(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}
