package iothub

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TokenTTL sets the TTL of tokens created when connecting to the MQTT broker.
// This is an option meant to be passed to NewClient.
func TokenTTL(ttl time.Duration) ClientOption {
	return func(d *Device, opts *mqtt.ClientOptions) error {
		opts.SetCredentialsProvider(d.credentialsProvider(ttl))
		return nil
	}
}

// CacheToken caches the tokens created when connecting to the MQTT broker. When (re)connecting the cached
// token is checked for validity (including expiration) and is reused if valid. If the cached token is invalid,
// a new token is created and cached. This is an option meant to be passed to NewClient.
func CacheToken(ttl time.Duration) ClientOption {
	return func(d *Device, opts *mqtt.ClientOptions) error {
		opts.SetCredentialsProvider(d.cachedCredentialsProvider(ttl))
		return nil
	}
}

// PersistentlyCacheToken caches to disk the tokens created when connecting to the MQTT broker. When
// (re)connecting the cached token is read from disk and checked for validity (including expiration) and is
// reused if valid. If the cached token is invalid, a new token is created and saved to disk. This is an
// option meant to be passed to NewClient.
func PersistentlyCacheToken(ttl time.Duration, path string) ClientOption {
	return func(d *Device, opts *mqtt.ClientOptions) error {
		opts.SetCredentialsProvider(d.persistentlyCachedCredentialsProvider(ttl, path))
		return nil
	}
}

// ConnectTimeout sets how long to wait for the broker to accept a connection.
func ConnectTimeout(t time.Duration) ClientOption {
	return func(d *Device, opts *mqtt.ClientOptions) error {
		opts.SetConnectTimeout(t)
		return nil
	}
}

// KeepAlive sets the MQTT keepalive interval.
func KeepAlive(k time.Duration) ClientOption {
	return func(d *Device, opts *mqtt.ClientOptions) error {
		opts.SetKeepAlive(k)
		return nil
	}
}

// AutoReconnect lets the client reconnect on its own after the connection is lost, waiting at most
// maxInterval between attempts. Retry policy is entirely the client's; the protocol engine never retries.
func AutoReconnect(maxInterval time.Duration) ClientOption {
	return func(d *Device, opts *mqtt.ClientOptions) error {
		opts.SetAutoReconnect(true)
		opts.SetMaxReconnectInterval(maxInterval)
		return nil
	}
}
