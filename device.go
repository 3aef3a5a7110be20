package iothub

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	apiVersion = "2021-04-12"

	// defaultTokenTTL is how long the tokens presented when connecting stay valid.
	defaultTokenTTL = time.Hour

	// tokenExpiryMargin is how close to expiry a cached token may get before it is replaced.
	tokenExpiryMargin = time.Minute
)

// Device represents a device registered with an IoT hub.
//
// The device authenticates with a shared access signature when SharedAccessKey is set,
// and otherwise with an ES256 JWT signed with the private key at PrivKeyPath. Azure IoT hubs
// authenticate devices with shared access signatures; JWTs are for hubs that take a registered
// public key instead, such as the emulator in internal/fakehub.
type Device struct {
	HostName        string `json:"host_name" yaml:"host_name"`
	DeviceID        string `json:"device_id" yaml:"device_id"`
	ModuleID        string `json:"module_id,omitempty" yaml:"module_id,omitempty"`
	SharedAccessKey string `json:"shared_access_key,omitempty" yaml:"shared_access_key,omitempty"`
	PrivKeyPath     string `json:"priv_key_path,omitempty" yaml:"priv_key_path,omitempty"`

	// token is used to cache the credentials presented to the hub.
	token string
	tmu   sync.Mutex
}

// ClientOption customizes the github.com/eclipse/paho.mqtt.golang ClientOptions built by NewClient.
type ClientOption func(*Device, *mqtt.ClientOptions) error

// NewClient creates a github.com/eclipse/paho.mqtt.golang Client that may be used to connect to the given
// MQTT broker. By default it sets up a ClientOptions with what the hub requires:
//
//   - Client ID and user name derived from the device
//   - TLS configuration, trusting caCerts (or the system roots when caCerts is nil)
//   - MQTT 3.1.1
//   - A credentials provider that creates a new token with TTL 1 hour on each connection attempt
//
// By passing in options you may customize the ClientOptions. Options are functions with this signature:
//
//	func(*Device, *mqtt.ClientOptions) error
//
// They are applied in the order given before the Client is created. Some options are provided in this
// package (see options.go), but you may create your own as well.
func (d *Device) NewClient(broker MQTTBroker, caCerts io.Reader, options ...ClientOption) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker.URL())
	opts.SetClientID(d.ClientID())
	opts.SetUsername(d.Username())
	opts.SetProtocolVersion(4)
	opts.SetCredentialsProvider(d.credentialsProvider(defaultTokenTTL))

	if !broker.Insecure {
		tlsConf := &tls.Config{
			ServerName: broker.Host,
			MinVersion: tls.VersionTLS12,
		}
		if caCerts != nil {
			pemCerts, err := io.ReadAll(caCerts)
			if err != nil {
				return nil, fmt.Errorf("iothub: failed to read CA certs: %w", err)
			}
			certpool := x509.NewCertPool()
			if !certpool.AppendCertsFromPEM(pemCerts) {
				return nil, fmt.Errorf("iothub: no certs were parsed from given CA certs")
			}
			tlsConf.RootCAs = certpool
		}
		opts.SetTLSConfig(tlsConf)
	}

	for _, option := range options {
		if err := option(d, opts); err != nil {
			return nil, err
		}
	}

	return mqtt.NewClient(opts), nil
}

func (d *Device) credentialsProvider(ttl time.Duration) mqtt.CredentialsProvider {
	return func() (string, string) {
		token, err := d.NewToken(ttl)
		if err != nil {
			// We have no way to return an error, so set the token to a value that will fail
			// when used to authenticate.
			token = "error making new token"
		}
		return d.Username(), token
	}
}

func (d *Device) cachedCredentialsProvider(ttl time.Duration) mqtt.CredentialsProvider {
	return func() (string, string) {
		d.tmu.Lock()
		defer d.tmu.Unlock()

		if d.tokenValid(d.token) {
			return d.Username(), d.token
		}

		token, err := d.NewToken(ttl)
		if err != nil {
			token = "error making new token"
		} else {
			d.token = token
		}

		return d.Username(), token
	}
}

func (d *Device) persistentlyCachedCredentialsProvider(ttl time.Duration, path string) mqtt.CredentialsProvider {
	return func() (string, string) {
		d.tmu.Lock()
		defer d.tmu.Unlock()

		b, err := os.ReadFile(path)
		if err == nil && d.tokenValid(string(b)) {
			return d.Username(), string(b)
		}

		token, err := d.NewToken(ttl)
		if err != nil {
			token = "error making new token"
		} else {
			// The signature of mqtt.CredentialsProvider provides no way to return a write error.
			_ = os.WriteFile(path, []byte(token), 0600)
		}

		return d.Username(), token
	}
}

// NewToken creates the password presented to the hub: a shared access signature if the
// device has a shared access key, else a JWT. It expires in the given amount of time.
func (d *Device) NewToken(ttl time.Duration) (string, error) {
	if d.SharedAccessKey != "" {
		return SharedAccessSignature(d.ResourceURI(), d.SharedAccessKey, time.Now().Add(ttl))
	}
	if d.PrivKeyPath != "" {
		return d.NewJWT(ttl)
	}
	return "", fmt.Errorf("iothub: device %v has neither a shared access key nor a private key", d.DeviceID)
}

// tokenValid reports whether a token made by NewToken can still be presented.
func (d *Device) tokenValid(token string) bool {
	if token == "" {
		return false
	}
	if d.SharedAccessKey != "" {
		expiry, ok := sasExpiry(token)
		return ok && time.Until(expiry) > tokenExpiryMargin
	}
	ok, err := d.VerifyJWT(token)
	return ok && err == nil
}

// ClientID returns the MQTT client ID: the device ID, or deviceID/moduleID for module identities.
func (d *Device) ClientID() string {
	if d.ModuleID != "" {
		return fmt.Sprintf("%v/%v", d.DeviceID, d.ModuleID)
	}
	return d.DeviceID
}

// Username returns the MQTT user name the hub expects.
func (d *Device) Username() string {
	return fmt.Sprintf("%v/%v/?api-version=%v", d.HostName, d.ClientID(), apiVersion)
}

// ResourceURI returns the resource that shared access signatures are scoped to.
func (d *Device) ResourceURI() string {
	if d.ModuleID != "" {
		return fmt.Sprintf("%v/devices/%v/modules/%v", d.HostName, d.DeviceID, d.ModuleID)
	}
	return fmt.Sprintf("%v/devices/%v", d.HostName, d.DeviceID)
}

// TelemetryTopic returns the MQTT topic to which the device should publish telemetry events.
// Message properties are appended to it.
func (d *Device) TelemetryTopic() string {
	if d.ModuleID != "" {
		return fmt.Sprintf("devices/%v/modules/%v/messages/events/", d.DeviceID, d.ModuleID)
	}
	return fmt.Sprintf("devices/%v/messages/events/", d.DeviceID)
}

// DesiredPropertiesTopic returns the MQTT topic to which the device subscribes to get desired property patches.
func (d *Device) DesiredPropertiesTopic() string {
	return "$iothub/twin/PATCH/properties/desired/#"
}

// TwinResponseTopic returns the MQTT topic on which the hub answers twin requests.
func (d *Device) TwinResponseTopic() string {
	return "$iothub/twin/res/#"
}

// TwinGetTopic returns the MQTT topic to which the device publishes to request its full twin.
func (d *Device) TwinGetTopic(rid string) string {
	return fmt.Sprintf("$iothub/twin/GET/?$rid=%v", rid)
}

// ReportedPropertiesTopic returns the MQTT topic to which the device publishes reported property patches.
func (d *Device) ReportedPropertiesTopic(rid string) string {
	return fmt.Sprintf("$iothub/twin/PATCH/properties/reported/?$rid=%v", rid)
}

// MethodTopic returns the MQTT topic to which the device subscribes to get direct method calls.
func (d *Device) MethodTopic() string {
	return "$iothub/methods/POST/#"
}

// MethodResponseTopic returns the MQTT topic to which the device publishes the result of a direct method call.
func (d *Device) MethodResponseTopic(status int, rid string) string {
	return fmt.Sprintf("$iothub/methods/res/%v/?$rid=%v", status, rid)
}

func (d *Device) publicKey() (*ecdsa.PublicKey, error) {
	priv, err := d.privateKey()
	if err != nil {
		return nil, err
	}

	return &priv.PublicKey, nil
}

func (d *Device) privateKey() (*ecdsa.PrivateKey, error) {
	keyBytes, err := os.ReadFile(d.PrivKeyPath)
	if err != nil {
		return nil, err
	}

	return jwt.ParseECPrivateKeyFromPEM(keyBytes)
}

// VerifyJWT checks the validity of the given JWT, including its signature and expiration. It returns true
// with a nil error if the JWT is valid. Both false and a non-nil error (regardless of the accompanying
// boolean value) indicate an invalid JWT.
func (d *Device) VerifyJWT(jwtStr string) (bool, error) {
	token, err := jwt.Parse(jwtStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("iothub: unexpected signing method %v", token.Header["alg"])
		}

		return d.publicKey()
	})

	if err != nil {
		return false, err
	}

	return token.Valid, nil
}

// NewJWT creates a new JWT for the hub, signed with the device's key and expiring in the given amount of time.
func (d *Device) NewJWT(ttl time.Duration) (string, error) {
	key, err := d.privateKey()
	if err != nil {
		return "", fmt.Errorf("iothub: failed to parse priv key: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{d.HostName},
		Subject:   d.ClientID(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	return token.SignedString(key)
}
