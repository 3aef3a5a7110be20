package iothub

import "errors"

// Use errors.Is to check for these in calling code.
var (
	// ErrSetup is returned when a connection cannot be set up. The Connection must not be used afterwards.
	ErrSetup = errors.New("iothub: setup failed")

	// ErrNotConnected is returned when sending while the transport has no live connection.
	ErrNotConnected = errors.New("iothub: not connected")

	// ErrSendFailed is returned when the transport rejects an outgoing message.
	ErrSendFailed = errors.New("iothub: send failed")

	// ErrInvalidPayload is returned when an outgoing message cannot be constructed.
	ErrInvalidPayload = errors.New("iothub: invalid payload")

	// ErrInvalidConnectionString is returned by ParseConnectionString.
	ErrInvalidConnectionString = errors.New("iothub: invalid connection string")

	// ErrTimeout is returned when the broker does not acknowledge an operation in time.
	ErrTimeout = errors.New("iothub: operation timed out")
)

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
