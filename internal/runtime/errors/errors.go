package errors

import (
	sterrors "errors"
	"fmt"
)

// Errors raised locally by the library.
var (
	ErrChannelRequired    = sterrors.New("duplexflow: channel is required")
	ErrHandlerRequired    = sterrors.New("duplexflow: handler function is required")
	ErrDialerRequired     = sterrors.New("duplexflow: dialer is required")
	ErrListenerRequired   = sterrors.New("duplexflow: listener is required")
	ErrConfigRequired     = sterrors.New("duplexflow: configuration is required")
	ErrConnectionClosed   = sterrors.New("duplexflow: connection closed")
	ErrClientStopped      = sterrors.New("duplexflow: client stopped")
	ErrPublisherRequired  = sterrors.New("duplexflow: publisher is required")
	ErrSubscriberRequired = sterrors.New("duplexflow: subscriber is required")
	ErrTopicRequired      = sterrors.New("duplexflow: topic is required")
	ErrBodyTypeRequired   = sterrors.New("duplexflow: body message type is required")
	ErrBodyPointerNeeded  = sterrors.New("duplexflow: body message type must be a pointer")

	ErrUnknownBroker             = sterrors.New("duplexflow: unknown broker")
	ErrBrokerLocal               = sterrors.New("duplexflow: broker does not reach other processes")
	ErrSharedDeliveryUnsupported = sterrors.New("duplexflow: broker cannot share events between bridge instances")
)

// Errors carried in the error field of a response. Their text is part of the
// wire protocol and must not change.
var (
	ErrAPINotFound          = sterrors.New("api not found")
	ErrSubscriptionNotFound = sterrors.New("subscription not found")
	ErrStreamRequiresID     = sterrors.New("stream requires id")
	ErrCancelled            = sterrors.New("cancelled")
)

var wireErrors = []error{
	ErrAPINotFound,
	ErrSubscriptionNotFound,
	ErrStreamRequiresID,
	ErrCancelled,
}

// RemoteError is a failure reported by the other side of a connection.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches the wire errors by their text so callers can write
// errors.Is(err, ErrAPINotFound) against a remote failure.
func (e *RemoteError) Is(target error) bool {
	for _, known := range wireErrors {
		if target == known {
			return e.Message == known.Error()
		}
	}
	return false
}

// Remote converts an error field received on the wire.
func Remote(message string) error {
	return &RemoteError{Message: message}
}

// Wire renders err for the error field of a response.
func Wire(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ConfigValidationError wraps configuration failures reported by Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("duplexflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
