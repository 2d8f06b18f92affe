// Package errors provides error classification and the typed relay error kinds
// shared by the bus adapter, the subscription registry and the gateway.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Relay error kinds. Match them with errors.Is; a *ChannelError carrying one
// of them as its Kind satisfies the match.
var (
	ErrInvalidChannelName   = errors.New("invalid channel name")
	ErrBusSubscribeFailed   = errors.New("bus subscribe failed")
	ErrBusUnsubscribeFailed = errors.New("bus unsubscribe failed")
	ErrBusConnectFailed     = errors.New("bus connect failed")
)

// Connection, queue and configuration conditions
var (
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrSendQueueFull     = errors.New("send queue full")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// ChannelError reports a failed relay operation on one channel.
type ChannelError struct {
	Kind    error
	Channel string
	Err     error
}

// NewChannelError creates a ChannelError of the given kind.
func NewChannelError(kind error, channel string, err error) *ChannelError {
	return &ChannelError{Kind: kind, Channel: channel, Err: err}
}

// Error implements the error interface
func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: channel %q", e.Kind, e.Channel)
	}
	return fmt.Sprintf("%v: channel %q: %v", e.Kind, e.Channel, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ChannelError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ChannelOf returns the channel carried by the first ChannelError in err's chain.
func ChannelOf(err error) (string, bool) {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Channel, true
	}
	return "", false
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// kindClasses maps the relay kinds to a class when no ClassifiedError in the
// chain decides. Order matters: a ChannelError matches both its kind and its
// cause, and the first listed kind wins.
var kindClasses = []struct {
	kind  error
	class ErrorClass
}{
	{ErrBusConnectFailed, ErrorFatal},
	{ErrInvalidConfig, ErrorInvalid},
	{ErrInvalidChannelName, ErrorInvalid},
	{ErrBusSubscribeFailed, ErrorTransient},
	{ErrBusUnsubscribeFailed, ErrorTransient},
}

// Classify returns the class of err. The outermost ClassifiedError decides,
// then the relay kinds. Anything else, including nil, is transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	for _, kc := range kindClasses {
		if errors.Is(err, kc.kind) {
			return kc.class
		}
	}
	return ErrorTransient
}

// IsTransient reports whether err may succeed if retried
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ErrorTransient
}

// IsFatal reports whether err should stop the relay
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}

// IsInvalid reports whether err was caused by bad input or configuration
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ErrorInvalid
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
