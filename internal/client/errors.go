package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/muurk/qlink/internal/protocol"
)

// ErrorType represents the category of a link error
type ErrorType int

const (
	// ErrTypeFraming indicates a corrupt packet or envelope stream
	ErrTypeFraming ErrorType = iota
	// ErrTypeRegistration indicates the instrument rejected the registration
	ErrTypeRegistration
	// ErrTypeTimeout indicates a registration, data, status or connection timeout
	ErrTypeTimeout
	// ErrTypeContinuity indicates an unusable continuity snapshot
	ErrTypeContinuity
	// ErrTypeCodec indicates a block that could not be compressed or decompressed
	ErrTypeCodec
	// ErrTypeMedia indicates the continuity store could not be read or written
	ErrTypeMedia
	// ErrTypeNetwork indicates a socket level error
	ErrTypeNetwork
	// ErrTypeConfig indicates the configuration blob could not be used
	ErrTypeConfig
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeFraming:
		return "Framing Error"
	case ErrTypeRegistration:
		return "Registration Error"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeContinuity:
		return "Continuity Error"
	case ErrTypeCodec:
		return "Codec Error"
	case ErrTypeMedia:
		return "Media Error"
	case ErrTypeNetwork:
		return "Network Error"
	case ErrTypeConfig:
		return "Configuration Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// Timeout identifies which timer expired.
type Timeout int

const (
	TimeoutNone Timeout = iota
	TimeoutRegistration
	TimeoutData
	TimeoutStatus
	TimeoutConnection
)

func (t Timeout) String() string {
	switch t {
	case TimeoutRegistration:
		return "registration"
	case TimeoutData:
		return "data"
	case TimeoutStatus:
		return "status"
	case TimeoutConnection:
		return "max_connection"
	default:
		return "none"
	}
}

// LinkError is an error raised by the link. Errors with Retryable set
// return the link to WAIT; the others only affect one channel or the
// continuity of the session.
type LinkError struct {
	Type         ErrorType
	Message      string
	Err          error
	Registration protocol.RegistrationError // for ErrTypeRegistration
	Timeout      Timeout                    // for ErrTypeTimeout
	Channel      string                     // for ErrTypeCodec
	Retryable    bool
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *LinkError) Unwrap() error {
	return e.Err
}

// NewFramingError creates a framing error
func NewFramingError(message string, err error) *LinkError {
	return &LinkError{Type: ErrTypeFraming, Message: message, Err: err, Retryable: true}
}

// NewRegistrationError creates a registration error from the text of an
// error envelope.
func NewRegistrationError(text string) *LinkError {
	return &LinkError{
		Type:         ErrTypeRegistration,
		Message:      text,
		Registration: protocol.ClassifyError(text),
		Retryable:    true,
	}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(which Timeout, after time.Duration) *LinkError {
	return &LinkError{
		Type:      ErrTypeTimeout,
		Message:   fmt.Sprintf("%s timeout after %v", which, after),
		Timeout:   which,
		Retryable: true,
	}
}

// NewContinuityError creates a continuity error
func NewContinuityError(message string, err error) *LinkError {
	return &LinkError{Type: ErrTypeContinuity, Message: message, Err: err}
}

// NewCodecError creates a codec error for one channel
func NewCodecError(channel string, err error) *LinkError {
	return &LinkError{Type: ErrTypeCodec, Message: "block abandoned", Err: err, Channel: channel}
}

// NewMediaError creates a continuity store error
func NewMediaError(message string, err error) *LinkError {
	return &LinkError{Type: ErrTypeMedia, Message: message, Err: err}
}

// NewConfigError creates a configuration error
func NewConfigError(message string, err error) *LinkError {
	return &LinkError{Type: ErrTypeConfig, Message: message, Err: err, Retryable: true}
}

// NewNetworkError classifies a socket error.
func NewNetworkError(message string, err error) *LinkError {
	e := &LinkError{Type: ErrTypeNetwork, Message: message, Err: err, Retryable: true}
	if os.IsTimeout(err) {
		e.Message = message + ": timed out"
		return e
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED):
			e.Message = message + ": connection refused"
		case errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			e.Message = message + ": host unreachable"
		case errors.Is(opErr.Err, syscall.ENETUNREACH):
			e.Message = message + ": network unreachable"
		}
	}
	return e
}

func isType(err error, t ErrorType) bool {
	var le *LinkError
	return errors.As(err, &le) && le.Type == t
}

// IsFramingError checks if an error is a framing error
func IsFramingError(err error) bool { return isType(err, ErrTypeFraming) }

// IsRegistrationError checks if an error is a registration error
func IsRegistrationError(err error) bool { return isType(err, ErrTypeRegistration) }

// IsTimeoutError checks if an error is a link timeout
func IsTimeoutError(err error) bool { return isType(err, ErrTypeTimeout) }

// IsContinuityError checks if an error is a continuity error
func IsContinuityError(err error) bool { return isType(err, ErrTypeContinuity) }

// IsCodecError checks if an error is a codec error
func IsCodecError(err error) bool { return isType(err, ErrTypeCodec) }

// IsMediaError checks if an error is a continuity store error
func IsMediaError(err error) bool { return isType(err, ErrTypeMedia) }

// IsNetworkError checks if an error is a socket error
func IsNetworkError(err error) bool { return isType(err, ErrTypeNetwork) }

// IsRetryable checks if an error returns the link to WAIT
func IsRetryable(err error) bool {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// Retry delays
const (
	// ConnectRetry is the wait after a failed dial
	ConnectRetry = 10 * time.Minute
	// InvalidRetry is the wait after a rejected registration
	InvalidRetry = 10 * time.Minute
	// NotReadyRetry is the wait when the instrument is not ready
	NotReadyRetry = 5 * time.Second
)

// backoff is the wait after consecutive connection faults; the last entry
// repeats.
var backoff = [...]time.Duration{
	30 * time.Second,
	10 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	60 * time.Second,
}

// Backoff returns the wait after the n-th consecutive fault, counting from
// zero.
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(backoff) {
		n = len(backoff) - 1
	}
	return backoff[n]
}

// retryDelay returns the wait before the next registration attempt after
// err, where faults is the number of consecutive faults before this one.
func retryDelay(err error, faults int) time.Duration {
	var le *LinkError
	if !errors.As(err, &le) {
		return Backoff(faults)
	}
	switch le.Type {
	case ErrTypeNetwork:
		if isDialError(le) {
			return ConnectRetry
		}
	case ErrTypeRegistration:
		switch le.Registration {
		case protocol.RegNotReady:
			return NotReadyRetry
		case protocol.RegInvalid:
			return InvalidRetry
		}
	}
	return Backoff(faults)
}

func isDialError(le *LinkError) bool {
	var opErr *net.OpError
	return errors.As(le.Err, &opErr) && opErr.Op == "dial"
}
