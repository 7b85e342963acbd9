// Package merrors defines the error taxonomy shared across the manager
// subsystem: validation, authentication, transport and protocol failures
// all carry enough structure for callers to branch with errors.As, while
// still composing with fmt.Errorf("...: %w", err) the way the rest of the
// module wraps errors.
package merrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into one of the taxonomy buckets from the spec.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthentication    Kind = "authentication"
	KindHTTPApi           Kind = "http_api"
	KindBadDomain         Kind = "bad_domain"
	KindNetworkTimeout    Kind = "network_timeout"
	KindCommandTimeout    Kind = "command_timeout"
	KindCommand           Kind = "command"
	KindMqtt              Kind = "mqtt"
	KindUnconnected       Kind = "unconnected"
	KindParse             Kind = "parse"
	KindNotFound          Kind = "not_found"
	KindUnsupported       Kind = "unsupported"
	KindUnknownDeviceType Kind = "unknown_device_type"
	KindRateLimit         Kind = "rate_limit"
	KindOperationLocked   Kind = "operation_locked"
	KindApiLimitReached   Kind = "api_limit_reached"
	KindResourceDenied    Kind = "resource_access_denied"
	KindInitialization    Kind = "initialization"
)

// Error is the common shape for every taxonomy member. DeviceUUID is empty
// for manager-wide errors (spec §7: "deviceId=null").
type Error struct {
	Kind       Kind
	Message    string
	DeviceUUID string
	Code       int // API error code, when known; 0 otherwise
	Err        error
}

func (e *Error) Error() string {
	if e.DeviceUUID != "" {
		return fmt.Sprintf("%s: %s (device=%s)", e.Kind, e.Message, e.DeviceUUID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &merrors.Error{Kind: merrors.KindX}) match any
// *Error of the same Kind, in addition to the usual errors.As structural
// match.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func new(kind Kind, device string, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, DeviceUUID: device, Err: err}
}

func NewValidation(msg string) *Error { return new(KindValidation, "", msg, nil) }

func NewAuthentication(msg string, err error) *Error {
	return new(KindAuthentication, "", msg, err)
}

// NewHTTPApi represents a request-level HTTP failure with an optional API
// error code (0 when the failure is purely transport-level, e.g. non-2xx
// with no parseable API body).
func NewHTTPApi(msg string, code int, err error) *Error {
	e := new(KindHTTPApi, "", msg, err)
	e.Code = code
	return e
}

// BadDomainError carries the correct domains an API code 1030 response reported.
type BadDomainError struct {
	*Error
	ApiDomain  string
	MqttDomain string
}

func NewBadDomain(apiDomain, mqttDomain string) *BadDomainError {
	return &BadDomainError{
		Error:      new(KindBadDomain, "", "device domain has moved", nil),
		ApiDomain:  apiDomain,
		MqttDomain: mqttDomain,
	}
}

func NewNetworkTimeout(device string, timeout time.Duration) *Error {
	return new(KindNetworkTimeout, device, fmt.Sprintf("network timeout after %s", timeout), nil)
}

// CommandTimeoutError carries the command descriptor so callers can log
// what specifically never got a reply.
type CommandTimeoutError struct {
	*Error
	Deadline time.Time
	Command  string
}

func NewCommandTimeout(device, command string, deadline time.Time) *CommandTimeoutError {
	return &CommandTimeoutError{
		Error:    new(KindCommandTimeout, device, fmt.Sprintf("no reply for %q by %s", command, deadline.Format(time.RFC3339)), nil),
		Deadline: deadline,
		Command:  command,
	}
}

// CommandError wraps a device-returned method=ERROR payload.
type CommandError struct {
	*Error
	Payload any
}

func NewCommand(device string, payload any) *CommandError {
	return &CommandError{
		Error:   new(KindCommand, device, "device returned an error reply", nil),
		Payload: payload,
	}
}

func NewMqtt(msg string, err error) *Error { return new(KindMqtt, "", msg, err) }

func NewUnconnected(device string) *Error {
	return new(KindUnconnected, device, "no live transport for device", nil)
}

func NewParse(msg string, err error) *Error { return new(KindParse, "", msg, err) }

func NewNotFound(msg string) *Error       { return new(KindNotFound, "", msg, nil) }
func NewUnsupported(msg string) *Error    { return new(KindUnsupported, "", msg, nil) }
func NewUnknownDeviceType(t string) *Error {
	return new(KindUnknownDeviceType, "", fmt.Sprintf("unknown device type %q", t), nil)
}

func NewInitialization(msg string, err error) *Error {
	return new(KindInitialization, "", msg, err)
}

// FromAPICode centralises the mapping from Meross numeric API error codes
// to a Kind, per spec §7: "Mapping from numeric API codes to error kinds is
// centralised (single function). Unknown codes map to a generic HttpApi
// error with the code preserved."
func FromAPICode(code int, msg string) *Error {
	switch code {
	case 1028:
		return new(KindRateLimit, "", msg, nil).withCode(code)
	case 1030:
		return new(KindBadDomain, "", msg, nil).withCode(code)
	case 1035:
		return new(KindOperationLocked, "", msg, nil).withCode(code)
	case 1042:
		return new(KindApiLimitReached, "", msg, nil).withCode(code)
	case 1043:
		return new(KindResourceDenied, "", msg, nil).withCode(code)
	default:
		return NewHTTPApi(msg, code, nil)
	}
}

func (e *Error) withCode(code int) *Error {
	e.Code = code
	return e
}

// ErrCancelled is the error a pending call or queued request is rejected
// with when shutdown or an explicit cancel/clearQueue removes it.
var ErrCancelled = errors.New("cancelled")
