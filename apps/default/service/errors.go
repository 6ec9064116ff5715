package service

import (
	"errors"
	"fmt"

	"connectrpc.com/connect"
)

// Reason is a stable numeric code identifying a class of domain failure.
// Codes are part of the client contract and must not be renumbered.
type Reason int32

const (
	ReasonGeneral              Reason = 1000
	ReasonInputData            Reason = 1001
	ReasonUnauthorized         Reason = 1002
	ReasonQueueConnection      Reason = 1003
	ReasonIntrospectConnection Reason = 1004
	ReasonStreamProcessing     Reason = 1005
	ReasonDBData               Reason = 1006
)

func (r Reason) String() string {
	switch r {
	case ReasonGeneral:
		return "GENERAL_ERROR"
	case ReasonInputData:
		return "INPUT_DATA_ERROR"
	case ReasonUnauthorized:
		return "UNAUTHORIZED"
	case ReasonQueueConnection:
		return "QUEUE_CONNECTION_ERROR"
	case ReasonIntrospectConnection:
		return "INTROSPECT_SERVICE_CONNECTION_ERROR"
	case ReasonStreamProcessing:
		return "STREAMING_PROCESSING_ERROR"
	case ReasonDBData:
		return "DB_DATA_PROCESSING_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is a domain failure carrying a reason code.
type Error struct {
	Reason  Reason
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%d %s: %s: %v", e.Reason, e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%d %s: %s", e.Reason, e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a domain error with the given reason code.
func NewError(reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message}
}

// WrapError creates a domain error wrapping an underlying cause.
func WrapError(reason Reason, message string, cause error) *Error {
	return &Error{Reason: reason, Message: message, Cause: cause}
}

// DeliveryError is a broker-side failure. Temporary failures are retryable;
// the rest are business rejections from the broker that must not be retried.
type DeliveryError struct {
	Temporary bool
	Message   string
	Cause     error
}

func (e *DeliveryError) Error() string {
	kind := "business"
	if e.Temporary {
		kind = "temporary"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s delivery failure: %s: %v", kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s delivery failure: %s", kind, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

var (
	ErrClientIDRequired = NewError(ReasonInputData, "client id is required")
	ErrTokenRequired    = NewError(ReasonUnauthorized, "an authorization token is required")
	ErrTokenMalformed   = NewError(ReasonUnauthorized, "malformed authorization header supplied")
	ErrTokenRejected    = NewError(ReasonUnauthorized, "authorization token is invalid")
)

// ToConnectError maps any internal failure to an RPC status. The mapping is
// total: errors with no explicit classification become internal errors.
func ToConnectError(err error) *connect.Error {
	if err == nil {
		return nil
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return connectErr
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		if deliveryErr.Temporary {
			return connect.NewError(connect.CodeUnavailable, deliveryErr)
		}
		return connect.NewError(connect.CodeFailedPrecondition, deliveryErr)
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		if domainErr.Reason == ReasonUnauthorized {
			return connect.NewError(connect.CodeUnauthenticated, domainErr)
		}
		return connect.NewError(connect.CodeInvalidArgument, domainErr)
	}

	return connect.NewError(connect.CodeInternal, err)
}
