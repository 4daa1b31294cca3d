// Package apperr classifies dispatch failures so transports can map them
// to client or server errors without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindForbidden
	KindUnauthorized
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	case KindUpstream:
		return "upstream_unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Two errors with the same Code are treated
// as equal by errors.Is, so sentinels survive re-wrapping with a new message.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

var (
	ErrInvalidCoordinate  = &Error{Kind: KindValidation, Code: "invalid_coordinate", Msg: "invalid coordinate"}
	ErrMissingField       = &Error{Kind: KindValidation, Code: "missing_field", Msg: "missing required field"}
	ErrInvalidResponse    = &Error{Kind: KindValidation, Code: "invalid_response", Msg: "invalid response"}
	ErrNoDriversAvailable = &Error{Kind: KindNotFound, Code: "no_drivers_available", Msg: "no nearby drivers available"}
	ErrRideNotFound       = &Error{Kind: KindNotFound, Code: "ride_not_found", Msg: "ride not found"}
	ErrDriverNotFound     = &Error{Kind: KindNotFound, Code: "driver_not_found", Msg: "driver not found"}
	ErrRideAlreadyTaken   = &Error{Kind: KindConflict, Code: "ride_already_taken", Msg: "ride already taken"}
	ErrInvalidTransition  = &Error{Kind: KindConflict, Code: "invalid_transition", Msg: "invalid ride transition"}
	ErrNotRideParticipant = &Error{Kind: KindForbidden, Code: "not_ride_participant", Msg: "caller is not a participant of this ride"}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized, Code: "unauthorized", Msg: "unauthorized"}
)

// With returns a copy of sentinel carrying a more specific message.
func With(sentinel *Error, format string, args ...any) error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: fmt.Sprintf(format, args...)}
}

// Upstream marks err as a store or broker failure eligible for retry.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == KindUpstream {
		return err
	}
	return &Error{Kind: KindUpstream, Code: "upstream_unavailable", Msg: op, Err: err}
}

// KindOf reports the classification of err, KindUnknown for plain errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// CodeOf returns the machine readable code of err or "internal".
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return "internal"
}

func IsUpstream(err error) bool { return KindOf(err) == KindUpstream }
