package rpc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrType indicates the type of an Error. It is sent on the wire.
type ErrType int8

const (
	// ETUnknown is an error of unknown origin.
	ETUnknown ErrType = 0
	// ETMethodNotFound means the called method is not registered on the server.
	ETMethodNotFound ErrType = 1
	// ETDeadlineExceeded means the call deadline was exceeded.
	ETDeadlineExceeded ErrType = 2
	// ETBadData means the client sent data the server could not decode.
	ETBadData ErrType = 3
	// ETServer means the handler returned an error.
	ETServer ErrType = 4
	// ETClosed means the connection closed before the call finished. It is never sent.
	ETClosed ErrType = 5
)

func (e ErrType) String() string {
	switch e {
	case ETUnknown:
		return "unknown"
	case ETMethodNotFound:
		return "method not found"
	case ETDeadlineExceeded:
		return "deadline exceeded"
	case ETBadData:
		return "bad data"
	case ETServer:
		return "server"
	case ETClosed:
		return "closed"
	}
	return fmt.Sprintf("ErrType(%d)", int8(e))
}

// Error is an error of the RPC layer, as opposed to the service's own errors that travel in
// the response. Use errors.As to get one from an error returned by Client.Call().
type Error struct {
	Type ErrType
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error(%s): %s", e.Type, e.Msg)
}

// Is makes errors.Is(err, &Error{Type: t}) match any Error of type t.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Msg == "" || t.Msg == e.Msg)
}

// Errorf returns an Error of type code containing the error text of fmt.Sprintf(s, i...).
func Errorf(code ErrType, s string, i ...interface{}) error {
	return &Error{Type: code, Msg: fmt.Sprintf(s, i...)}
}

// TypeOf returns the ErrType of err, ETUnknown if it is not an Error.
func TypeOf(err error) ErrType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ETUnknown
}

// Retryable indicates that the error is retryable. Only exceeded deadlines are.
func Retryable(err error) bool {
	return err != nil && TypeOf(err) == ETDeadlineExceeded
}
