// Package errors provides the error kinds surfaced by the GridKV client.
// Errors created here carry stack traces via github.com/pkg/errors so a
// logged error always points at the call site that produced it.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

type ErrorCode int

const (
	InternalError ErrorCode = iota
	InvalidConfiguration
	ClusterConnection
	ConnectionClosed
	ConnectionInactive
	ServerError
	UnknownEntry
	UnknownSlave
	EntryShutdown
)

// GridError is any kind of error that is exposed to the user of the client
// library.
type GridError struct {
	Code ErrorCode
	Msg  string
}

func (g GridError) Error() string {
	return g.Msg
}

func NewGridError(errorCode ErrorCode, msg string) GridError {
	return GridError{Code: errorCode, Msg: msg}
}

func NewGridErrorf(errorCode ErrorCode, msgFormat string, args ...interface{}) GridError {
	msg := fmt.Sprintf(fmt.Sprintf("GKV%04d - %s", errorCode, msgFormat), args...)
	return GridError{Code: errorCode, Msg: msg}
}

func NewInvalidConfigurationError(msg string) GridError {
	return NewGridErrorf(InvalidConfiguration, "Invalid configuration: %s", msg)
}

func NewClusterConnectionError(msg string) GridError {
	return NewGridErrorf(ClusterConnection, msg)
}

func NewConnectionClosedError(addr string) GridError {
	return NewGridErrorf(ConnectionClosed, "Connection to %s is closed", addr)
}

func NewConnectionInactiveError(addr string) GridError {
	return NewGridErrorf(ConnectionInactive, "Connection to %s is not active", addr)
}

// NewServerError wraps an error reply returned by a GridKV server.
func NewServerError(msg string) GridError {
	return NewGridError(ServerError, msg)
}

func NewUnknownEntryError(slot int) GridError {
	return NewGridErrorf(UnknownEntry, "No entry serves slot %d", slot)
}

func NewUnknownSlaveError(addr string) GridError {
	return NewGridErrorf(UnknownSlave, "No slave registered for address %s", addr)
}

// github.com/pkg/errors api - errors created or wrapped through these record
// a stack trace at the point of the call.

func New(message string) error {
	return errors.New(message)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Cause(err error) error {
	return errors.Cause(err)
}

// standard go errors api

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }
