package main

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	errDeliveryFailed = errors.New("delivery failed")
	errListenerClosed = errors.New("listener closed")
	errPoolClosed     = errors.New("pool closed")
)

const unhandledErrorMessage = "An unhandled error occurred, contact an administrator for more information"

// protocolError is a malformed or invalid client message. The connection
// stays open and the message is sent back as {error}.
type protocolError struct {
	msg string
}

func (e *protocolError) Error() string {
	return e.msg
}

func newProtocolError(format string, args ...interface{}) error {
	return &protocolError{msg: fmt.Sprintf(format, args...)}
}

// resourceError is a failure to acquire a listener from the pool.
type resourceError struct {
	err error
}

func (e *resourceError) Error() string {
	return fmt.Sprintf("listener unavailable: %v", e.err)
}

func (e *resourceError) Unwrap() error {
	return e.err
}

type errorKind int

const (
	kindInternal errorKind = iota
	kindNotFound
	kindBadRequest
	kindConflict
	kindConnRefused
)

func (k errorKind) String() string {
	switch k {
	case kindNotFound:
		return "not_found"
	case kindBadRequest:
		return "bad_request"
	case kindConflict:
		return "conflict"
	case kindConnRefused:
		return "connection_refused"
	default:
		return "internal"
	}
}

// databaseError is a listen/unlisten failure classified by SQLSTATE.
type databaseError struct {
	kind errorKind
	code string
	msg  string
	err  error
}

func (e *databaseError) Error() string {
	return e.msg
}

func (e *databaseError) Unwrap() error {
	return e.err
}

// classify maps a database error onto the user facing error kinds. The
// message of a classified PostgreSQL error is passed through to the client.
func classify(err error) *databaseError {
	var dbErr *databaseError
	if errors.As(err, &dbErr) {
		return dbErr
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		e := &databaseError{kind: kindInternal, code: pgErr.Code, msg: pgErr.Message, err: err}
		switch {
		case pgErr.Code == "42P01": // undefined_table
			e.kind = kindNotFound
		case pgErr.Code == "23505", pgErr.Code == "40001", pgErr.Code == "40P01":
			e.kind = kindConflict
		case strings.HasPrefix(pgErr.Code, "22"),
			strings.HasPrefix(pgErr.Code, "23"),
			strings.HasPrefix(pgErr.Code, "42"):
			e.kind = kindBadRequest
		default:
			e.msg = unhandledErrorMessage
		}
		return e
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &databaseError{kind: kindConnRefused, msg: "Connection refused", err: err}
	}
	return &databaseError{kind: kindInternal, msg: unhandledErrorMessage, err: err}
}
