package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Class classifies a remote failure for retry decisions.
type Class int

const (
	// ClassTransient covers transport failures and 5xx responses: the same
	// request may succeed later.
	ClassTransient Class = iota
	// ClassRejected covers 4xx responses: the remote system refused the
	// payload as structurally invalid. Retrying cannot succeed.
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Error is a classified remote failure.
type Error struct {
	Class      Class
	StatusCode int
	Msg        string
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote: %s (%d): %s", e.Class, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("remote: %s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// classifyStatus maps an HTTP status to a Class. Classification is by code,
// never by body text.
func classifyStatus(code int) Class {
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests &&
		code != http.StatusRequestTimeout {
		return ClassRejected
	}
	return ClassTransient
}

// IsTransient reports whether err is a transient remote failure.
func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Class == ClassTransient
	}
	// Unclassified errors (e.g. context cancellation mid-drain) are treated
	// as transient: bounded by the attempt ceiling either way.
	return true
}

// IsRejected reports whether err is a structural rejection.
func IsRejected(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Class == ClassRejected
}
