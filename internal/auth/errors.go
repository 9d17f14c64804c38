package auth

import (
	"errors"
	"time"
)

// ErrorKind distinguishes authentication failures.
type ErrorKind int

const (
	// KindMalformed means the PIN failed structural validation. Costs no
	// lockout attempt.
	KindMalformed ErrorKind = iota
	// KindInvalidCredential means the PIN did not match (or the user is not
	// cached). Counts toward lockout.
	KindInvalidCredential
	// KindLockedOut means the user is temporarily locked out.
	KindLockedOut
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindLockedOut:
		return "locked_out"
	default:
		return "unknown"
	}
}

// AuthError is a typed authentication failure.
type AuthError struct {
	Kind ErrorKind
	// Until is the lockout expiry. Set only for KindLockedOut.
	Until time.Time
	// AttemptsRemaining is how many more failures engage the lockout. Set
	// only for KindInvalidCredential.
	AttemptsRemaining int
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case KindMalformed:
		return "auth: malformed PIN"
	case KindLockedOut:
		return "auth: locked out until " + e.Until.Format(time.RFC3339)
	default:
		return "auth: invalid credential"
	}
}

// AsAuthError unwraps an AuthError from err, if present.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	ok := errors.As(err, &ae)
	return ae, ok
}
