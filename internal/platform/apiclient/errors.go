package apiclient

import (
	"errors"
	"fmt"
)

// Kind classifies a failed backend call. The session engine branches on
// the kind, never on status codes or error strings.
type Kind int

const (
	// KindNetwork is a transport-level failure: the request never produced
	// an HTTP response.
	KindNetwork Kind = iota
	// KindInvalidCredential means the server rejected the presented token
	// or credentials (401/403).
	KindInvalidCredential
	// KindAuthorityUnavailable means the permission authority could not
	// answer; callers fall back to role defaults.
	KindAuthorityUnavailable
	// KindServer is any other non-2xx response.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindAuthorityUnavailable:
		return "authority_unavailable"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by all client calls.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == kind
}
