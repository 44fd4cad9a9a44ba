package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Auth and decryption failures are
// surfaced immediately and never retried; transport failures retry locally
// before bubbling up.
var (
	// ErrAuth covers token, signature, and verification-token mismatches.
	ErrAuth = errors.New("authentication failed")

	// ErrDecryption covers malformed encrypted envelopes.
	ErrDecryption = errors.New("decryption failed")

	// ErrUnsupportedContent marks a recognized-but-unhandled message kind.
	// Not a failure path: it produces an informational reply and an ack.
	ErrUnsupportedContent = errors.New("unsupported message content")
)

// TransportError is a failed platform API call: either a non-success
// application code or an HTTP-level failure.
type TransportError struct {
	Code       int // platform error code, 0 if none
	HTTPStatus int
	Msg        string
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("platform error %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("transport error (HTTP %d): %s", e.HTTPStatus, e.Msg)
}
