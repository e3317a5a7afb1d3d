package tunnelclient

import "errors"

// Sentinel errors for client operations.
var (
	// ErrShutdown indicates the client was shut down intentionally (e.g.
	// via context cancellation or a termination signal).
	ErrShutdown = errors.New("tunnelclient: shutdown")

	// ErrSubdomainConflict indicates the server rejected registration
	// because the subdomain is already claimed by another session.
	ErrSubdomainConflict = errors.New("tunnelclient: subdomain already in use")

	// ErrVersionMismatch indicates the server rejected registration
	// because of a protocol version mismatch.
	ErrVersionMismatch = errors.New("tunnelclient: protocol version mismatch")

	// ErrMaxRetriesExceeded indicates the maximum number of reconnection
	// attempts was reached.
	ErrMaxRetriesExceeded = errors.New("tunnelclient: maximum reconnection attempts exceeded")
)

// isPermanentError reports whether err should stop reconnection attempts
// entirely rather than trigger another backoff-and-retry cycle.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrShutdown) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrMaxRetriesExceeded)
}
