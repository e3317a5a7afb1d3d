package frontend

import (
	"errors"
	"io"
	"net/http"
)

// readLimited reads body fully, returning *bodyTooLargeError if it
// exceeds limit bytes (spec §4.4 step 2, default 10 MiB, 413 response).
func readLimited(w http.ResponseWriter, body io.ReadCloser, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer body.Close()

	limited := http.MaxBytesReader(w, body, limit)
	data, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &bodyTooLargeError{}
		}
		return nil, err
	}
	return data, nil
}
