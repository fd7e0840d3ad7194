package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodySize is the largest request body the gateway verifies (1 MiB).
const MaxBodySize int64 = 1 << 20

// ErrBodyTooLarge is returned when a body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// ReadBody reads at most limit bytes of r's body and replaces r.Body with a
// reader over the same bytes so downstream handlers see it unchanged.
// An absent body yields an empty, non-nil slice since HTTP cannot tell
// "no body" from "empty body".
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = MaxBodySize
	}
	if r.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrBodyTooLarge, r.ContentLength, limit)
	}
	body := []byte{}
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		if int64(len(b)) > limit {
			return nil, fmt.Errorf("%w: max %d bytes", ErrBodyTooLarge, limit)
		}
		body = append(body, b...)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	return body, nil
}
