// Package signature verifies HMAC-SHA256 request signatures.
//
// The signed message is the request timestamp, a single newline, and the
// exact bytes of the request body. The body is never decoded or
// re-serialized before hashing; a client that re-encodes its JSON before
// signing will not verify.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Length is the exact length of a valid signature: 32 bytes, lowercase hex.
const Length = sha256.Size * 2

// Failure is the internal sub-reason a signature did not verify. Callers
// must not expose it to clients.
type Failure int

const (
	FailureNone Failure = iota
	FailureMissing
	FailureWrongLength
	FailureNonHex
	FailureMismatch
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureMissing:
		return "missing"
	case FailureWrongLength:
		return "wrong_length"
	case FailureNonHex:
		return "non_hex"
	case FailureMismatch:
		return "mismatch"
	}
	return "unknown"
}

// Malformed reports whether the failure is about the signature's shape
// rather than its value.
func (f Failure) Malformed() bool {
	return f == FailureWrongLength || f == FailureNonHex
}

// Result is the outcome of Verify.
type Result struct {
	Failure Failure
}

// OK reports whether the signature verified.
func (r Result) OK() bool {
	return r.Failure == FailureNone
}

// Message builds the canonical signed message: timestamp + "\n" + body.
func Message(timestamp string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '\n')
	return append(msg, body...)
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonical message.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(Message(timestamp, body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against the signature computed from secret, timestamp
// and body. The expected value is always computed in full, and the final
// comparison is constant-time, so the time taken does not depend on how
// many leading characters of sig are correct.
func Verify(secret []byte, timestamp string, body []byte, sig string) Result {
	expected := Sign(secret, timestamp, body)

	switch {
	case sig == "":
		return Result{Failure: FailureMissing}
	case len(sig) != Length:
		return Result{Failure: FailureWrongLength}
	case !isLowerHex(sig):
		return Result{Failure: FailureNonHex}
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return Result{Failure: FailureMismatch}
	}
	return Result{}
}

// isLowerHex reports whether s contains only [0-9a-f]. Uppercase hex is
// rejected: the canonical encoding is lowercase.
func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
