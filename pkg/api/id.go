package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	decisionIDPrefix = "dec_"

	// MaxTenantIDLength bounds tenant identifiers accepted at the boundary.
	MaxTenantIDLength = 64
)

var (
	decisionIDPattern = regexp.MustCompile(`^dec_[a-zA-Z0-9]{24}$`)

	// Tenant ids are opaque but restricted to a safe alphabet so they can be
	// embedded in store keys, secret names and log lines without escaping.
	tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// NewDecisionID generates a new decision ID with the "dec_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewDecisionID() string {
	return decisionIDPrefix + randomAlphanumeric(idLength)
}

// ValidateDecisionID checks whether the given string is a valid decision ID.
func ValidateDecisionID(id string) bool {
	return decisionIDPattern.MatchString(id)
}

// ValidateTenantID reports whether id is a well-formed tenant identifier.
func ValidateTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
