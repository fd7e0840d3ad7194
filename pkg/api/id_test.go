package api

import (
	"strings"
	"testing"
)

func TestNewDecisionID(t *testing.T) {
	id := NewDecisionID()
	if !ValidateDecisionID(id) {
		t.Errorf("NewDecisionID() = %q, want valid decision ID", id)
	}
	if NewDecisionID() == id {
		t.Error("two decision IDs collided")
	}
}

func TestValidateTenantID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"typical", "t_abc123", true},
		{"dashes", "tenant-01", true},
		{"max length", strings.Repeat("a", MaxTenantIDLength), true},
		{"too long", strings.Repeat("a", MaxTenantIDLength+1), false},
		{"empty", "", false},
		{"sql injection", "t_abc'; DROP TABLE tenants;--", false},
		{"path traversal", "../../etc/passwd", false},
		{"script", "<script>alert(1)</script>", false},
		{"colon", "tenant:other", false},
		{"whitespace", "t abc", false},
		{"null byte", "t_abc\x00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateTenantID(tt.id); got != tt.want {
				t.Errorf("ValidateTenantID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
