package domain

import (
	"regexp"
)

// KeySeparator joins the components of every derived storage and cache key.
const KeySeparator = '#'

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateTenantID rejects tenant identifiers that could collide with, or
// escape from, the tenant prefix of derived keys.
func ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return NewValidationError("tenantId", "is required")
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return NewValidationError("tenantId", "is malformed")
	}
	return nil
}
