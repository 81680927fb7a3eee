package status

import (
	"fmt"
	"strings"
)

// Scope kind constants
const (
	ScopeKindDistrict = "district"
	ScopeKindSchool   = "school"
)

// scopeSeparator joins the scope kind and the external identifier
const scopeSeparator = ":"

// DistrictScope returns the scope string for a district
func DistrictScope(externalID string) string {
	return ScopeKindDistrict + scopeSeparator + externalID
}

// SchoolScope returns the scope string for a school
func SchoolScope(externalID string) string {
	return ScopeKindSchool + scopeSeparator + externalID
}

// ParseScope splits a scope string into its kind and external identifier
func ParseScope(scope string) (kind, externalID string, err error) {
	parts := strings.SplitN(scope, scopeSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid scope format: %q", scope)
	}
	if parts[0] != ScopeKindDistrict && parts[0] != ScopeKindSchool {
		return "", "", fmt.Errorf("unknown scope kind: %q", parts[0])
	}
	return parts[0], parts[1], nil
}
