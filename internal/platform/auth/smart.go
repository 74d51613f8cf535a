package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// SMARTScope represents a parsed SMART on FHIR resource scope in either
// syntax.
//
//	v1: <context>/<resourceType>.(read|write|*)
//	v2: <context>/<resourceType>.<c?r?u?d?s?>[?param=value...]
type SMARTScope struct {
	Raw          string
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Observation" or "*"
	Permissions  string // "read"/"write"/"*" for v1, letters for v2
	Query        string // granular constraint without the leading '?'
	Version      int
}

var scopePattern = regexp.MustCompile(`^(patient|user|system)/(\*|[A-Za-z]+)\.(\*|read|write|c?r?u?d?s?)(\?.*)?$`)

// v1 permission words and their v2 letter equivalents.
var v1ToV2 = map[string]string{
	"read":  "rs",
	"write": "cud",
	"*":     "cruds",
}

// ParseSMARTScope parses a resource-level scope. Non-resource scopes such as
// "openid" or "launch/patient" return an error.
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	m := scopePattern.FindStringSubmatch(scope)
	if m == nil || m[3] == "" {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}

	s := &SMARTScope{
		Raw:          scope,
		Context:      m[1],
		ResourceType: m[2],
		Permissions:  m[3],
		Query:        strings.TrimPrefix(m[4], "?"),
		Version:      2,
	}
	if _, ok := v1ToV2[s.Permissions]; ok {
		if s.Query != "" {
			return nil, fmt.Errorf("granular constraint not allowed on v1 scope: %s", scope)
		}
		s.Version = 1
	}
	return s, nil
}

// V2 renders the scope in SMART v2 syntax.
func (s *SMARTScope) V2() string {
	perms := s.Permissions
	if s.Version == 1 {
		perms = v1ToV2[perms]
	}
	out := s.Context + "/" + s.ResourceType + "." + perms
	if s.Query != "" {
		out += "?" + s.Query
	}
	return out
}

// V1 renders the scope in SMART v1 syntax. Granular scopes and permission
// sets with no v1 word have no v1 form.
func (s *SMARTScope) V1() (string, bool) {
	if s.Version == 1 {
		return s.Raw, true
	}
	if s.Query != "" {
		return "", false
	}
	for word, letters := range v1ToV2 {
		if letters == s.Permissions {
			return s.Context + "/" + s.ResourceType + "." + word, true
		}
	}
	return "", false
}

// CanRead reports whether the scope grants read or search.
func (s *SMARTScope) CanRead() bool {
	if s.Version == 1 {
		return s.Permissions == "read" || s.Permissions == "*"
	}
	return strings.ContainsAny(s.Permissions, "rs")
}

// containsScope checks if a space-separated scope string contains a specific scope.
func containsScope(scopeStr, target string) bool {
	for _, s := range strings.Fields(scopeStr) {
		if s == target {
			return true
		}
	}
	return false
}

// pkceScopePattern matches the compact v2 scopes that force PKCE. Only a
// single-character resource type qualifies, so patient/*.rs does and
// patient/Patient.rs does not.
var pkceScopePattern = regexp.MustCompile(`^(patient|user|system|\*)/[\w*]\.c?r?u?d?s?$`)

// requiresPKCE reports whether any granted scope forces PKCE.
func requiresPKCE(scopeStr string) bool {
	for _, s := range strings.Fields(scopeStr) {
		if pkceScopePattern.MatchString(s) {
			return true
		}
	}
	return false
}
