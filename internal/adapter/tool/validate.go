package tool

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"
)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// ValidateEnum checks that value is one of the allowed values.
// An empty value is allowed (treated as "not set").
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" || slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("invalid %s %q (want: %s)", name, value, strings.Join(allowed, ", "))
}

// ValidateEmail checks that value is a bare address and returns it lowercased.
func ValidateEmail(value string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(value))
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("invalid email address %q", value)
	}
	return strings.ToLower(addr.Address), nil
}

// emailDomain returns the part after the last @.
func emailDomain(addr string) string {
	return addr[strings.LastIndexByte(addr, '@')+1:]
}
