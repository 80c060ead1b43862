package domain

import (
	"errors"
)

var (
	ErrInvalidUUID   = errors.New("invalid uuid")
	ErrForbidden     = errors.New("access denied")
	ErrInvalidFilter = errors.New("invalid filter")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// NullableString maps the empty string to nil.
func NullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue returns the empty string for nil.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ClampLimit applies the default page size to 0 and caps larger requests.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
