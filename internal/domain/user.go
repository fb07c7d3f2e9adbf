// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"unicode"

	"github.com/google/uuid"
)

// MaxUserIDLen bounds identities handed over by the identity provider.
const MaxUserIDLen = 128

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDInvalid = errors.New("user id contains control characters")
)

// UserID is the opaque identity assigned by the external identity provider.
type UserID string

// ConnectionID names one live transport session.
type ConnectionID string

// NewConnectionID is a tiny helper to avoid ad-hoc uuid calls in adapters.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// ParseUserID validates a claimed identity.
func ParseUserID(raw string) (UserID, error) {
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	for _, r := range raw {
		if unicode.IsControl(r) {
			return "", ErrUserIDInvalid
		}
	}
	return UserID(raw), nil
}
