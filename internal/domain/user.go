// Package domain holds the identities a call is made of. No transport or
// lifecycle logic lives here.
package domain

import (
	"errors"
	"strings"
	"unicode"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameInvalid = errors.New("username contains control characters")
)

// UserID is the relay-side identity of a client. It outlives a single peer
// id: a reconnecting client keeps its user but announces a new peer.
type UserID string

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NormalizeUsername trims surrounding whitespace.
func NormalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

func ValidateUsername(username string) error {
	if username == "" {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	if strings.IndexFunc(username, unicode.IsControl) >= 0 {
		return ErrUsernameInvalid
	}
	return nil
}
