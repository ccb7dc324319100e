package vncrelay

import (
	"crypto/subtle"
	"os"
	"strings"
)

// AuthToken validates candidates against a secret file. The file is read
// fresh on every validation so a rotation takes effect immediately.
type AuthToken struct {
	path string
}

// NewAuthToken creates a validator over the given secret file.
func NewAuthToken(path string) *AuthToken {
	return &AuthToken{path: path}
}

// Current returns the live secret, trimmed of surrounding whitespace.
func (t *AuthToken) Current() (string, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Validate reports whether candidate equals the live secret. The comparison
// is constant-time; an unreadable or empty secret file rejects everything.
func (t *AuthToken) Validate(candidate string) bool {
	secret, err := t.Current()
	if err != nil || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1
}
