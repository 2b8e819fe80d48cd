// Package flagfmt handles the textual form of flags: fixed-length lower-case
// hex of the artifact plaintext.
package flagfmt

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Format recognizes and canonicalizes submissions for one flag length
type Format struct {
	length  int
	pattern *regexp.Regexp
}

// New creates a format for flags of length plaintext bytes
func New(length int) *Format {
	pattern := regexp.MustCompile(`^[0-9a-f]{` + fmt.Sprintf("%d", 2*length) + `}$`)

	return &Format{
		length:  length,
		pattern: pattern,
	}
}

// Length returns the plaintext length in bytes
func (f *Format) Length() int {
	return f.length
}

// Encode returns the canonical submission string for a plaintext
func (f *Format) Encode(plaintext []byte) string {
	return hex.EncodeToString(plaintext)
}

// Normalize trims surrounding whitespace and lower-cases a submission
func (f *Format) Normalize(submission string) string {
	return strings.ToLower(strings.TrimSpace(submission))
}

// Valid reports whether a submission has the right length and alphabet.
// Case and surrounding whitespace are ignored.
func (f *Format) Valid(submission string) bool {
	return f.pattern.MatchString(f.Normalize(submission))
}

// Matches reports whether a submission names the given plaintext
func (f *Format) Matches(submission string, plaintext []byte) bool {
	if len(plaintext) != f.length {
		return false
	}
	return f.Normalize(submission) == f.Encode(plaintext)
}

// Decode parses a valid submission back into plaintext bytes
func (f *Format) Decode(submission string) ([]byte, error) {
	if !f.Valid(submission) {
		return nil, fmt.Errorf("invalid flag format: want %d hex characters", 2*f.length)
	}
	return hex.DecodeString(f.Normalize(submission))
}
