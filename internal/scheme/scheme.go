// Package scheme wraps the RSA padding schemes flags are encrypted under.
package scheme

import (
	"fmt"
	"sort"
	"strings"
)

// Scheme names
const (
	PKCS1v15 = "PKCS1v15"
	OAEP     = "OAEP"
	Raw      = "raw"
)

var aliases = map[string]string{
	"pkcs1v15":   PKCS1v15,
	"pkcs1v1.5":  PKCS1v15,
	"pkcs1_v1_5": PKCS1v15,
	"pkcs_1_5":   PKCS1v15,
	"oaep":       OAEP,
	"pkcs_oaep":  OAEP,
	"raw":        Raw,
	"nopadding":  Raw,
	"none":       Raw,
}

// Canonical maps the accepted spellings of a scheme name to its canonical form
func Canonical(name string) (string, error) {
	if c, ok := aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown padding scheme %q", name)
}

// Encrypter encrypts plaintexts under one padding scheme
type Encrypter interface {
	// Name returns the canonical scheme name
	Name() string

	// Encrypt returns a modulus-sized ciphertext
	Encrypt(plaintext []byte) ([]byte, error)

	// MaxPlaintext returns the longest plaintext Encrypt accepts
	MaxPlaintext() int
}

// Registry holds the encrypters for one key
type Registry struct {
	encrypters map[string]Encrypter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		encrypters: make(map[string]Encrypter),
	}
}

// Register adds an encrypter, replacing any with the same name
func (r *Registry) Register(e Encrypter) {
	r.encrypters[e.Name()] = e
}

// Get returns an encrypter by name, or nil
func (r *Registry) Get(name string) Encrypter {
	if c, err := Canonical(name); err == nil {
		name = c
	}
	return r.encrypters[name]
}

// List returns all registered scheme names, sorted
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.encrypters))
	for name := range r.encrypters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
