// Package keyfile loads and creates the RSA key flags are encrypted under.
package keyfile

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Load reads a PEM encoded RSA private key in PKCS#1 or PKCS#8 form
func Load(path string) (*rsa.PrivateKey, error) {
	keyPEM, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	return Parse(keyPEM)
}

// Parse decodes a PEM encoded RSA private key
func Parse(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode key PEM")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err2 != nil {
		return nil, fmt.Errorf("failed to parse key: %w (also tried PKCS8: %v)", err, err2)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an RSA key")
	}
	return key, nil
}

// Generate creates a key of the given size and, when path is set, writes it
// there with owner-only permissions
func Generate(path string, bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if path == "" {
		return key, nil
	}

	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}
	return key, nil
}

// LoadOrGenerate loads the key at path, creating it first if the file does
// not exist. An empty path gives a fresh key that is never written.
func LoadOrGenerate(path string, bits int) (key *rsa.PrivateKey, created bool, err error) {
	if path == "" {
		key, err = Generate("", bits)
		return key, true, err
	}
	key, err = Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		key, err = Generate(path, bits)
		return key, true, err
	}
	return key, false, err
}

// PublicPEM encodes a public key as a PKIX PEM block
func PublicPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
