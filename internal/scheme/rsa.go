package scheme

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"math/big"
	"strings"

	// hash implementations for OAEPEncrypter
	_ "crypto/sha1"
	_ "crypto/sha256"
)

// PKCS1v15Encrypter encrypts with RSAES-PKCS1-v1_5
type PKCS1v15Encrypter struct {
	pub  *rsa.PublicKey
	rand io.Reader
}

// NewPKCS1v15 creates a PKCS#1 v1.5 encrypter
func NewPKCS1v15(pub *rsa.PublicKey) *PKCS1v15Encrypter {
	return &PKCS1v15Encrypter{pub: pub, rand: rand.Reader}
}

// Name returns "PKCS1v15"
func (e *PKCS1v15Encrypter) Name() string { return PKCS1v15 }

// Encrypt pads and encrypts plaintext
func (e *PKCS1v15Encrypter) Encrypt(plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(e.rand, e.pub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("pkcs1v15 encrypt: %w", err)
	}
	return ct, nil
}

// MaxPlaintext returns k-11
func (e *PKCS1v15Encrypter) MaxPlaintext() int {
	return e.pub.Size() - 11
}

// OAEPEncrypter encrypts with RSAES-OAEP and an empty label
type OAEPEncrypter struct {
	pub  *rsa.PublicKey
	hash crypto.Hash
	rand io.Reader
}

// NewOAEP creates an OAEP encrypter. h defaults to SHA-1 when zero.
func NewOAEP(pub *rsa.PublicKey, h crypto.Hash) *OAEPEncrypter {
	if h == 0 {
		h = crypto.SHA1
	}
	return &OAEPEncrypter{pub: pub, hash: h, rand: rand.Reader}
}

// Name returns "OAEP"
func (e *OAEPEncrypter) Name() string { return OAEP }

// Encrypt pads and encrypts plaintext
func (e *OAEPEncrypter) Encrypt(plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(e.hash.New(), e.rand, e.pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("oaep encrypt: %w", err)
	}
	return ct, nil
}

// MaxPlaintext returns k-2h-2
func (e *OAEPEncrypter) MaxPlaintext() int {
	return e.pub.Size() - 2*e.hash.Size() - 2
}

// RawEncrypter computes textbook m^e mod n with no padding
type RawEncrypter struct {
	pub *rsa.PublicKey
}

// NewRaw creates an unpadded encrypter
func NewRaw(pub *rsa.PublicKey) *RawEncrypter {
	return &RawEncrypter{pub: pub}
}

// Name returns "raw"
func (e *RawEncrypter) Name() string { return Raw }

// Encrypt raises plaintext to e modulo n
func (e *RawEncrypter) Encrypt(plaintext []byte) ([]byte, error) {
	m := new(big.Int).SetBytes(plaintext)
	if m.Cmp(e.pub.N) >= 0 {
		return nil, fmt.Errorf("raw encrypt: message too long for modulus")
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(e.pub.E)), e.pub.N)
	out := make([]byte, e.pub.Size())
	return c.FillBytes(out), nil
}

// MaxPlaintext returns k-1, the longest byte string always below n
func (e *RawEncrypter) MaxPlaintext() int {
	return e.pub.Size() - 1
}

// MaxPlaintext returns the longest plaintext a scheme accepts under a key of
// keySize bytes. oaepHash defaults to SHA-1 when zero.
func MaxPlaintext(name string, keySize int, oaepHash crypto.Hash) (int, error) {
	c, err := Canonical(name)
	if err != nil {
		return 0, err
	}
	switch c {
	case PKCS1v15:
		return keySize - 11, nil
	case OAEP:
		if oaepHash == 0 {
			oaepHash = crypto.SHA1
		}
		return keySize - 2*oaepHash.Size() - 2, nil
	default:
		return keySize - 1, nil
	}
}

// ParseHash maps a config hash name to a crypto.Hash
func ParseHash(name string) (crypto.Hash, error) {
	switch strings.ReplaceAll(strings.ToLower(name), "-", "") {
	case "", "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	default:
		return 0, fmt.Errorf("unsupported OAEP hash %q", name)
	}
}

// NewDefaultRegistry registers all three schemes for pub
func NewDefaultRegistry(pub *rsa.PublicKey, oaepHash crypto.Hash) *Registry {
	r := NewRegistry()
	r.Register(NewPKCS1v15(pub))
	r.Register(NewOAEP(pub, oaepHash))
	r.Register(NewRaw(pub))
	return r
}
