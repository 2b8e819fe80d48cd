package scheme

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"sync"
	"testing"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			t.Fatalf("GenerateKey() error: %v", err)
		}
		testKey = k
	})
	return testKey
}

func TestCanonical(t *testing.T) {
	testCases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"PKCS1v15", PKCS1v15, false},
		{"PKCS1v1.5", PKCS1v15, false},
		{"PKCS_1_5", PKCS1v15, false},
		{"oaep", OAEP, false},
		{"PKCS_OAEP", OAEP, false},
		{"NOPADDING", Raw, false},
		{" raw ", Raw, false},
		{"rot13", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := Canonical(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Canonical(%q) expected error", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Canonical(%q) error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("Canonical(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	k := key(t)
	r := NewDefaultRegistry(&k.PublicKey, crypto.SHA1)

	names := r.List()
	if len(names) != 3 {
		t.Fatalf("List() = %v, want 3 schemes", names)
	}
	if r.Get("PKCS_1_5") == nil {
		t.Error("Get(PKCS_1_5) should resolve the alias")
	}
	if r.Get("unknown") != nil {
		t.Error("Get(unknown) should return nil")
	}
}

func TestPKCS1v15_RoundTrip(t *testing.T) {
	k := key(t)
	e := NewPKCS1v15(&k.PublicKey)
	msg := []byte("0123456789abcdef")

	ct, err := e.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if len(ct) != k.Size() {
		t.Errorf("ciphertext length = %d, want %d", len(ct), k.Size())
	}

	pt, err := rsa.DecryptPKCS1v15(nil, k, ct)
	if err != nil {
		t.Fatalf("DecryptPKCS1v15() error: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Errorf("decrypted = %x, want %x", pt, msg)
	}
}

func TestOAEP_RoundTrip(t *testing.T) {
	k := key(t)

	for _, h := range []crypto.Hash{crypto.SHA1, crypto.SHA256} {
		t.Run(h.String(), func(t *testing.T) {
			e := NewOAEP(&k.PublicKey, h)
			msg := []byte("0123456789abcdef")

			ct, err := e.Encrypt(msg)
			if err != nil {
				t.Fatalf("Encrypt() error: %v", err)
			}
			pt, err := rsa.DecryptOAEP(h.New(), nil, k, ct, nil)
			if err != nil {
				t.Fatalf("DecryptOAEP() error: %v", err)
			}
			if !bytes.Equal(pt, msg) {
				t.Errorf("decrypted = %x, want %x", pt, msg)
			}
		})
	}
}

func TestRaw_RoundTrip(t *testing.T) {
	k := key(t)
	e := NewRaw(&k.PublicKey)
	msg := []byte{0x00, 0x01, 0x02, 0x03}

	ct, err := e.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if len(ct) != k.Size() {
		t.Errorf("ciphertext length = %d, want %d", len(ct), k.Size())
	}

	m := new(big.Int).Exp(new(big.Int).SetBytes(ct), k.D, k.N)
	if m.Cmp(new(big.Int).SetBytes(msg)) != 0 {
		t.Errorf("decrypted = %x, want %x", m.Bytes(), msg)
	}

	// deterministic
	ct2, _ := e.Encrypt(msg)
	if !bytes.Equal(ct, ct2) {
		t.Error("raw encryption should be deterministic")
	}
}

func TestParseHash(t *testing.T) {
	if h, err := ParseHash(""); err != nil || h != crypto.SHA1 {
		t.Errorf("ParseHash(\"\") = %v, %v; want SHA1", h, err)
	}
	if h, err := ParseHash("sha256"); err != nil || h != crypto.SHA256 {
		t.Errorf("ParseHash(sha256) = %v, %v; want SHA256", h, err)
	}
	if _, err := ParseHash("md5"); err == nil {
		t.Error("ParseHash(md5) expected error")
	}
}

func TestMaxPlaintext(t *testing.T) {
	k := key(t)
	reg := NewDefaultRegistry(&k.PublicKey, crypto.SHA256)

	testCases := []struct {
		scheme string
		want   int
	}{
		{PKCS1v15, 128 - 11},
		{OAEP, 128 - 2*32 - 2},
		{Raw, 127},
	}
	for _, tc := range testCases {
		t.Run(tc.scheme, func(t *testing.T) {
			enc := reg.Get(tc.scheme)
			if got := enc.MaxPlaintext(); got != tc.want {
				t.Errorf("MaxPlaintext() = %d, want %d", got, tc.want)
			}
			got, err := MaxPlaintext(tc.scheme, k.Size(), crypto.SHA256)
			if err != nil {
				t.Fatalf("MaxPlaintext(%q) error: %v", tc.scheme, err)
			}
			if got != tc.want {
				t.Errorf("MaxPlaintext(%q) = %d, want %d", tc.scheme, got, tc.want)
			}

			if _, err := enc.Encrypt(bytes.Repeat([]byte{0xff}, tc.want)); err != nil {
				t.Errorf("Encrypt(%d bytes) error: %v", tc.want, err)
			}
			if _, err := enc.Encrypt(bytes.Repeat([]byte{0xff}, tc.want+2)); err == nil {
				t.Errorf("Encrypt(%d bytes) expected error", tc.want+2)
			}
		})
	}

	if n, _ := MaxPlaintext("oaep", 128, 0); n != 128-2*20-2 {
		t.Errorf("MaxPlaintext(oaep, sha1 default) = %d", n)
	}
	if _, err := MaxPlaintext("ECB", 128, 0); err == nil {
		t.Error("MaxPlaintext(ECB) expected error")
	}
}
