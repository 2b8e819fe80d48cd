package flagfmt

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormat_Valid(t *testing.T) {
	f := New(4)

	testCases := []struct {
		input string
		want  bool
	}{
		{"a1b2c3d4", true},
		{"A1B2C3D4", true},     // case-insensitive
		{"  a1b2c3d4\n", true}, // surrounding whitespace is trimmed
		{"a1b2c3", false},      // too short
		{"a1b2c3d4e5", false},  // too long
		{"a1b2c3dz", false},    // non-hex
		{"a1b2 3d4", false},    // inner space
		{"", false},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got := f.Valid(tc.input)
			if got != tc.want {
				t.Errorf("Valid(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestFormat_Encode(t *testing.T) {
	f := New(3)

	got := f.Encode([]byte{0x00, 0xab, 0xff})
	if got != "00abff" {
		t.Errorf("Encode() = %q, want %q", got, "00abff")
	}
}

func TestFormat_Matches(t *testing.T) {
	f := New(2)
	plaintext := []byte{0xde, 0xad}

	if !f.Matches("dead", plaintext) {
		t.Error("Matches(dead) = false, want true")
	}
	if !f.Matches("DEAD", plaintext) {
		t.Error("Matches(DEAD) = false, want true")
	}
	if f.Matches("beef", plaintext) {
		t.Error("Matches(beef) = true, want false")
	}
	if f.Matches("dead", []byte{0xde, 0xad, 0x00}) {
		t.Error("Matches() should reject a plaintext of the wrong length")
	}
}

func TestFormat_Decode(t *testing.T) {
	f := New(16)
	plaintext := bytes.Repeat([]byte{0x5a}, 16)

	got, err := f.Decode(strings.ToUpper(f.Encode(plaintext)))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decode() = %x, want %x", got, plaintext)
	}

	if _, err := f.Decode("nothex"); err == nil {
		t.Error("Decode() should fail for malformed input")
	}
}

func BenchmarkFormat_Valid(b *testing.B) {
	f := New(16)
	s := strings.Repeat("ab", 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Valid(s)
	}
}
