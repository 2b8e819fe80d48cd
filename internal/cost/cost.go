// Package cost measures how many padding-oracle queries an attack needs to
// recover an artifact's plaintext.
package cost

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hfi/flagpool/internal/scheme"
)

// Attack category names
const (
	Bleichenbacher = "Bleichenbacher"
	Manger         = "Manger"
	None           = "none"
)

// DefaultQueryLimit caps a single simulated attack
const DefaultQueryLimit = 2_000_000

var (
	// ErrQueryLimit is returned when a simulated attack exceeds its query budget
	ErrQueryLimit = errors.New("query limit exceeded")
	// ErrNotConformant is returned when the ciphertext does not decrypt to a
	// message the attack's oracle accepts in the first place
	ErrNotConformant = errors.New("ciphertext not conformant for attack")
	// ErrIncompatible is returned for an attack that never applies to a scheme
	ErrIncompatible = errors.New("attack does not apply to scheme")
)

// Canonical maps a category name to its canonical spelling
func Canonical(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bleichenbacher":
		return Bleichenbacher, nil
	case "manger":
		return Manger, nil
	case "none", "":
		return None, nil
	}
	return "", fmt.Errorf("unknown attack category %q", name)
}

// Compatible checks that a category can score artifacts of a scheme.
// Bleichenbacher needs PKCS#1 v1.5 padding; Manger needs a plaintext below
// B, which OAEP and short raw messages always are.
func Compatible(category, schemeName string) error {
	c, err := Canonical(category)
	if err != nil {
		return err
	}
	s, err := scheme.Canonical(schemeName)
	if err != nil {
		return err
	}

	ok := true
	switch c {
	case Bleichenbacher:
		ok = s == scheme.PKCS1v15
	case Manger:
		ok = s == scheme.OAEP || s == scheme.Raw
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrIncompatible, c, s)
	}
	return nil
}

// Func computes the query count of one attack category.
// The simulated oracle needs the private key; the attack itself only uses
// key.PublicKey and oracle answers.
type Func interface {
	// Name returns the category name
	Name() string

	// Count returns the number of oracle queries needed against ciphertext
	Count(key *rsa.PrivateKey, ciphertext []byte) (int, error)
}

// Registry maps category names to cost functions
type Registry struct {
	funcs map[string]Func
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
	}
}

// NewDefaultRegistry registers the Bleichenbacher, Manger and none functions
func NewDefaultRegistry(queryLimit int) *Registry {
	r := NewRegistry()
	r.Register(NewBleichenbacher(queryLimit))
	r.Register(NewManger(queryLimit))
	r.Register(Zero{})
	return r
}

// Register adds a cost function, replacing any with the same name
func (r *Registry) Register(f Func) {
	r.funcs[f.Name()] = f
}

// Get returns a cost function by category name, or nil
func (r *Registry) Get(name string) Func {
	if c, err := Canonical(name); err == nil {
		name = c
	}
	return r.funcs[name]
}

// List returns all registered category names, sorted
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Zero is the cost function for artifacts no oracle attack applies to
type Zero struct{}

// Name returns "none"
func (Zero) Name() string { return None }

// Count always returns 0
func (Zero) Count(_ *rsa.PrivateKey, _ []byte) (int, error) { return 0, nil }
