package cost

import (
	"crypto/rsa"
	"fmt"
	"math/big"
)

// MangerFunc counts the queries of Manger's attack on RSAES-OAEP. The oracle
// reveals whether the decryption of a blinded ciphertext is below
// B = 2^(8(k-1)), i.e. whether its leading byte is zero.
type MangerFunc struct {
	limit int
}

// NewManger creates a Manger cost function capped at limit queries (0 = no cap)
func NewManger(limit int) *MangerFunc {
	return &MangerFunc{limit: limit}
}

// Name returns "Manger"
func (f *MangerFunc) Name() string { return Manger }

// Count runs the attack to completion and returns the number of queries
func (f *MangerFunc) Count(key *rsa.PrivateKey, ciphertext []byte) (int, error) {
	o, err := newOracle(key, ciphertext, f.limit)
	if err != nil {
		return 0, err
	}

	k := key.Size()
	b := new(big.Int).Lsh(one, uint(8*(k-1)))
	if new(big.Int).Mul(two, b).Cmp(o.n) >= 0 {
		return 0, fmt.Errorf("manger: modulus too small relative to B")
	}
	m := o.plaintext()
	if m.Cmp(b) >= 0 {
		return 0, ErrNotConformant
	}

	below := func(s *big.Int) (bool, error) {
		x, err := o.query(s)
		if err != nil {
			return false, err
		}
		return x.Cmp(b) < 0, nil
	}

	// Step 1: double f1 until f1*m lands in [B, 2B)
	f1 := big.NewInt(2)
	for {
		lt, err := below(f1)
		if err != nil {
			return o.queries, err
		}
		if !lt {
			break
		}
		f1.Mul(f1, two)
	}
	half := new(big.Int).Rsh(f1, 1)

	// Step 2: walk f2 up by f1/2 until f2*m wraps into [n, n+B)
	nb := new(big.Int).Add(o.n, b)
	f2 := floorDiv(nb, b)
	f2.Mul(f2, half)
	for {
		lt, err := below(f2)
		if err != nil {
			return o.queries, err
		}
		if lt {
			break
		}
		f2.Add(f2, half)
	}

	// Step 3: halve [mmin, mmax] until it collapses
	mmin := ceilDiv(o.n, f2)
	mmax := floorDiv(nb, f2)
	twoB := new(big.Int).Mul(two, b)
	for mmax.Cmp(mmin) > 0 {
		diff := new(big.Int).Sub(mmax, mmin)
		ftmp := floorDiv(twoB, diff)
		i := floorDiv(new(big.Int).Mul(ftmp, mmin), o.n)
		in := new(big.Int).Mul(i, o.n)
		f3 := ceilDiv(in, mmin)
		if f3.Sign() == 0 {
			return o.queries, fmt.Errorf("manger: degenerate multiplier")
		}

		lt, err := below(f3)
		if err != nil {
			return o.queries, err
		}
		inb := in.Add(in, b)
		if lt {
			mmax = floorDiv(inb, f3)
		} else {
			mmin = ceilDiv(inb, f3)
		}
	}

	if mmin.Cmp(m) != 0 {
		return o.queries, fmt.Errorf("manger: recovered message does not match plaintext")
	}
	return o.queries, nil
}
