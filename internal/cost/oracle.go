package cost

import (
	"crypto/rsa"
	"fmt"
	"math/big"
)

var (
	one   = big.NewInt(1)
	two   = big.NewInt(2)
	three = big.NewInt(3)
)

// oracle answers decryption queries on blinded ciphertexts c*s^e mod n and
// counts them
type oracle struct {
	key     *rsa.PrivateKey
	n       *big.Int
	e       *big.Int
	c       *big.Int
	queries int
	limit   int
}

func newOracle(key *rsa.PrivateKey, ciphertext []byte, limit int) (*oracle, error) {
	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(key.N) >= 0 {
		return nil, fmt.Errorf("ciphertext out of range for modulus")
	}
	return &oracle{
		key:   key,
		n:     key.N,
		e:     big.NewInt(int64(key.E)),
		c:     c,
		limit: limit,
	}, nil
}

// plaintext decrypts the unblinded ciphertext without counting a query
func (o *oracle) plaintext() *big.Int {
	return o.decrypt(o.c)
}

// query decrypts c*s^e mod n and counts one oracle query
func (o *oracle) query(s *big.Int) (*big.Int, error) {
	if o.limit > 0 && o.queries >= o.limit {
		return nil, ErrQueryLimit
	}
	o.queries++
	cs := new(big.Int).Exp(s, o.e, o.n)
	cs.Mul(cs, o.c)
	cs.Mod(cs, o.n)
	return o.decrypt(cs), nil
}

// decrypt uses the CRT values when the key has exactly two primes
func (o *oracle) decrypt(c *big.Int) *big.Int {
	pc := o.key.Precomputed
	if len(o.key.Primes) != 2 || pc.Dp == nil || pc.Dq == nil || pc.Qinv == nil {
		return new(big.Int).Exp(c, o.key.D, o.n)
	}
	p, q := o.key.Primes[0], o.key.Primes[1]
	m1 := new(big.Int).Exp(c, pc.Dp, p)
	m2 := new(big.Int).Exp(c, pc.Dq, q)
	h := m1.Sub(m1, m2)
	h.Mul(h, pc.Qinv)
	h.Mod(h, p)
	h.Mul(h, q)
	return h.Add(h, m2)
}

// ceilDiv returns ceil(x/y) for y > 0
func ceilDiv(x, y *big.Int) *big.Int {
	neg := new(big.Int).Neg(x)
	q := new(big.Int).Div(neg, y)
	return q.Neg(q)
}

// floorDiv returns floor(x/y) for y > 0
func floorDiv(x, y *big.Int) *big.Int {
	return new(big.Int).Div(x, y)
}

func maxInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
