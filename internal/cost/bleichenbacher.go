package cost

import (
	"crypto/rsa"
	"fmt"
	"math/big"
	"sort"
)

// BleichenbacherFunc counts the queries of Bleichenbacher's 1998 attack on
// RSAES-PKCS1-v1_5. The oracle accepts a blinded ciphertext when its
// decryption starts with 00 02.
type BleichenbacherFunc struct {
	limit int
}

// NewBleichenbacher creates a Bleichenbacher cost function capped at limit
// queries (0 = no cap)
func NewBleichenbacher(limit int) *BleichenbacherFunc {
	return &BleichenbacherFunc{limit: limit}
}

// Name returns "Bleichenbacher"
func (f *BleichenbacherFunc) Name() string { return Bleichenbacher }

type interval struct {
	lo *big.Int
	hi *big.Int
}

type bleichenbacher struct {
	o      *oracle
	twoB   *big.Int
	threeB *big.Int
}

// conformant queries the oracle with multiplier s
func (x *bleichenbacher) conformant(s *big.Int) (bool, error) {
	m, err := x.o.query(s)
	if err != nil {
		return false, err
	}
	return m.Cmp(x.twoB) >= 0 && m.Cmp(x.threeB) < 0, nil
}

// searchFrom returns the smallest conformant s >= start
func (x *bleichenbacher) searchFrom(start *big.Int) (*big.Int, error) {
	s := new(big.Int).Set(start)
	for {
		ok, err := x.conformant(s)
		if err != nil {
			return nil, err
		}
		if ok {
			return s, nil
		}
		s.Add(s, one)
	}
}

// searchOne is step 2.c: with a single interval [a, b] left, step r and
// search the narrow s range each r allows
func (x *bleichenbacher) searchOne(iv interval, prev *big.Int) (*big.Int, error) {
	n := x.o.n
	threeBm1 := new(big.Int).Sub(x.threeB, one)

	r := new(big.Int).Mul(iv.hi, prev)
	r.Sub(r, x.twoB)
	r.Mul(r, two)
	r = ceilDiv(r, n)
	for {
		rn := new(big.Int).Mul(r, n)
		lo := ceilDiv(new(big.Int).Add(x.twoB, rn), iv.hi)
		hi := floorDiv(new(big.Int).Add(threeBm1, rn), iv.lo)
		for s := lo; s.Cmp(hi) <= 0; s = new(big.Int).Add(s, one) {
			ok, err := x.conformant(s)
			if err != nil {
				return nil, err
			}
			if ok {
				return s, nil
			}
		}
		r.Add(r, one)
	}
}

// narrow is step 3: intersect every interval with the ranges consistent with
// s*m mod n being conformant
func (x *bleichenbacher) narrow(ivals []interval, s *big.Int) []interval {
	n := x.o.n
	threeBm1 := new(big.Int).Sub(x.threeB, one)

	var out []interval
	for _, iv := range ivals {
		rlo := new(big.Int).Mul(iv.lo, s)
		rlo.Sub(rlo, threeBm1)
		rlo = ceilDiv(rlo, n)
		rhi := new(big.Int).Mul(iv.hi, s)
		rhi.Sub(rhi, x.twoB)
		rhi = floorDiv(rhi, n)

		for r := rlo; r.Cmp(rhi) <= 0; r = new(big.Int).Add(r, one) {
			rn := new(big.Int).Mul(r, n)
			lo := maxInt(iv.lo, ceilDiv(new(big.Int).Add(x.twoB, rn), s))
			hi := minInt(iv.hi, floorDiv(new(big.Int).Add(threeBm1, rn), s))
			if lo.Cmp(hi) <= 0 {
				out = append(out, interval{lo: new(big.Int).Set(lo), hi: new(big.Int).Set(hi)})
			}
		}
	}
	return merge(out)
}

// merge sorts intervals and joins overlapping ones
func merge(ivals []interval) []interval {
	if len(ivals) <= 1 {
		return ivals
	}
	sort.Slice(ivals, func(i, j int) bool {
		return ivals[i].lo.Cmp(ivals[j].lo) < 0
	})
	out := []interval{ivals[0]}
	for _, iv := range ivals[1:] {
		last := &out[len(out)-1]
		if iv.lo.Cmp(last.hi) <= 0 {
			if iv.hi.Cmp(last.hi) > 0 {
				last.hi = iv.hi
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Count runs the attack to completion and returns the number of queries
func (f *BleichenbacherFunc) Count(key *rsa.PrivateKey, ciphertext []byte) (int, error) {
	o, err := newOracle(key, ciphertext, f.limit)
	if err != nil {
		return 0, err
	}

	k := key.Size()
	b := new(big.Int).Lsh(one, uint(8*(k-2)))
	x := &bleichenbacher{
		o:      o,
		twoB:   new(big.Int).Mul(two, b),
		threeB: new(big.Int).Mul(three, b),
	}

	m := o.plaintext()
	if m.Cmp(x.twoB) < 0 || m.Cmp(x.threeB) >= 0 {
		return 0, ErrNotConformant
	}

	ivals := []interval{{lo: new(big.Int).Set(x.twoB), hi: new(big.Int).Sub(x.threeB, one)}}

	// Step 2.a
	s, err := x.searchFrom(ceilDiv(o.n, x.threeB))
	if err != nil {
		return o.queries, err
	}

	for {
		ivals = x.narrow(ivals, s)
		if len(ivals) == 0 {
			return o.queries, fmt.Errorf("bleichenbacher: no interval left")
		}
		if len(ivals) == 1 && ivals[0].lo.Cmp(ivals[0].hi) == 0 {
			break
		}

		if len(ivals) > 1 {
			// Step 2.b
			s, err = x.searchFrom(new(big.Int).Add(s, one))
		} else {
			// Step 2.c
			s, err = x.searchOne(ivals[0], s)
		}
		if err != nil {
			return o.queries, err
		}
	}

	if ivals[0].lo.Cmp(m) != 0 {
		return o.queries, fmt.Errorf("bleichenbacher: recovered message does not match plaintext")
	}
	return o.queries, nil
}
