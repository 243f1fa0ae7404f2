package common

import (
	"math/big"
)

// RejectionSample maps an arbitrary hash output back into [0, q) by keeping
// only its low bits and re-hashing on the rare occasion those bits land
// outside the range.
func RejectionSample(q *big.Int, eHash *big.Int) *big.Int { // e' = eHash
	qBits := q.BitLen()
	e := firstBitsOf(qBits, eHash)
	for e.Cmp(q) >= 0 {
		eHash = SHA512_256i(eHash)
		e = firstBitsOf(qBits, eHash)
	}
	return e
}

func firstBitsOf(bits int, v *big.Int) *big.Int {
	e := new(big.Int)
	for i := 0; i < bits; i++ {
		bit := v.Bit(i)
		e = e.SetBit(e, i, bit)
	}
	return e
}
