package gg18

import (
	"crypto/elliptic"
	"math/big"

	"github.com/mpcvault/tss-client/common"
	"github.com/mpcvault/tss-client/xcrypto"
)

// verifyECDSA checks a raw (r,s) signature against pub for the message
// hash m (already reduced mod q), without going through crypto/ecdsa's
// encoding — this repo's signatures travel as a bare (r,s) pair, not DER.
func verifyECDSA(curve elliptic.Curve, pub *xcrypto.Point, m, r, s *big.Int) bool {
	q := curve.Params().N
	if r.Sign() <= 0 || r.Cmp(q) >= 0 || s.Sign() <= 0 || s.Cmp(q) >= 0 {
		return false
	}
	modQ := common.ModInt(q)
	sInv := modQ.ModInverse(s)
	u1 := modQ.Mul(m, sInv)
	u2 := modQ.Mul(r, sInv)

	p1 := xcrypto.ScalarBaseMult(curve, u1)
	p2 := pub.ScalarMult(u2)
	sum, err := p1.Add(p2)
	if err != nil {
		return false
	}
	return new(big.Int).Mod(sum.X(), q).Cmp(r) == 0
}
