package musig2

import (
	"crypto/elliptic"
	"math/big"

	"github.com/mpcvault/tss-client/common"
	"github.com/mpcvault/tss-client/xcrypto"
)

func challenge(curve elliptic.Curve, r, y *xcrypto.Point, m *big.Int) *big.Int {
	q := curve.Params().N
	cHash := common.SHA512_256i(r.X(), r.Y(), y.X(), y.Y(), m)
	return common.RejectionSample(q, cHash)
}

// verifySchnorr checks s*G = R + c*X.
func verifySchnorr(curve elliptic.Curve, x *xcrypto.Point, m *big.Int, r *xcrypto.Point, s *big.Int) bool {
	c := challenge(curve, r, x, m)
	sG := xcrypto.ScalarBaseMult(curve, s)
	cX := x.ScalarMult(c)
	rhs, err := r.Add(cX)
	if err != nil {
		return false
	}
	return sG.Equals(rhs)
}
