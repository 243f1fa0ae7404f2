// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package xcrypto

import (
	"crypto/elliptic"
	"errors"
	"math/big"

	"github.com/mpcvault/tss-client/common"
)

type ZKProof struct {
	Alpha *Point
	T     *big.Int
}

// NewZKProof constructs a Schnorr proof of knowledge of the discrete log x
// of X = x*G on the given curve (GG18 Fig. 16 generalized off secp256k1).
func NewZKProof(curve elliptic.Curve, x *big.Int, X *Point) (*ZKProof, error) {
	if x == nil || X == nil || !X.ValidateBasic() {
		return nil, errors.New("xcrypto: NewZKProof received nil or invalid value(s)")
	}
	params := curve.Params()
	q := params.N
	g := NewPointNoCurveCheck(curve, params.Gx, params.Gy)

	a := common.GetRandomPositiveInt(q)
	alpha := ScalarBaseMult(curve, a)

	c := challenge(q, X, g, alpha)
	t := common.ModInt(q).Add(a, new(big.Int).Mul(c, x))

	return &ZKProof{Alpha: alpha, T: t}, nil
}

func (pf *ZKProof) Verify(curve elliptic.Curve, X *Point) bool {
	if pf == nil || !pf.ValidateBasic() {
		return false
	}
	params := curve.Params()
	q := params.N
	g := NewPointNoCurveCheck(curve, params.Gx, params.Gy)

	c := challenge(q, X, g, pf.Alpha)
	tG := ScalarBaseMult(curve, pf.T)
	Xc := X.ScalarMult(c)
	aXc, err := pf.Alpha.Add(Xc)
	if err != nil {
		return false
	}
	return aXc.Equals(tG)
}

func (pf *ZKProof) ValidateBasic() bool {
	return pf != nil && pf.T != nil && pf.Alpha != nil
}

func challenge(q *big.Int, X, g, alpha *Point) *big.Int {
	cHash := common.SHA512_256i(X.X(), X.Y(), g.X(), g.Y(), alpha.X(), alpha.Y())
	return common.RejectionSample(q, cHash)
}
