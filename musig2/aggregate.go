package musig2

import (
	"crypto/elliptic"
	"math/big"

	"github.com/mpcvault/tss-client/common"
	"github.com/mpcvault/tss-client/xcrypto"
)

// keyAggList flattens every participant's public key, in ascending index
// order, into L, the list keyAggCoefficient hashes together with each X_i.
func keyAggList(pks map[uint32]*xcrypto.Point) []*big.Int {
	order := sortedUint32Keys(mapKeysPoint(pks))
	vals := make([]*big.Int, 0, len(order)*2)
	for _, idx := range order {
		vals = append(vals, pks[idx].X(), pks[idx].Y())
	}
	return vals
}

// keyAggCoefficient is MuSig2's a_i = H(L, X_i): each public key's
// contribution is weighted by a hash of itself together with the full
// key set, so no participant can choose its key to cancel out others'
// (the rogue-key attack plain key summation is vulnerable to).
func keyAggCoefficient(l []*big.Int, q *big.Int, xi *xcrypto.Point) *big.Int {
	h := common.SHA512_256i(append(append([]*big.Int{}, l...), xi.X(), xi.Y())...)
	return common.RejectionSample(q, h)
}

// AggregateKey computes MuSig2's aggregate public key X = sum(a_i * X_i).
func AggregateKey(curve elliptic.Curve, pks map[uint32]*xcrypto.Point) (*xcrypto.Point, error) {
	q := curve.Params().N
	l := keyAggList(pks)
	order := sortedUint32Keys(mapKeysPoint(pks))

	var acc *xcrypto.Point
	for _, idx := range order {
		a := keyAggCoefficient(l, q, pks[idx])
		term := pks[idx].ScalarMult(a)
		if acc == nil {
			acc = term
			continue
		}
		var err error
		if acc, err = acc.Add(term); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func mapKeysPoint(m map[uint32]*xcrypto.Point) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
