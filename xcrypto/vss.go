// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Feldman VSS, based on Paul Feldman, 1987., A practical scheme for
// non-interactive verifiable secret sharing. In Foundations of Computer
// Science, 1987., 28th Annual Symposium on. IEEE, 427-43.
package xcrypto

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	"github.com/mpcvault/tss-client/common"
)

type (
	Share struct {
		Threshold int
		ID, Share *big.Int
	}

	// Commitments is the public v0..vt produced alongside a VSS share set;
	// v0 = secret*G, verification re-derives the claimed share's public
	// point from these and the share's index.
	Commitments []*Point

	Shares []*Share
)

var ErrNumSharesBelowThreshold = errors.New("not enough shares to satisfy the threshold")

// CheckIndexes rejects a zero index or a duplicate among indexes.
func CheckIndexes(ec elliptic.Curve, indexes []*big.Int) ([]*big.Int, error) {
	visited := make(map[string]struct{}, len(indexes))
	for _, v := range indexes {
		vMod := new(big.Int).Mod(v, ec.Params().N)
		if vMod.Sign() == 0 {
			return nil, errors.New("vss: party index must not be 0 mod the group order")
		}
		key := vMod.String()
		if _, ok := visited[key]; ok {
			return nil, fmt.Errorf("vss: duplicate index %s", key)
		}
		visited[key] = struct{}{}
	}
	return indexes, nil
}

// CreateShares splits secret into len(indexes) Feldman shares, any
// threshold+1 of which reconstruct it.
func CreateShares(ec elliptic.Curve, threshold int, secret *big.Int, indexes []*big.Int) (Commitments, Shares, error) {
	if secret == nil || indexes == nil {
		return nil, nil, fmt.Errorf("vss: nil secret or indexes")
	}
	if threshold < 0 {
		return nil, nil, errors.New("vss: threshold must be >= 0")
	}
	ids, err := CheckIndexes(ec, indexes)
	if err != nil {
		return nil, nil, err
	}
	if len(indexes) < threshold {
		return nil, nil, ErrNumSharesBelowThreshold
	}

	poly := samplePolynomial(ec, threshold, secret)
	v := make(Commitments, len(poly))
	for i, ai := range poly {
		v[i] = ScalarBaseMult(ec, ai)
	}

	shares := make(Shares, len(indexes))
	for i := range indexes {
		shares[i] = &Share{
			Threshold: threshold,
			ID:        ids[i],
			Share:     evaluatePolynomial(ec, threshold, poly, ids[i]),
		}
	}
	return v, shares, nil
}

// Verify checks share against the public commitments v.
func (share *Share) Verify(ec elliptic.Curve, threshold int, v Commitments) bool {
	if share.Threshold != threshold || v == nil {
		return false
	}
	modQ := common.ModInt(ec.Params().N)
	acc, t := v[0], big.NewInt(1)
	for j := 1; j <= threshold; j++ {
		t = modQ.Mul(t, share.ID)
		vjt := v[j].ScalarMult(t)
		var err error
		if acc, err = acc.Add(vjt); err != nil {
			return false
		}
	}
	sigmaG := ScalarBaseMult(ec, share.Share)
	return sigmaG.Equals(acc)
}

// ReConstruct recombines threshold+1 or more shares into the shared secret
// via Lagrange interpolation at x=0.
func (shares Shares) ReConstruct(ec elliptic.Curve) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, errors.New("vss: no shares to reconstruct from")
	}
	if shares[0].Threshold+1 > len(shares) {
		return nil, ErrNumSharesBelowThreshold
	}
	modN := common.ModInt(ec.Params().N)

	xs := make([]*big.Int, len(shares))
	for i, s := range shares {
		xs[i] = s.ID
	}

	secret := big.NewInt(0)
	for i, share := range shares {
		coeff := LagrangeCoefficient(ec.Params().N, i, xs)
		secret = modN.Add(secret, modN.Mul(share.Share, coeff))
	}
	return secret, nil
}

// LagrangeCoefficient returns the Lagrange basis coefficient for xs[i]
// evaluated at x=0: prod_{j!=i} xs[j] / (xs[j] - xs[i]) mod n. This is the
// same weight GG18 signing and ElGamal threshold decryption use to
// recombine partial results without ever going through Shares/ReConstruct.
func LagrangeCoefficient(n *big.Int, i int, xs []*big.Int) *big.Int {
	modN := common.ModInt(n)
	num := big.NewInt(1)
	den := big.NewInt(1)
	xi := xs[i]
	for j, xj := range xs {
		if j == i {
			continue
		}
		num = modN.Mul(num, xj)
		den = modN.Mul(den, modN.Sub(xj, xi))
	}
	return modN.Mul(num, modN.ModInverse(den))
}

func samplePolynomial(ec elliptic.Curve, threshold int, secret *big.Int) []*big.Int {
	q := ec.Params().N
	v := make([]*big.Int, threshold+1)
	v[0] = secret
	for i := 1; i <= threshold; i++ {
		v[i] = common.GetRandomPositiveInt(q)
	}
	return v
}

// evaluatePolynomial computes a + bx + cx^2 + ... for coefficients v.
func evaluatePolynomial(ec elliptic.Curve, threshold int, v []*big.Int, id *big.Int) *big.Int {
	modQ := common.ModInt(ec.Params().N)
	result := new(big.Int).Set(v[0])
	x := big.NewInt(1)
	for i := 1; i <= threshold; i++ {
		x = modQ.Mul(x, id)
		result = modQ.Add(result, modQ.Mul(v[i], x))
	}
	return result
}
