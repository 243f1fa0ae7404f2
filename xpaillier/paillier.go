// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package xpaillier is the teacher's Paillier cryptosystem (key
// generation, encryption, homomorphic add/multiply), extended with the
// MtA (multiplicative-to-additive
// share conversion) building block GG18 signing uses to turn a product of
// two parties' secret scalars into an additive sharing of that product
// without revealing either scalar.
//
// The Paillier crypto-system is additive: given two ciphertexts, one can
// perform operations equivalent to adding the respective plaintexts.
// Additionally it supports:
//
//   - encrypted integers added together
//   - an encrypted integer multiplied by a plaintext integer
//
// Implementation adheres to GG18Spec (6).
package xpaillier

import (
	"context"
	"fmt"
	"math/big"
	"runtime"

	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/common"
)

type (
	PublicKey struct {
		N *big.Int
	}

	PrivateKey struct {
		PublicKey
		LambdaN, // lcm(p-1, q-1)
		PhiN *big.Int // (p-1) * (q-1)
	}
)

var (
	ErrMessageTooLong   = fmt.Errorf("xpaillier: the message is too large or < 0")
	ErrMessageMalformed = fmt.Errorf("xpaillier: the message is mal-formed")

	zero = big.NewInt(0)
	one  = big.NewInt(1)
)

// GenerateKeyPair generates a fresh Paillier keypair with an N of the
// requested bit length, using two safe primes (GG18Spec KS-BTL-F-03).
func GenerateKeyPair(ctx context.Context, modulusBitLen int, optionalConcurrency ...int) (*PrivateKey, *PublicKey, error) {
	concurrency := runtime.NumCPU()
	if len(optionalConcurrency) > 0 {
		concurrency = optionalConcurrency[0]
	}

	const pQBitLenDifference = 3
	var P, Q, N *big.Int
	tmp := new(big.Int)
	for {
		sgps, err := common.GetRandomSafePrimesConcurrent(ctx, modulusBitLen/2, 2, concurrency)
		if err != nil {
			return nil, nil, err
		}
		P, Q = sgps[0].SafePrime(), sgps[1].SafePrime()
		if tmp.Sub(P, Q).BitLen() >= (modulusBitLen/2)-pQBitLenDifference {
			break
		}
	}
	N = tmp.Mul(P, Q)

	pMinus1, qMinus1 := new(big.Int).Sub(P, one), new(big.Int).Sub(Q, one)
	phiN := new(big.Int).Mul(pMinus1, qMinus1)
	gcd := new(big.Int).GCD(nil, nil, pMinus1, qMinus1)
	lambdaN := new(big.Int).Div(phiN, gcd)

	pub := &PublicKey{N: N}
	priv := &PrivateKey{PublicKey: *pub, LambdaN: lambdaN, PhiN: phiN}
	return priv, pub, nil
}

func (pk *PublicKey) EncryptAndReturnRandomness(m *big.Int) (c, x *big.Int, err error) {
	if m.Sign() == -1 || m.Cmp(pk.N) != -1 {
		return nil, nil, ErrMessageTooLong
	}
	x = common.GetRandomPositiveRelativelyPrimeInt(pk.N)
	n2 := pk.NSquare()
	gm := new(big.Int).Exp(pk.Gamma(), m, n2)
	xN := new(big.Int).Exp(x, pk.N, n2)
	c = common.ModInt(n2).Mul(gm, xN)
	return
}

func (pk *PublicKey) Encrypt(m *big.Int) (*big.Int, error) {
	c, _, err := pk.EncryptAndReturnRandomness(m)
	return c, err
}

// HomoMult returns Enc(m*m') for plaintext m and ciphertext c1 = Enc(m').
func (pk *PublicKey) HomoMult(m, c1 *big.Int) (*big.Int, error) {
	if m.Sign() == -1 || m.Cmp(pk.N) != -1 {
		return nil, ErrMessageTooLong
	}
	n2 := pk.NSquare()
	if c1.Sign() == -1 || c1.Cmp(n2) != -1 {
		return nil, ErrMessageTooLong
	}
	return common.ModInt(n2).Exp(c1, m), nil
}

// HomoAdd returns Enc(m1+m2) for ciphertexts c1 = Enc(m1), c2 = Enc(m2).
func (pk *PublicKey) HomoAdd(c1, c2 *big.Int) (*big.Int, error) {
	n2 := pk.NSquare()
	if c1.Sign() == -1 || c1.Cmp(n2) != -1 {
		return nil, ErrMessageTooLong
	}
	if c2.Sign() == -1 || c2.Cmp(n2) != -1 {
		return nil, ErrMessageTooLong
	}
	return common.ModInt(n2).Mul(c1, c2), nil
}

func (pk *PublicKey) NSquare() *big.Int { return new(big.Int).Mul(pk.N, pk.N) }

// Gamma returns N+1, the Paillier generator used by this scheme's variant.
func (pk *PublicKey) Gamma() *big.Int { return new(big.Int).Add(pk.N, one) }

func (sk *PrivateKey) Decrypt(c *big.Int) (*big.Int, error) {
	n2 := sk.NSquare()
	if c.Sign() == -1 || c.Cmp(n2) != -1 {
		return nil, ErrMessageTooLong
	}
	cg := new(big.Int).GCD(nil, nil, c, n2)
	if cg.Cmp(one) == 1 {
		return nil, ErrMessageMalformed
	}
	lc := l(new(big.Int).Exp(c, sk.LambdaN, n2), sk.N)
	lg := l(new(big.Int).Exp(sk.Gamma(), sk.LambdaN, n2), sk.N)
	inv := new(big.Int).ModInverse(lg, sk.N)
	return common.ModInt(sk.N).Mul(lc, inv), nil
}

func l(u, n *big.Int) *big.Int {
	t := new(big.Int).Sub(u, one)
	return new(big.Int).Div(t, n)
}

// NewKeysFromPrimes builds a keypair directly from a chosen P, Q, which
// need only be prime, not safe primes.
func NewKeysFromPrimes(p, q *big.Int) (*PrivateKey, *PublicKey, error) {
	if !p.ProbablyPrime(20) || !q.ProbablyPrime(20) {
		return nil, nil, errors.New("xpaillier: p and q must be prime")
	}
	n := new(big.Int).Mul(p, q)
	pMinus1, qMinus1 := new(big.Int).Sub(p, one), new(big.Int).Sub(q, one)
	phiN := new(big.Int).Mul(pMinus1, qMinus1)
	gcd := new(big.Int).GCD(nil, nil, pMinus1, qMinus1)
	lambdaN := new(big.Int).Div(phiN, gcd)
	pub := &PublicKey{N: n}
	return &PrivateKey{PublicKey: *pub, LambdaN: lambdaN, PhiN: phiN}, pub, nil
}
