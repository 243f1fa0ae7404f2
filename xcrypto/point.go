// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package xcrypto holds the curve-agnostic building blocks every round
// engine composes: affine EC points, Feldman verifiable secret sharing,
// hash commitments and Schnorr proofs of knowledge. It is adapted from the
// teacher's crypto/ tree onto a single elliptic.Curve-parameterized API and
// CBOR tags in place of the teacher's protobuf-generated ECPoint.
package xcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	btcec "github.com/btcsuite/btcd/btcec/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/mpcvault/tss-client/common"
)

// Point represents a point on an elliptic curve in affine form. It is
// designed to be immutable once constructed.
type Point struct {
	curve  elliptic.Curve
	coords [2]*big.Int
	// get/set with atomic; avoids a data race in ValidateBasic
	onCurveKnown uint32
}

// NewPoint checks that the given coordinates are on curve before returning.
func NewPoint(curve elliptic.Curve, x, y *big.Int) (*Point, error) {
	if !isOnCurve(curve, x, y) {
		return nil, fmt.Errorf("xcrypto: the given point is not on the elliptic curve")
	}
	return &Point{curve, [2]*big.Int{x, y}, 1}, nil
}

// NewPointNoCurveCheck skips the on-curve check. Only use this when the
// point is already known to lie on curve (e.g. a ScalarMult result).
func NewPointNoCurveCheck(curve elliptic.Curve, x, y *big.Int) *Point {
	return &Point{curve, [2]*big.Int{x, y}, 0}
}

func (p *Point) X() *big.Int { return new(big.Int).Set(p.coords[0]) }
func (p *Point) Y() *big.Int { return new(big.Int).Set(p.coords[1]) }
func (p *Point) Curve() elliptic.Curve { return p.curve }

func (p *Point) Add(b *Point) (*Point, error) {
	x, y := p.curve.Add(p.X(), p.Y(), b.X(), b.Y())
	return NewPoint(p.curve, x, y)
}

func (p *Point) Sub(b *Point) (*Point, error) {
	return p.Add(b.Neg())
}

func (p *Point) Neg() *Point {
	order := p.curve.Params().P
	negY := new(big.Int).Neg(p.Y())
	negY.Mod(negY, order)
	return NewPointNoCurveCheck(p.curve, p.X(), negY)
}

func (p *Point) ScalarMult(k *big.Int) *Point {
	x, y := p.curve.ScalarMult(p.X(), p.Y(), k.Bytes())
	newP, _ := NewPoint(p.curve, x, y) // result of ScalarMult is always on curve
	return newP
}

func (p *Point) IsOnCurve() bool {
	return isOnCurve(p.curve, p.coords[0], p.coords[1])
}

func (p *Point) Equals(b *Point) bool {
	if p == nil || b == nil {
		return false
	}
	return p.X().Cmp(b.X()) == 0 && p.Y().Cmp(b.Y()) == 0
}

func (p *Point) ValidateBasic() bool {
	onCurveKnown := atomic.LoadUint32(&p.onCurveKnown) == 1
	res := p != nil && p.coords[0] != nil && p.coords[1] != nil && (onCurveKnown || p.IsOnCurve())
	if res && !onCurveKnown {
		atomic.StoreUint32(&p.onCurveKnown, 1)
	}
	return res
}

func (p *Point) Bytes() []byte {
	bzX, bzY := p.X().Bytes(), p.Y().Bytes()
	byteSize := p.curve.Params().BitSize / 8
	tmpX := make([]byte, byteSize-len(bzX), byteSize)
	tmpY := make([]byte, byteSize-len(bzY), byteSize)
	tmpX = append(tmpX, bzX...)
	tmpY = append(tmpY, bzY...)
	return append(tmpX, tmpY...)
}

func (p *Point) ToECDSAPubKey() *ecdsa.PublicKey {
	return &ecdsa.PublicKey{Curve: p.curve, X: p.X(), Y: p.Y()}
}

// wirePoint is the CBOR-serializable shape of a Point; the curve itself is
// carried out of band (it is implied by the protocol kind the point belongs
// to), matching how the dispatcher already knows which curve a session uses.
type wirePoint struct {
	X []byte `cbor:"x"`
	Y []byte `cbor:"y"`
}

func (p *Point) MarshalCBORWithCurve() ([]byte, error) {
	return cbor.Marshal(wirePoint{X: p.coords[0].Bytes(), Y: p.coords[1].Bytes()})
}

func PointFromWire(curve elliptic.Curve, x, y []byte) (*Point, error) {
	return NewPoint(curve, new(big.Int).SetBytes(x), new(big.Int).SetBytes(y))
}

func isOnCurve(c elliptic.Curve, x, y *big.Int) bool {
	if x == nil || y == nil {
		return false
	}
	return c.IsOnCurve(x, y)
}

func ScalarBaseMult(curve elliptic.Curve, k *big.Int) *Point {
	x, y := curve.ScalarBaseMult(k.Bytes())
	p, _ := NewPoint(curve, x, y)
	return p
}

// DecompressPoint recovers the Y coordinate of a compressed point. Only
// secp256k1 and the generic short-Weierstrass a=-3 family (P-256 and
// friends) are implemented; every curve other than secp256k1 is treated as
// a member of the a=-3 family.
func DecompressPoint(curve elliptic.Curve, x *big.Int, sign byte) (*Point, error) {
	if curve == nil || x == nil {
		return nil, errors.New("DecompressPoint: nil curve or x")
	}
	switch curve {
	case btcec.S256():
		return decompressSecp256k1(curve, x, sign)
	default:
		return decompressShortWeierstrass(curve, x, sign)
	}
}

func decompressSecp256k1(curve elliptic.Curve, x *big.Int, sign byte) (*Point, error) {
	params := curve.Params()
	modP := common.ModInt(params.P)
	x3 := new(big.Int).Mul(x, x)
	x3.Mul(x3, x)
	y2 := x3.Add(x3, big.NewInt(7))
	y := modP.Sqrt(y2)
	if y == nil {
		return nil, errors.New("DecompressPoint: invalid point")
	}
	if y.Bit(0) != uint(sign)&1 {
		y = modP.Neg(y)
	}
	return &Point{curve: curve, coords: [2]*big.Int{x, y}}, nil
}

// decompressShortWeierstrass handles curves of the form y^2 = x^3 - 3x + b,
// which covers P-256/secp256r1.
func decompressShortWeierstrass(curve elliptic.Curve, x *big.Int, sign byte) (*Point, error) {
	params := curve.Params()
	modP := common.ModInt(params.P)
	three := big.NewInt(3)
	x3 := modP.Exp(x, three)
	threeX := modP.Mul(x, three)
	y2 := new(big.Int).Sub(x3, threeX)
	y2 = modP.Add(y2, params.B)
	y := modP.Sqrt(y2)
	if y == nil {
		return nil, errors.New("DecompressPoint: invalid point")
	}
	if y.Bit(0) != uint(sign)&1 {
		y = modP.Neg(y)
	}
	return &Point{curve: curve, coords: [2]*big.Int{x, y}}, nil
}

func FlattenPoints(in []*Point) ([]*big.Int, error) {
	if in == nil {
		return nil, errors.New("FlattenPoints: nil input")
	}
	flat := make([]*big.Int, 0, len(in)*2)
	for _, point := range in {
		if point == nil || point.coords[0] == nil || point.coords[1] == nil {
			return nil, errors.New("FlattenPoints: nil point/coordinate")
		}
		flat = append(flat, point.coords[0], point.coords[1])
	}
	return flat, nil
}

// WirePoint is a snapshot-friendly (curve-out-of-band) encoding of a Point,
// used by every engine's Snapshot/Restore pair to carry accumulated peer
// points across a mid-protocol pause.
type WirePoint struct {
	X *big.Int `cbor:"x"`
	Y *big.Int `cbor:"y"`
}

func EncodePoint(p *Point) *WirePoint {
	if p == nil {
		return nil
	}
	return &WirePoint{X: p.X(), Y: p.Y()}
}

func DecodePoint(curve elliptic.Curve, w *WirePoint) (*Point, error) {
	if w == nil {
		return nil, nil
	}
	return NewPoint(curve, w.X, w.Y)
}

func EncodeCommitments(c Commitments) []WirePoint {
	if c == nil {
		return nil
	}
	out := make([]WirePoint, len(c))
	for i, p := range c {
		out[i] = WirePoint{X: p.X(), Y: p.Y()}
	}
	return out
}

func DecodeCommitments(curve elliptic.Curve, w []WirePoint) (Commitments, error) {
	if w == nil {
		return nil, nil
	}
	out := make(Commitments, len(w))
	for i, wp := range w {
		p, err := NewPoint(curve, wp.X, wp.Y)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// EncodePointMap/DecodePointMap carry a per-party point map (e.g. every
// peer's VSS commitment-to-secret or nonce commitment) across a snapshot.
func EncodePointMap(m map[uint32]*Point) map[uint32]WirePoint {
	if m == nil {
		return nil
	}
	out := make(map[uint32]WirePoint, len(m))
	for k, p := range m {
		out[k] = WirePoint{X: p.X(), Y: p.Y()}
	}
	return out
}

func DecodePointMap(curve elliptic.Curve, m map[uint32]WirePoint) (map[uint32]*Point, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[uint32]*Point, len(m))
	for k, wp := range m {
		p, err := NewPoint(curve, wp.X, wp.Y)
		if err != nil {
			return nil, err
		}
		out[k] = p
	}
	return out, nil
}

// EncodeCommitmentsMap/DecodeCommitmentsMap carry a per-party VSS
// commitment vector map (e.g. gg18/frost/elgamal keygen's peerComm) across
// a snapshot.
func EncodeCommitmentsMap(m map[uint32]Commitments) map[uint32][]WirePoint {
	if m == nil {
		return nil
	}
	out := make(map[uint32][]WirePoint, len(m))
	for k, c := range m {
		out[k] = EncodeCommitments(c)
	}
	return out
}

func DecodeCommitmentsMap(curve elliptic.Curve, m map[uint32][]WirePoint) (map[uint32]Commitments, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[uint32]Commitments, len(m))
	for k, w := range m {
		c, err := DecodeCommitments(curve, w)
		if err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}

func UnflattenPoints(curve elliptic.Curve, in []*big.Int, noCurveCheck ...bool) ([]*Point, error) {
	if in == nil || len(in)%2 != 0 {
		return nil, errors.New("UnflattenPoints: expected an even-length input")
	}
	var err error
	skipCheck := len(noCurveCheck) > 0 && noCurveCheck[0]
	out := make([]*Point, len(in)/2)
	for i, j := 0, 0; i < len(in); i, j = i+2, j+1 {
		if skipCheck {
			out[j] = NewPointNoCurveCheck(curve, in[i], in[i+1])
		} else if out[j], err = NewPoint(curve, in[i], in[i+1]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
