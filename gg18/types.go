// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package gg18 implements the GG18 threshold-ECDSA round engines
// (Gennaro, Goldfeder, "Fast Multiparty Threshold ECDSA with Fast Trustless
// Setup", 2018): Feldman VSS keygen with a Paillier keypair per party, and
// MtA-based signing. It plays the role the teacher's ecdsa/keygen and
// ecdsa/signing packages play, rebuilt on the flattened protocol.Engine
// contract with xcrypto/xpaillier/wire/xerrors in place of tss.Party,
// tss.Round and the protobuf wire messages those depend on.
package gg18

import (
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/xcrypto"
	"github.com/mpcvault/tss-client/xerrors"
	"github.com/mpcvault/tss-client/xpaillier"
)

// GroupContext is the terminal artifact a keygen engine's Finish returns
// and a signing engine's SignInit.GroupContext carries back in. It holds
// everything a later signing run needs: the combined public key, this
// party's final secret share, every party's Paillier public key (needed to
// address MtA requests to them), and this party's own Paillier keypair.
type GroupContext struct {
	Parties   uint32 `cbor:"parties"`
	Threshold uint32 `cbor:"threshold"`
	Index     uint32 `cbor:"index"`

	PubKeyX *big.Int `cbor:"pub_key_x"`
	PubKeyY *big.Int `cbor:"pub_key_y"`

	ShareXi *big.Int `cbor:"share_xi"`

	PaillierN       *big.Int `cbor:"paillier_n"`
	PaillierLambda  *big.Int `cbor:"paillier_lambda"`
	PaillierPhiN    *big.Int `cbor:"paillier_phi_n"`
	PeerPaillierN   map[uint32]*big.Int `cbor:"peer_paillier_n"`
}

func (gc *GroupContext) paillierPriv() *xpaillier.PrivateKey {
	pub := xpaillier.PublicKey{N: gc.PaillierN}
	return &xpaillier.PrivateKey{PublicKey: pub, LambdaN: gc.PaillierLambda, PhiN: gc.PaillierPhiN}
}

func (gc *GroupContext) peerPaillierPub(idx uint32) (*xpaillier.PublicKey, error) {
	n, ok := gc.PeerPaillierN[idx]
	if !ok {
		return nil, errors.Errorf("gg18: no paillier key on file for party %d", idx)
	}
	return &xpaillier.PublicKey{N: n}, nil
}

// DecodeGroupContext parses the CBOR-serialized group context carried on a
// SignInit record.
func DecodeGroupContext(bz []byte) (*GroupContext, error) {
	var gc GroupContext
	if err := cbor.Unmarshal(bz, &gc); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "gg18: decode group context"))
	}
	return &gc, nil
}

func (gc *GroupContext) encode() ([]byte, error) {
	bz, err := cbor.Marshal(gc)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "gg18: encode group context"))
	}
	return bz, nil
}

// Signature is the terminal artifact a signing engine's Finish returns.
type Signature struct {
	R *big.Int `cbor:"r"`
	S *big.Int `cbor:"s"`
}

func (sig *Signature) encode() ([]byte, error) {
	bz, err := cbor.Marshal(sig)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "gg18: encode signature"))
	}
	return bz, nil
}

// wire payloads exchanged between rounds. Keeping these as small named
// structs (rather than raw tuples of bytes) is what lets wire.Decode's
// generic map[peer][]byte shape carry protocol-specific data.

type commitKGCMsg struct {
	C *big.Int `cbor:"c"`
}

type decommitShareMsg struct {
	Vs      []*big.Int `cbor:"vs"` // flattened xcrypto.Commitments
	D       []*big.Int `cbor:"d"`  // hash commitment decommitment
	N       *big.Int   `cbor:"n"`  // this party's Paillier modulus
	ShareID *big.Int   `cbor:"share_id"`
	Share   *big.Int   `cbor:"share"`
}

type shareProofMsg struct {
	Alpha []*big.Int `cbor:"alpha"` // flattened point
	T     *big.Int   `cbor:"t"`
}

type confirmMsg struct {
	H *big.Int `cbor:"h"`
}

type signCommitMsg struct {
	C *big.Int `cbor:"c"`
}

type signDecommitMsg struct {
	GammaX *big.Int `cbor:"gamma_x"`
	GammaY *big.Int `cbor:"gamma_y"`
	D      []*big.Int `cbor:"d"`
}

type mtaRequestMsg struct {
	CK *big.Int `cbor:"c_k"`
}

type mtaResponseMsg struct {
	CDelta *big.Int `cbor:"c_delta"`
	CMu    *big.Int `cbor:"c_mu"`
}

type deltaMsg struct {
	Delta *big.Int `cbor:"delta"`
}

type gammaProofMsg struct {
	Alpha []*big.Int `cbor:"alpha"`
	T     *big.Int   `cbor:"t"`
}

type partialSigMsg struct {
	S *big.Int `cbor:"s"`
}

type echoSigMsg struct {
	R *big.Int `cbor:"r"`
	S *big.Int `cbor:"s"`
}

func flattenPoint(p *xcrypto.Point) []*big.Int { return []*big.Int{p.X(), p.Y()} }
