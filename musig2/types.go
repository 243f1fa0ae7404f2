// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package musig2 implements the MuSig2 n-of-n Schnorr round engines (Nick,
// Ruffing, Seurin, "MuSig2: Simple Two-Round Schnorr Multi-Signatures",
// 2020) over tssconst.Edwards(): no VSS, no threshold — every party
// contributes its own independently-generated keypair, combined with the
// standard MuSig2 key-aggregation coefficients so the scheme resists
// rogue-key attacks without requiring interactive key generation.
package musig2

import (
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/xerrors"
)

// GroupContext is the terminal artifact a keygen engine's Finish returns.
// Unlike gg18/frost, MuSig2 has no dealer-issued verification shares, so
// every party's own public key must travel with the context: signing needs
// the full key set to recompute each signer's key-aggregation coefficient.
type GroupContext struct {
	Parties uint32 `cbor:"parties"`
	Index   uint32 `cbor:"index"`

	PubKeyX *big.Int `cbor:"pub_key_x"` // aggregate key X
	PubKeyY *big.Int `cbor:"pub_key_y"`

	XI *big.Int `cbor:"x_i"` // this party's own secret key

	PksX map[uint32]*big.Int `cbor:"pks_x"` // every party's individual public key
	PksY map[uint32]*big.Int `cbor:"pks_y"`
}

func DecodeGroupContext(bz []byte) (*GroupContext, error) {
	var gc GroupContext
	if err := cbor.Unmarshal(bz, &gc); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "musig2: decode group context"))
	}
	return &gc, nil
}

func (gc *GroupContext) encode() ([]byte, error) {
	bz, err := cbor.Marshal(gc)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "musig2: encode group context"))
	}
	return bz, nil
}

// Signature is the terminal artifact a signing engine's Finish returns: a
// compact (R, s) Schnorr signature.
type Signature struct {
	RX *big.Int `cbor:"r_x"`
	RY *big.Int `cbor:"r_y"`
	S  *big.Int `cbor:"s"`
}

func (sig *Signature) encode() ([]byte, error) {
	bz, err := cbor.Marshal(sig)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "musig2: encode signature"))
	}
	return bz, nil
}

type pubkeyMsg struct {
	X *big.Int `cbor:"x"`
	Y *big.Int `cbor:"y"`
}

type nonceCommitMsg struct {
	R1X *big.Int `cbor:"r1_x"`
	R1Y *big.Int `cbor:"r1_y"`
	R2X *big.Int `cbor:"r2_x"`
	R2Y *big.Int `cbor:"r2_y"`
}

type partialSigMsg struct {
	S *big.Int `cbor:"s"`
}
