// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package elgamal implements Shamir/Feldman-shared discrete-log keygen and
// threshold ElGamal decryption over secp256k1: the group secret x is
// Feldman-shared the same way gg18's keygen shares the ECDSA secret, and a
// ciphertext produced against the group public key Y=x*G is recovered by
// Lagrange-combining each signer's partial decryption of the ephemeral
// point, never reconstructing x itself.
package elgamal

import (
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/common"
	"github.com/mpcvault/tss-client/xerrors"
)

// GroupContext is the terminal artifact a keygen engine's Finish returns.
type GroupContext struct {
	Parties   uint32 `cbor:"parties"`
	Threshold uint32 `cbor:"threshold"`
	Index     uint32 `cbor:"index"`

	PubKeyX *big.Int `cbor:"pub_key_x"` // group key Y = x*G
	PubKeyY *big.Int `cbor:"pub_key_y"`

	ShareXI *big.Int `cbor:"share_x_i"` // this party's Feldman share of x
}

func DecodeGroupContext(bz []byte) (*GroupContext, error) {
	var gc GroupContext
	if err := cbor.Unmarshal(bz, &gc); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "elgamal: decode group context"))
	}
	return &gc, nil
}

func (gc *GroupContext) encode() ([]byte, error) {
	bz, err := cbor.Marshal(gc)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "elgamal: encode group context"))
	}
	return bz, nil
}

// Ciphertext is the output of the non-core Encrypt helper and the input to
// a decryption session's SignInit.Data (CBOR-encoded).
type Ciphertext struct {
	C1X *big.Int `cbor:"c1_x"` // ephemeral point k*G
	C1Y *big.Int `cbor:"c1_y"`
	C2  []byte   `cbor:"c2"` // plaintext XORed with the blake3 keystream of k*Y
}

func (c *Ciphertext) encode() ([]byte, error) {
	bz, err := cbor.Marshal(c)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "elgamal: encode ciphertext"))
	}
	return bz, nil
}

func decodeCiphertext(bz []byte) (*Ciphertext, error) {
	var c Ciphertext
	if err := cbor.Unmarshal(bz, &c); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "elgamal: decode ciphertext"))
	}
	if c.C1X == nil || c.C1Y == nil || !common.NonEmptyBytes(c.C2) {
		return nil, xerrors.MalformedEnvelope(errors.New("elgamal: ciphertext missing C1 or C2"))
	}
	return &c, nil
}

// dkgRound0Msg carries one party's Feldman VSS commitments and knowledge
// proof; sent as a broadcast alongside the per-peer shareMsg unicasts, the
// same combined-envelope shape frost/keygen.go's round0 uses.
type dkgRound0Msg struct {
	Vs      []*big.Int `cbor:"vs"`
	AlphaX  *big.Int   `cbor:"alpha_x"`
	AlphaY  *big.Int   `cbor:"alpha_y"`
	T       *big.Int   `cbor:"t"`
}

type shareMsg struct {
	ShareID *big.Int `cbor:"share_id"`
	Share   *big.Int `cbor:"share"`
}

// partialDecryptMsg carries one signer's d_i = lambda_i * x_i * C1.
type partialDecryptMsg struct {
	DX *big.Int `cbor:"d_x"`
	DY *big.Int `cbor:"d_y"`
}
