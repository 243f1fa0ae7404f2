// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package frost implements the FROST threshold-Schnorr round engines
// (Komlo, Goldberg, "FROST: Flexible Round-Optimized Schnorr Threshold
// Signatures", 2020) over the twisted-Edwards curve the teacher already
// registers for its eddsa package (github.com/decred/dcrd/dcrec/edwards/v2,
// tssconst.Edwards()): Feldman VSS keygen plus a nonce-commit/partial-sig
// signing flow, built on the same xcrypto primitives gg18 uses.
package frost

import (
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/xerrors"
)

// GroupContext is the terminal artifact a keygen engine's Finish returns and
// a signing engine's SignInit.GroupContext carries back in.
type GroupContext struct {
	Parties   uint32 `cbor:"parties"`
	Threshold uint32 `cbor:"threshold"`
	Index     uint32 `cbor:"index"`

	PubKeyX *big.Int `cbor:"pub_key_x"`
	PubKeyY *big.Int `cbor:"pub_key_y"`

	ShareSi *big.Int `cbor:"share_si"`
}

func DecodeGroupContext(bz []byte) (*GroupContext, error) {
	var gc GroupContext
	if err := cbor.Unmarshal(bz, &gc); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "frost: decode group context"))
	}
	return &gc, nil
}

func (gc *GroupContext) encode() ([]byte, error) {
	bz, err := cbor.Marshal(gc)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "frost: encode group context"))
	}
	return bz, nil
}

// Signature is a Schnorr signature in (R, z) form. A signing engine's
// Finish returns this signer's partial form (shared R, own z share);
// CombineSignatures returns the summed form, the only one that verifies via
// z*G = R + c*Y.
type Signature struct {
	RX *big.Int `cbor:"r_x"`
	RY *big.Int `cbor:"r_y"`
	Z  *big.Int `cbor:"z"`
}

func (sig *Signature) encode() ([]byte, error) {
	bz, err := cbor.Marshal(sig)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "frost: encode signature"))
	}
	return bz, nil
}

// wire payloads.

type dkgRound0Msg struct {
	Vs    []*big.Int `cbor:"vs"` // flattened xcrypto.Commitments
	Alpha []*big.Int `cbor:"alpha"`
	T     *big.Int   `cbor:"t"`
}

type shareMsg struct {
	ShareID *big.Int `cbor:"share_id"`
	Share   *big.Int `cbor:"share"`
}

type nonceCommitMsg struct {
	DX *big.Int `cbor:"d_x"`
	DY *big.Int `cbor:"d_y"`
	EX *big.Int `cbor:"e_x"`
	EY *big.Int `cbor:"e_y"`
}

type partialSigMsg struct {
	Z *big.Int `cbor:"z"`
}
