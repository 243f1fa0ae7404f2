package gg18

import (
	"context"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/mpcvault/tss-client/protocol"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/wire"
	"github.com/mpcvault/tss-client/xcrypto"
	"github.com/mpcvault/tss-client/xerrors"
)

// runSignRound mirrors runRound for the signing engine.
func runSignRound(t *testing.T, kind tssconst.ProtocolKind, seq uint32, engines map[uint32]*SigningEngine, ins map[uint32][]byte) map[uint32][]byte {
	t.Helper()
	broadcasts := make(map[uint32][]byte)
	unicasts := make(map[uint32]map[uint32][]byte)
	for idx := range engines {
		unicasts[idx] = make(map[uint32][]byte)
	}

	order := make([]uint32, 0, len(engines))
	for idx := range engines {
		order = append(order, idx)
	}
	order = sortedUint32Keys(order)

	for _, idx := range order {
		out, recipient, err := engines[idx].Advance(ins[idx])
		require.NoError(t, err, "party %d advance", idx)
		require.Equal(t, tssconst.RecipientServer, recipient)

		dec, err := wire.Decode(out)
		require.NoError(t, err)
		if bz, ok := dec.Broadcasts[0]; ok {
			broadcasts[idx] = bz
		}
		for peer, payload := range dec.Unicasts {
			unicasts[peer][idx] = payload
		}
	}

	next := make(map[uint32][]byte, len(engines))
	for _, idx := range order {
		bz, err := wire.EncodeAggregated(kind, seq, broadcasts, unicasts[idx])
		require.NoError(t, err)
		next[idx] = bz
	}
	return next
}

func runSign(t *testing.T, gcs map[uint32]*GroupContext, signers []uint32, msg []byte) map[uint32]*Signature {
	t.Helper()
	ctx := context.Background()
	engines := make(map[uint32]*SigningEngine, len(signers))
	ins := make(map[uint32][]byte, len(signers))
	for _, idx := range signers {
		gcBytes, err := gcs[idx].encode()
		require.NoError(t, err)
		engines[idx] = NewSigningEngine(ctx, gcs[idx])
		init := protocol.SignInit{
			Kind:         tssconst.GG18Sign,
			Indices:      signers,
			Index:        idx,
			Data:         msg,
			GroupContext: gcBytes,
		}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[idx] = bz
	}

	for round := uint32(1); round <= signTotalRounds; round++ {
		ins = runSignRound(t, tssconst.GG18Sign, round, engines, ins)
	}

	out := make(map[uint32]*Signature, len(signers))
	for _, idx := range signers {
		require.True(t, engines[idx].Terminal(), "party %d not terminal", idx)
		bz, err := engines[idx].Finish()
		require.NoError(t, err)
		var sig Signature
		require.NoError(t, cbor.Unmarshal(bz, &sig))
		out[idx] = &sig
	}
	return out
}

// TestSigningAgreement is spec.md's S2: signing a message with a subset of
// signers {1,2} from an S1-shaped N=3,T=2 group produces a single (r,s) all
// signers agree on, that verifies against the group public key.
func TestSigningAgreement(t *testing.T) {
	gcs := runKeygen(t, 3, 2)

	h := sha256.Sum256([]byte("hello"))
	sigs := runSign(t, gcs, []uint32{1, 2}, h[:])

	want := sigs[1]
	require.NotNil(t, want.R)
	require.NotNil(t, want.S)
	require.Equal(t, want.R, sigs[2].R)
	require.Equal(t, want.S, sigs[2].S)

	curve := tssconst.S256()
	pub, err := xcrypto.NewPoint(curve, gcs[1].PubKeyX, gcs[1].PubKeyY)
	require.NoError(t, err)
	m := new(big.Int).Mod(new(big.Int).SetBytes(h[:]), curve.Params().N)
	require.True(t, verifyECDSA(curve, pub, m, want.R, want.S))
}

// TestSigningAdvancePastTerminalIsOutOfSequence mirrors the keygen-side
// property: advance on a terminal signing handle returns out-of-sequence
// and leaves the handle unpoisoned.
func TestSigningAdvancePastTerminalIsOutOfSequence(t *testing.T) {
	e := &SigningEngine{kind: tssconst.GG18Sign, round: signTotalRounds}
	_, _, err := e.Advance(nil)
	require.Error(t, err)
	xerr, ok := err.(xerrors.Error)
	require.True(t, ok)
	require.Equal(t, xerrors.KindOutOfSequence, xerr.Kind())
	require.False(t, xerr.Poisons())
	require.False(t, e.Poisoned())
}
