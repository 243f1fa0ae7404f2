package frost

import (
	"context"
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

func runKeygenRound(t *testing.T, kind tssconst.ProtocolKind, seq uint32, engines map[uint32]*KeygenEngine, ins map[uint32][]byte) map[uint32][]byte {
	t.Helper()
	broadcasts := make(map[uint32][]byte)
	unicasts := make(map[uint32]map[uint32][]byte)
	order := make([]uint32, 0, len(engines))
	for idx := range engines {
		order = append(order, idx)
		unicasts[idx] = make(map[uint32][]byte)
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

func runKeygen(t *testing.T, n, threshold uint32) map[uint32]*GroupContext {
	t.Helper()
	ctx := context.Background()
	engines := make(map[uint32]*KeygenEngine, n)
	ins := make(map[uint32][]byte, n)
	for i := uint32(1); i <= n; i++ {
		engines[i] = NewKeygenEngine(ctx)
		init := protocol.GroupInit{Kind: tssconst.FROSTKeyGen, Parties: n, Threshold: threshold, Index: i}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[i] = bz
	}

	for round := uint32(1); round <= keygenTotalRounds; round++ {
		ins = runKeygenRound(t, tssconst.FROSTKeyGen, round, engines, ins)
	}

	out := make(map[uint32]*GroupContext, n)
	for i := uint32(1); i <= n; i++ {
		require.True(t, engines[i].Terminal(), "party %d not terminal", i)
		bz, err := engines[i].Finish()
		require.NoError(t, err)
		gc, err := DecodeGroupContext(bz)
		require.NoError(t, err)
		out[i] = gc
	}
	return out
}

func runSignRound(t *testing.T, kind tssconst.ProtocolKind, seq uint32, engines map[uint32]*SigningEngine, ins map[uint32][]byte) map[uint32][]byte {
	t.Helper()
	broadcasts := make(map[uint32][]byte)
	unicasts := make(map[uint32]map[uint32][]byte)
	order := make([]uint32, 0, len(engines))
	for idx := range engines {
		order = append(order, idx)
		unicasts[idx] = make(map[uint32][]byte)
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
	engines := make(map[uint32]*SigningEngine, len(signers))
	ins := make(map[uint32][]byte, len(signers))
	for _, idx := range signers {
		gcBytes, err := gcs[idx].encode()
		require.NoError(t, err)
		engines[idx] = NewSigningEngine(gcs[idx])
		init := protocol.SignInit{Kind: tssconst.FROSTSign, Indices: signers, Index: idx, Data: msg, GroupContext: gcBytes}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[idx] = bz
	}

	for round := uint32(1); round <= signTotalRounds; round++ {
		ins = runSignRound(t, tssconst.FROSTSign, round, engines, ins)
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

// TestFrostKeygenAgreement is spec.md's S5 keygen half: FROST keygen with
// N=3, T=2 produces an identical group verification key at every party.
func TestFrostKeygenAgreement(t *testing.T) {
	gcs := runKeygen(t, 3, 2)
	want := gcs[1]
	for i := uint32(2); i <= 3; i++ {
		require.Equal(t, want.PubKeyX, gcs[i].PubKeyX)
		require.Equal(t, want.PubKeyY, gcs[i].PubKeyY)
	}
}

// TestFrostSigningVerifies is spec.md's S5: FROST keygen N=3,T=2 then FROST
// sign with signers {1,3} on message h"00" verifies, once CombineSignatures
// aggregates each signer's partial Finish result.
func TestFrostSigningVerifies(t *testing.T) {
	gcs := runKeygen(t, 3, 2)
	sigs := runSign(t, gcs, []uint32{1, 3}, []byte{0x00})

	require.Equal(t, sigs[1].RX, sigs[3].RX)
	require.NotEqual(t, sigs[1].Z, sigs[3].Z)

	combined, err := CombineSignatures(gcs[1], []byte{0x00}, []*Signature{sigs[1], sigs[3]})
	require.NoError(t, err)

	curve := tssconst.Edwards()
	y, err := xcrypto.NewPoint(curve, gcs[1].PubKeyX, gcs[1].PubKeyY)
	require.NoError(t, err)
	m := new(big.Int).Mod(new(big.Int).SetBytes([]byte{0x00}), curve.Params().N)
	r, err := xcrypto.NewPoint(curve, combined.RX, combined.RY)
	require.NoError(t, err)
	require.True(t, verifySchnorr(curve, y, m, r, combined.Z))
}

// TestFrostKeygenAdvancePastTerminalIsOutOfSequence mirrors gg18's
// property: advance on a terminal handle returns out-of-sequence and
// leaves the handle unpoisoned.
func TestFrostKeygenAdvancePastTerminalIsOutOfSequence(t *testing.T) {
	e := &KeygenEngine{kind: tssconst.FROSTKeyGen, round: keygenTotalRounds}
	_, _, err := e.Advance(nil)
	require.Error(t, err)
	xerr, ok := err.(xerrors.Error)
	require.True(t, ok)
	require.Equal(t, xerrors.KindOutOfSequence, xerr.Kind())
	require.False(t, xerr.Poisons())
	require.False(t, e.Poisoned())
}

func TestFrostSigningAdvancePastTerminalIsOutOfSequence(t *testing.T) {
	e := &SigningEngine{kind: tssconst.FROSTSign, round: signTotalRounds}
	_, _, err := e.Advance(nil)
	require.Error(t, err)
	xerr, ok := err.(xerrors.Error)
	require.True(t, ok)
	require.Equal(t, xerrors.KindOutOfSequence, xerr.Kind())
	require.False(t, xerr.Poisons())
	require.False(t, e.Poisoned())
}
