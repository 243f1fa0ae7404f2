package musig2

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

func runKeygenRound(t *testing.T, kind tssconst.ProtocolKind, seq uint32, engines map[uint32]*KeygenEngine, ins map[uint32][]byte) map[uint32][]byte {
	t.Helper()
	broadcasts := make(map[uint32][]byte)
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
	}

	next := make(map[uint32][]byte, len(engines))
	for _, idx := range order {
		bz, err := wire.EncodeAggregated(kind, seq, broadcasts, nil)
		require.NoError(t, err)
		next[idx] = bz
	}
	return next
}

func runKeygen(t *testing.T, n uint32) map[uint32]*GroupContext {
	t.Helper()
	ctx := context.Background()
	engines := make(map[uint32]*KeygenEngine, n)
	ins := make(map[uint32][]byte, n)
	for i := uint32(1); i <= n; i++ {
		engines[i] = NewKeygenEngine(ctx)
		init := protocol.GroupInit{Kind: tssconst.MuSig2KeyGen, Parties: n, Threshold: n, Index: i}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[i] = bz
	}

	for round := uint32(1); round <= keygenTotalRounds; round++ {
		ins = runKeygenRound(t, tssconst.MuSig2KeyGen, round, engines, ins)
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
	}

	next := make(map[uint32][]byte, len(engines))
	for _, idx := range order {
		bz, err := wire.EncodeAggregated(kind, seq, broadcasts, nil)
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
		init := protocol.SignInit{Kind: tssconst.MuSig2Sign, Indices: signers, Index: idx, Data: msg, GroupContext: gcBytes}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[idx] = bz
	}

	for round := uint32(1); round <= signTotalRounds; round++ {
		ins = runSignRound(t, tssconst.MuSig2Sign, round, engines, ins)
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

// TestMuSig2KeygenAgreement is spec.md's S3: MuSig2 keygen with N=T=2
// produces an identical aggregate public key at every party.
func TestMuSig2KeygenAgreement(t *testing.T) {
	gcs := runKeygen(t, 2)
	require.Equal(t, gcs[1].PubKeyX, gcs[2].PubKeyX)
	require.Equal(t, gcs[1].PubKeyY, gcs[2].PubKeyY)
}

// TestMuSig2KeygenRejectsPartiesNotEqualThreshold checks that a group init
// with parties != threshold is rejected as wrong-session-shape: MuSig2 is
// strictly n-of-n.
func TestMuSig2KeygenRejectsPartiesNotEqualThreshold(t *testing.T) {
	e := NewKeygenEngine(context.Background())
	init := protocol.GroupInit{Kind: tssconst.MuSig2KeyGen, Parties: 3, Threshold: 2, Index: 1}
	bz, err := cbor.Marshal(init)
	require.NoError(t, err)
	_, _, err = e.Advance(bz)
	require.Error(t, err)
	require.True(t, e.Poisoned())
}

// TestMuSig2SigningVerifies is spec.md's S4: MuSig2 keygen N=T=2 then sign
// on message "hello" verifies, and every signer's final compact signature
// is byte-identical (spec.md §8 testable property #3).
func TestMuSig2SigningVerifies(t *testing.T) {
	gcs := runKeygen(t, 2)
	msg := []byte("hello")
	digest := sha256.Sum256(msg)
	sigs := runSign(t, gcs, []uint32{1, 2}, digest[:])

	curve := tssconst.Edwards()
	x, err := xcrypto.NewPoint(curve, gcs[1].PubKeyX, gcs[1].PubKeyY)
	require.NoError(t, err)
	m := new(big.Int).Mod(new(big.Int).SetBytes(digest[:]), curve.Params().N)
	r, err := xcrypto.NewPoint(curve, sigs[1].RX, sigs[1].RY)
	require.NoError(t, err)
	require.True(t, verifySchnorr(curve, x, m, r, sigs[1].S))

	require.Equal(t, sigs[1].RX, sigs[2].RX)
	require.Equal(t, sigs[1].RY, sigs[2].RY)
	require.Equal(t, sigs[1].S, sigs[2].S)
}

// TestMuSig2KeygenAdvancePastTerminalIsOutOfSequence mirrors gg18's
// property: advance on a terminal handle returns out-of-sequence and
// leaves the handle unpoisoned.
func TestMuSig2KeygenAdvancePastTerminalIsOutOfSequence(t *testing.T) {
	e := &KeygenEngine{kind: tssconst.MuSig2KeyGen, round: keygenTotalRounds}
	_, _, err := e.Advance(nil)
	require.Error(t, err)
	xerr, ok := err.(xerrors.Error)
	require.True(t, ok)
	require.Equal(t, xerrors.KindOutOfSequence, xerr.Kind())
	require.False(t, xerr.Poisons())
	require.False(t, e.Poisoned())
}

func TestMuSig2SigningAdvancePastTerminalIsOutOfSequence(t *testing.T) {
	e := &SigningEngine{kind: tssconst.MuSig2Sign, round: signTotalRounds}
	_, _, err := e.Advance(nil)
	require.Error(t, err)
	xerr, ok := err.(xerrors.Error)
	require.True(t, ok)
	require.Equal(t, xerrors.KindOutOfSequence, xerr.Kind())
	require.False(t, xerr.Poisons())
	require.False(t, e.Poisoned())
}
