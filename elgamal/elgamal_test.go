package elgamal

import (
	"context"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/mpcvault/tss-client/protocol"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/wire"
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
		init := protocol.GroupInit{Kind: tssconst.ElGamalKeyGen, Parties: n, Threshold: threshold, Index: i}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[i] = bz
	}

	for round := uint32(1); round <= keygenTotalRounds; round++ {
		ins = runKeygenRound(t, tssconst.ElGamalKeyGen, round, engines, ins)
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

func runDecryptRound(t *testing.T, kind tssconst.ProtocolKind, seq uint32, engines map[uint32]*DecryptEngine, ins map[uint32][]byte) map[uint32][]byte {
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

// TestElGamalKeygenAgreement is spec.md's S6 keygen half: ElGamal keygen
// with N=3, T=2 produces an identical group public key at every party.
func TestElGamalKeygenAgreement(t *testing.T) {
	gcs := runKeygen(t, 3, 2)
	want := gcs[1]
	for i := uint32(2); i <= 3; i++ {
		require.Equal(t, want.PubKeyX, gcs[i].PubKeyX)
		require.Equal(t, want.PubKeyY, gcs[i].PubKeyY)
	}
}

// TestElGamalDecryptRecoversPlaintext is spec.md's S6: ElGamal keygen
// N=3,T=2, encrypt a 32-byte message under the group key, decrypt with
// signers {2,3} recovers the plaintext.
func TestElGamalDecryptRecoversPlaintext(t *testing.T) {
	gcs := runKeygen(t, 3, 2)
	curve := tssconst.S256()

	plaintext := make([]byte, 32)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	ctBytes, err := Encrypt(curve, gcs[1].PubKeyX, gcs[1].PubKeyY, plaintext)
	require.NoError(t, err)

	signers := []uint32{2, 3}
	engines := make(map[uint32]*DecryptEngine, len(signers))
	ins := make(map[uint32][]byte, len(signers))
	for _, idx := range signers {
		engines[idx] = NewDecryptEngine(gcs[idx])
		init := protocol.SignInit{Kind: tssconst.ElGamalDecrypt, Indices: signers, Index: idx, Data: ctBytes}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[idx] = bz
	}

	for round := uint32(1); round <= decryptTotalRounds; round++ {
		ins = runDecryptRound(t, tssconst.ElGamalDecrypt, round, engines, ins)
	}

	for _, idx := range signers {
		require.True(t, engines[idx].Terminal(), "party %d not terminal", idx)
		got, err := engines[idx].Finish()
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

// TestElGamalKeygenAdvancePastTerminalIsOutOfSequence mirrors gg18's
// property: advance on a terminal handle returns out-of-sequence and
// leaves the handle unpoisoned.
func TestElGamalKeygenAdvancePastTerminalIsOutOfSequence(t *testing.T) {
	e := &KeygenEngine{kind: tssconst.ElGamalKeyGen, round: keygenTotalRounds}
	_, _, err := e.Advance(nil)
	require.Error(t, err)
	xerr, ok := err.(xerrors.Error)
	require.True(t, ok)
	require.Equal(t, xerrors.KindOutOfSequence, xerr.Kind())
	require.False(t, xerr.Poisons())
	require.False(t, e.Poisoned())
}

func TestElGamalDecryptAdvancePastTerminalIsOutOfSequence(t *testing.T) {
	e := &DecryptEngine{kind: tssconst.ElGamalDecrypt, round: decryptTotalRounds}
	_, _, err := e.Advance(nil)
	require.Error(t, err)
	xerr, ok := err.(xerrors.Error)
	require.True(t, ok)
	require.Equal(t, xerrors.KindOutOfSequence, xerr.Kind())
	require.False(t, xerr.Poisons())
	require.False(t, e.Poisoned())
}
