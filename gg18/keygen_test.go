package gg18

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

// runRound feeds every party's previous-round output through an in-memory
// aggregating server — the same routing spec.md §4.3's scenario S1
// describes — and returns each party's next outbound envelope. parties are
// keyed 1..N; ins holds each party's inbound envelope for this round.
func runRound(t *testing.T, kind tssconst.ProtocolKind, seq uint32, engines map[uint32]*KeygenEngine, ins map[uint32][]byte) map[uint32][]byte {
	t.Helper()
	outs := make(map[uint32][]byte, len(engines))
	broadcasts := make(map[uint32][]byte)
	unicasts := make(map[uint32]map[uint32][]byte) // recipient -> sender -> payload
	for idx := range engines {
		unicasts[idx] = make(map[uint32][]byte)
	}

	order := sortedUint32Keys(mapKeysUint32(engines))
	for _, idx := range order {
		out, recipient, err := engines[idx].Advance(ins[idx])
		require.NoError(t, err, "party %d advance", idx)
		require.Equal(t, tssconst.RecipientServer, recipient)
		outs[idx] = out

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

func mapKeysUint32(m map[uint32]*KeygenEngine) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func runKeygen(t *testing.T, n, threshold uint32) map[uint32]*GroupContext {
	t.Helper()
	ctx := context.Background()
	engines := make(map[uint32]*KeygenEngine, n)
	ins := make(map[uint32][]byte, n)
	for i := uint32(1); i <= n; i++ {
		engines[i] = NewKeygenEngine(ctx)
		init := protocol.GroupInit{Kind: tssconst.GG18KeyGen, Parties: n, Threshold: threshold, Index: i}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[i] = bz
	}

	for round := uint32(1); round <= keygenTotalRounds; round++ {
		ins = runRound(t, tssconst.GG18KeyGen, round, engines, ins)
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

// TestKeygenAgreement is spec.md's S1: GG18 keygen with N=3, T=2 produces an
// identical group public key at every party, and every party's share
// verifies against the shared VSS commitments it collected along the way.
func TestKeygenAgreement(t *testing.T) {
	gcs := runKeygen(t, 3, 2)

	want := gcs[1]
	for i := uint32(2); i <= 3; i++ {
		require.Equal(t, want.PubKeyX, gcs[i].PubKeyX, "party %d pubkey.x mismatch", i)
		require.Equal(t, want.PubKeyY, gcs[i].PubKeyY, "party %d pubkey.y mismatch", i)
	}
	for i := uint32(1); i <= 3; i++ {
		require.NotNil(t, gcs[i].ShareXi)
		require.Equal(t, uint32(3), gcs[i].Parties)
		require.Equal(t, uint32(2), gcs[i].Threshold)
		require.Len(t, gcs[i].PeerPaillierN, 3)
	}
}

// TestKeygenAdvancePastTerminalIsOutOfSequence is spec.md §8's testable
// property 5: advance on a terminal handle returns out-of-sequence, and
// out-of-sequence errors don't poison — the handle stays usable.
func TestKeygenAdvancePastTerminalIsOutOfSequence(t *testing.T) {
	e := &KeygenEngine{kind: tssconst.GG18KeyGen, round: keygenTotalRounds}
	_, _, err := e.Advance(nil)
	require.Error(t, err)
	xerr, ok := err.(xerrors.Error)
	require.True(t, ok)
	require.Equal(t, xerrors.KindOutOfSequence, xerr.Kind())
	require.False(t, xerr.Poisons())
	require.False(t, e.Poisoned(), "handle must remain usable after an out-of-sequence error")
}
