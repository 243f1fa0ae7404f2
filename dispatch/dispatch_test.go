package dispatch

import (
	"context"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/mpcvault/tss-client/elgamal"
	"github.com/mpcvault/tss-client/frost"
	"github.com/mpcvault/tss-client/protocol"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/wire"
)

// TestDispatchElGamalRoundTrip exercises NewKeygenHandle/NewSignHandle over
// the Handle facade end-to-end for the family with the fewest rounds,
// confirming the facade doesn't change the underlying engines' behavior.
func TestDispatchElGamalRoundTrip(t *testing.T) {
	ctx := context.Background()
	const n, threshold = uint32(3), uint32(2)

	handles := make(map[uint32]*Handle, n)
	ins := make(map[uint32][]byte, n)
	for i := uint32(1); i <= n; i++ {
		h, err := NewKeygenHandle(ctx, tssconst.ElGamalKeyGen)
		require.NoError(t, err)
		handles[i] = h
		init := protocol.GroupInit{Kind: tssconst.ElGamalKeyGen, Parties: n, Threshold: threshold, Index: i}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[i] = bz
	}

	for round := 0; round < 2; round++ {
		broadcasts := make(map[uint32][]byte)
		unicasts := make(map[uint32]map[uint32][]byte)
		for i := uint32(1); i <= n; i++ {
			unicasts[i] = make(map[uint32][]byte)
		}
		for i := uint32(1); i <= n; i++ {
			out, recipient, err := handles[i].Advance(ins[i])
			require.NoError(t, err)
			require.Equal(t, tssconst.RecipientServer, recipient)
			dec, err := wire.Decode(out)
			require.NoError(t, err)
			if bz, ok := dec.Broadcasts[0]; ok {
				broadcasts[i] = bz
			}
			for peer, payload := range dec.Unicasts {
				unicasts[peer][i] = payload
			}
		}
		for i := uint32(1); i <= n; i++ {
			bz, err := wire.EncodeAggregated(tssconst.ElGamalKeyGen, uint32(round+1), broadcasts, unicasts[i])
			require.NoError(t, err)
			ins[i] = bz
		}
	}

	gcs := make(map[uint32]*elgamal.GroupContext, n)
	for i := uint32(1); i <= n; i++ {
		require.True(t, handles[i].Terminal())
		bz, err := handles[i].Finish()
		require.NoError(t, err)
		gc, err := elgamal.DecodeGroupContext(bz)
		require.NoError(t, err)
		gcs[i] = gc
	}
	require.Equal(t, gcs[1].PubKeyX, gcs[2].PubKeyX)

	plaintext := []byte("dispatch facade round trip")
	ctBytes, err := elgamal.Encrypt(tssconst.S256(), gcs[1].PubKeyX, gcs[1].PubKeyY, plaintext)
	require.NoError(t, err)

	signers := []uint32{2, 3}
	decHandles := make(map[uint32]*Handle, len(signers))
	decIns := make(map[uint32][]byte, len(signers))
	for _, idx := range signers {
		gcBz, err := cbor.Marshal(gcs[idx])
		require.NoError(t, err)
		h, err := NewSignHandle(ctx, tssconst.ElGamalDecrypt, gcBz)
		require.NoError(t, err)
		decHandles[idx] = h
		init := protocol.SignInit{Kind: tssconst.ElGamalDecrypt, Indices: signers, Index: idx, Data: ctBytes}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		decIns[idx] = bz
	}

	for round := 0; round < 2; round++ {
		broadcasts := make(map[uint32][]byte)
		for _, idx := range signers {
			out, recipient, err := decHandles[idx].Advance(decIns[idx])
			require.NoError(t, err)
			require.Equal(t, tssconst.RecipientServer, recipient)
			dec, err := wire.Decode(out)
			require.NoError(t, err)
			if bz, ok := dec.Broadcasts[0]; ok {
				broadcasts[idx] = bz
			}
		}
		for _, idx := range signers {
			bz, err := wire.EncodeAggregated(tssconst.ElGamalDecrypt, uint32(round+1), broadcasts, nil)
			require.NoError(t, err)
			decIns[idx] = bz
		}
	}

	for _, idx := range signers {
		require.True(t, decHandles[idx].Terminal())
		got, err := decHandles[idx].Finish()
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

// TestDispatchRestoreMidProtocol is spec.md §8's testable property 4: for
// every reachable round state, restore(snapshot(h)) is behaviorally
// indistinguishable from h. A 3-party FROST keygen is driven through round
// 0, party 1's handle is snapshotted and restored into a fresh Handle mid
// protocol, and the run finishes entirely on the restored handle — landing
// on the same group key every other party sees.
func TestDispatchRestoreMidProtocol(t *testing.T) {
	ctx := context.Background()
	const n, threshold = uint32(3), uint32(2)

	handles := make(map[uint32]*Handle, n)
	ins := make(map[uint32][]byte, n)
	for i := uint32(1); i <= n; i++ {
		h, err := NewKeygenHandle(ctx, tssconst.FROSTKeyGen)
		require.NoError(t, err)
		handles[i] = h
		init := protocol.GroupInit{Kind: tssconst.FROSTKeyGen, Parties: n, Threshold: threshold, Index: i}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[i] = bz
	}

	runRound := func(round int) {
		broadcasts := make(map[uint32][]byte)
		unicasts := make(map[uint32]map[uint32][]byte)
		for i := uint32(1); i <= n; i++ {
			unicasts[i] = make(map[uint32][]byte)
		}
		for i := uint32(1); i <= n; i++ {
			out, recipient, err := handles[i].Advance(ins[i])
			require.NoError(t, err, "party %d round %d", i, round)
			require.Equal(t, tssconst.RecipientServer, recipient)
			dec, err := wire.Decode(out)
			require.NoError(t, err)
			if bz, ok := dec.Broadcasts[0]; ok {
				broadcasts[i] = bz
			}
			for peer, payload := range dec.Unicasts {
				unicasts[peer][i] = payload
			}
		}
		for i := uint32(1); i <= n; i++ {
			bz, err := wire.EncodeAggregated(tssconst.FROSTKeyGen, uint32(round+1), broadcasts, unicasts[i])
			require.NoError(t, err)
			ins[i] = bz
		}
	}

	runRound(0)

	// Snapshot party 1 mid-protocol (after round 0, round == 1) and replace
	// its handle with one restored entirely from that snapshot.
	require.Equal(t, 1, handles[1].Round())
	snap, err := handles[1].Snapshot()
	require.NoError(t, err)
	restored, err := Restore(ctx, snap, nil)
	require.NoError(t, err)
	require.Equal(t, tssconst.FROSTKeyGen, restored.Kind())
	require.Equal(t, 1, restored.Round())
	require.False(t, restored.Poisoned())
	handles[1] = restored

	runRound(1)

	gcs := make(map[uint32]*frost.GroupContext, n)
	for i := uint32(1); i <= n; i++ {
		require.True(t, handles[i].Terminal(), "party %d not terminal", i)
		bz, err := handles[i].Finish()
		require.NoError(t, err)
		gc, err := frost.DecodeGroupContext(bz)
		require.NoError(t, err)
		gcs[i] = gc
	}
	require.Equal(t, gcs[1].PubKeyX, gcs[2].PubKeyX)
	require.Equal(t, gcs[1].PubKeyY, gcs[2].PubKeyY)
	require.Equal(t, gcs[1].PubKeyX, gcs[3].PubKeyX)
}

// TestDispatchRestoreRejectsPoisoned confirms Restore still refuses to
// resurrect a poisoned handle: a poisoned engine's invariants may already be
// violated, so restoring it would hand the caller a handle it can't trust.
func TestDispatchRestoreRejectsPoisoned(t *testing.T) {
	ctx := context.Background()
	h, err := NewKeygenHandle(ctx, tssconst.FROSTKeyGen)
	require.NoError(t, err)
	_, _, err = h.Advance([]byte("not a valid group init"))
	require.Error(t, err)
	require.True(t, h.Poisoned())

	snap, err := h.Snapshot()
	require.NoError(t, err)
	_, err = Restore(ctx, snap, nil)
	require.Error(t, err)
}
