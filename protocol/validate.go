package protocol

import (
	"github.com/mpcvault/tss-client/common"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/xerrors"
)

// ValidateGroupInit checks the declared kind against wantKind (wrong-protocol
// if mismatched) and spec.md §3's ParticipantSet invariant for keygen:
// 1 <= T <= N, and my_index in [1..N].
func ValidateGroupInit(init GroupInit, wantKind tssconst.ProtocolKind, exactThreshold bool) error {
	if init.Kind != wantKind {
		return xerrors.WrongProtocol("group init declared kind %s, engine is %s", init.Kind, wantKind)
	}
	if init.Threshold < 1 || init.Threshold > init.Parties {
		return xerrors.WrongSessionShape("group init: threshold %d must satisfy 1 <= threshold <= parties (%d)", init.Threshold, init.Parties)
	}
	if init.Index < 1 || init.Index > init.Parties {
		return xerrors.WrongSessionShape("group init: index %d not in [1, %d]", init.Index, init.Parties)
	}
	if exactThreshold && init.Parties != init.Threshold {
		return xerrors.WrongSessionShape("group init: this protocol requires parties == threshold, got parties=%d threshold=%d", init.Parties, init.Threshold)
	}
	return nil
}

// ValidateSignInit checks the declared kind against wantKind, then the
// sign/decrypt ParticipantSet invariant: my_index in indices, and (when
// minSize > 0) len(indices) >= minSize.
func ValidateSignInit(init SignInit, wantKind tssconst.ProtocolKind, minSize int) error {
	if init.Kind != wantKind {
		return xerrors.WrongProtocol("sign init declared kind %s, engine is %s", init.Kind, wantKind)
	}
	found := false
	for _, idx := range init.Indices {
		if idx == init.Index {
			found = true
			break
		}
	}
	if !found {
		return xerrors.WrongSessionShape("sign init: index %d not present in indices %v", init.Index, init.Indices)
	}
	if minSize > 0 && len(init.Indices) < minSize {
		return xerrors.WrongSessionShape("sign init: %d indices is below the required threshold %d", len(init.Indices), minSize)
	}
	if !common.NonEmptyBytes(init.Data) {
		return xerrors.WrongSessionShape("sign init: data payload is empty")
	}
	return nil
}

// PeerOrder returns the keys of m sorted ascending — the tie-break policy
// spec.md §4.3 requires whenever a cryptographic round needs an ordered
// vector from an unordered peer map.
func PeerOrder(m map[uint32][]byte) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
