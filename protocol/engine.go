// Package protocol holds the vocabulary shared by every round engine
// (gg18, frost, musig2, elgamal): the uniform Engine contract the
// dispatcher switches on, the two session-init record shapes, and the
// participant-set validation every engine's round 0 performs. It plays the
// role the teacher's tss.Party/tss.Round interfaces play, rebuilt flat
// (one Advance/Finish pair instead of a Start/Update/NextRound chain)
// since every engine here is driven synchronously, one wire envelope at a
// time, by the dispatcher rather than by an event loop.
package protocol

import (
	"github.com/mpcvault/tss-client/tssconst"
)

// Engine is the uniform contract every round engine satisfies. advance and
// finish mirror spec.md §4.3 exactly.
type Engine interface {
	// Kind reports which of the eight concrete engines this is; used by
	// the dispatcher's snapshot tag and by diagnostics logging.
	Kind() tssconst.ProtocolKind
	// Round reports the current round number, starting at 0 (the
	// session-init round).
	Round() int
	// Terminal reports whether Finish would succeed right now.
	Terminal() bool
	// Poisoned reports whether a past error has latched this engine into
	// a permanently-failed state.
	Poisoned() bool
	// Advance consumes one wire envelope (the session-init record at
	// round 0, a decoded peer envelope afterward) and produces the next
	// outbound envelope plus the recipient it's addressed to.
	Advance(in []byte) (out []byte, recipient tssconst.Recipient, err error)
	// Finish returns the terminal artifact. Only succeeds once Terminal()
	// is true; idempotent once reached.
	Finish() ([]byte, error)
	// Snapshot serializes the engine's full round state.
	Snapshot() ([]byte, error)
}

// GroupInit is the session-init record a keygen engine's round 0 consumes.
type GroupInit struct {
	Kind      tssconst.ProtocolKind `cbor:"kind"`
	Parties   uint32                `cbor:"parties"`
	Threshold uint32                `cbor:"threshold"`
	Index     uint32                `cbor:"index"`
	WithCard  bool                  `cbor:"with_card,omitempty"`
}

// SignInit is the session-init record a sign/decrypt engine's round 0
// consumes. Data is the message to sign (GG18/FROST/MuSig2) or the
// ciphertext to decrypt (ElGamal).
type SignInit struct {
	Kind     tssconst.ProtocolKind `cbor:"kind"`
	Indices  []uint32              `cbor:"indices"`
	Index    uint32                `cbor:"index"`
	Data     []byte                `cbor:"data"`
	WithCard bool                  `cbor:"with_card,omitempty"`
	// GroupContext is the serialized terminal artifact of the matching
	// keygen run, as spec.md §3's "group context artifact".
	GroupContext []byte `cbor:"group_context"`
}
