// Package wire implements the envelope codec every round engine uses to
// exchange one round's payload with its peers: a single value broadcast to
// everyone, a map of per-peer unicast values, or both, tagged with
// the protocol kind the engine belongs to. It plays the role the teacher's
// tss.MessageImpl/WireBytes plays, rebuilt on CBOR
// (github.com/fxamacker/cbor/v2) instead of protobuf since this repo has no
// protoc step (see DESIGN.md).
package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/xerrors"
)

// Envelope is the on-the-wire shape. On the outbound side Broadcast,
// Unicasts, or both (EncodeMixed) are populated. On the inbound,
// server-aggregated side,
// Broadcasts carries every sender's broadcast value keyed by sender index
// and Unicasts carries only the entries addressed to the receiving peer;
// both may be populated at once. Seq is carried for logging/diagnostics
// only — no engine reads it back.
type Envelope struct {
	Kind       tssconst.ProtocolKind `cbor:"kind"`
	Seq        uint32                `cbor:"seq,omitempty"`
	Broadcast  []byte                `cbor:"broadcast,omitempty"`
	Broadcasts map[uint32][]byte     `cbor:"broadcasts,omitempty"`
	Unicasts   map[uint32][]byte     `cbor:"unicasts,omitempty"`
}

// Decoded is the result of splitting an Envelope's payload fields out into
// the two maps every engine round consumes, keyed by peer index.
type Decoded struct {
	Kind       tssconst.ProtocolKind
	Broadcasts map[uint32][]byte
	Unicasts   map[uint32][]byte
}

// EncodeBroadcast builds an envelope with one value addressed to every peer.
func EncodeBroadcast(kind tssconst.ProtocolKind, seq uint32, payload []byte) ([]byte, error) {
	bz, err := cbor.Marshal(Envelope{Kind: kind, Seq: seq, Broadcast: payload})
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "wire: encode broadcast"))
	}
	return bz, nil
}

// EncodeUnicast builds an envelope with one value per named peer.
func EncodeUnicast(kind tssconst.ProtocolKind, seq uint32, payloads map[uint32][]byte) ([]byte, error) {
	bz, err := cbor.Marshal(Envelope{Kind: kind, Seq: seq, Unicasts: payloads})
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "wire: encode unicast"))
	}
	return bz, nil
}

// EncodeMixed builds an envelope carrying both a broadcast value and a set
// of per-peer unicast values in the same round, e.g. FROST and ElGamal
// keygen's round 0 (broadcast commitments, unicast shares).
func EncodeMixed(kind tssconst.ProtocolKind, seq uint32, broadcast []byte, unicasts map[uint32][]byte) ([]byte, error) {
	bz, err := cbor.Marshal(Envelope{Kind: kind, Seq: seq, Broadcast: broadcast, Unicasts: unicasts})
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "wire: encode mixed"))
	}
	return bz, nil
}

// EncodeAggregated builds the server-aggregated inbound envelope for one
// receiving peer: every sender's broadcast, plus only the unicast entries
// addressed to recipient. Test harnesses and the real dispatch server's
// routing layer both use this to assemble what a party's next Advance call
// consumes.
func EncodeAggregated(kind tssconst.ProtocolKind, seq uint32, broadcasts map[uint32][]byte, unicastsForRecipient map[uint32][]byte) ([]byte, error) {
	bz, err := cbor.Marshal(Envelope{Kind: kind, Seq: seq, Broadcasts: broadcasts, Unicasts: unicastsForRecipient})
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "wire: encode aggregated"))
	}
	return bz, nil
}

// Decode is lenient: an envelope with neither field populated decodes to
// two empty maps rather than an error — that is a legitimate no-op round,
// e.g. a party outside this round's sender set.
func Decode(bz []byte) (*Decoded, error) {
	var env Envelope
	if err := cbor.Unmarshal(bz, &env); err != nil {
		return nil, xerrors.MalformedEnvelope(err)
	}
	d := &Decoded{
		Kind:       env.Kind,
		Broadcasts: make(map[uint32][]byte),
		Unicasts:   make(map[uint32][]byte),
	}
	if env.Broadcast != nil {
		// A lone outbound broadcast has no sender key of its own; callers
		// that need "the broadcast value" off an un-aggregated envelope
		// read it via the sentinel key 0, which is never a valid 1-based
		// peer index.
		d.Broadcasts[0] = env.Broadcast
	}
	for peer, payload := range env.Broadcasts {
		d.Broadcasts[peer] = payload
	}
	for peer, payload := range env.Unicasts {
		d.Unicasts[peer] = payload
	}
	return d, nil
}
