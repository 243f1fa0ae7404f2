// Package dispatch is the closed factory over the eight concrete round
// engines (gg18, frost, musig2, elgamal): spec.md §4.4's uniform
// advance/finish/snapshot contract, fronted by a single switch on
// tssconst.ProtocolKind so callers never import a protocol package
// directly. It plays the role the teacher's mobile package plays for the
// native bridge: one opaque Handle, resolved by an integer tag, instead of
// eight differently-shaped Go types leaking across the boundary.
package dispatch

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/elgamal"
	"github.com/mpcvault/tss-client/frost"
	"github.com/mpcvault/tss-client/gg18"
	"github.com/mpcvault/tss-client/musig2"
	"github.com/mpcvault/tss-client/protocol"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/xerrors"
)

// Handle wraps one concrete protocol.Engine behind the uniform contract a
// dispatcher caller drives: it never needs to know which of the eight
// concrete engines it holds.
type Handle struct {
	engine protocol.Engine
}

// NewKeygenHandle constructs the keygen engine matching kind. ctx is
// forwarded to gg18's keygen engine, which needs it for the Paillier
// modulus generation goroutine; the other three keygens ignore it.
func NewKeygenHandle(ctx context.Context, kind tssconst.ProtocolKind) (*Handle, error) {
	switch kind {
	case tssconst.GG18KeyGen:
		return &Handle{engine: gg18.NewKeygenEngine(ctx)}, nil
	case tssconst.FROSTKeyGen:
		return &Handle{engine: frost.NewKeygenEngine(ctx)}, nil
	case tssconst.MuSig2KeyGen:
		return &Handle{engine: musig2.NewKeygenEngine(ctx)}, nil
	case tssconst.ElGamalKeyGen:
		return &Handle{engine: elgamal.NewKeygenEngine(ctx)}, nil
	default:
		return nil, xerrors.WrongSessionShape("dispatch: %s is not a keygen kind", kind)
	}
}

// NewSignHandle constructs the signing or decryption engine matching kind,
// decoding groupContext with that family's own DecodeGroupContext first:
// every concrete engine's constructor takes an already-decoded
// *GroupContext, never the raw bytes protocol.SignInit carries them as.
func NewSignHandle(ctx context.Context, kind tssconst.ProtocolKind, groupContext []byte) (*Handle, error) {
	switch kind {
	case tssconst.GG18Sign:
		gc, err := gg18.DecodeGroupContext(groupContext)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: gg18.NewSigningEngine(ctx, gc)}, nil
	case tssconst.FROSTSign:
		gc, err := frost.DecodeGroupContext(groupContext)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: frost.NewSigningEngine(gc)}, nil
	case tssconst.MuSig2Sign:
		gc, err := musig2.DecodeGroupContext(groupContext)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: musig2.NewSigningEngine(gc)}, nil
	case tssconst.ElGamalDecrypt:
		gc, err := elgamal.DecodeGroupContext(groupContext)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: elgamal.NewDecryptEngine(gc)}, nil
	default:
		return nil, xerrors.WrongSessionShape("dispatch: %s is not a sign/decrypt kind", kind)
	}
}

func (h *Handle) Kind() tssconst.ProtocolKind { return h.engine.Kind() }
func (h *Handle) Round() int                  { return h.engine.Round() }
func (h *Handle) Terminal() bool              { return h.engine.Terminal() }
func (h *Handle) Poisoned() bool              { return h.engine.Poisoned() }

func (h *Handle) Advance(in []byte) ([]byte, tssconst.Recipient, error) {
	return h.engine.Advance(in)
}

func (h *Handle) Finish() ([]byte, error) {
	return h.engine.Finish()
}

// snapshotEnvelope is the CBOR {kind, inner} wrapper every Handle.Snapshot
// produces, so Restore knows which concrete engine's snapshot shape the
// inner bytes use before it decodes them.
type snapshotEnvelope struct {
	Kind  tssconst.ProtocolKind `cbor:"kind"`
	Inner []byte                `cbor:"inner"`
}

// Snapshot wraps the engine's own full-state Snapshot in a snapshotEnvelope
// tagged with the handle's kind.
func (h *Handle) Snapshot() ([]byte, error) {
	inner, err := h.engine.Snapshot()
	if err != nil {
		return nil, err
	}
	bz, err := cbor.Marshal(snapshotEnvelope{Kind: h.Kind(), Inner: inner})
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "dispatch: encode snapshot envelope"))
	}
	return bz, nil
}

// Restore reconstructs a Handle from a Snapshot produced by this package, at
// whatever round it was taken: every engine's Snapshot carries its full
// accumulated round state (peer commitments, nonces, partial shares, and so
// on), not just the round number and poisoned flag, so Restore is safe at
// any round boundary, not only before the first Advance call. ctx is
// re-derived here because context.Context is never serializable and gg18's
// engines take it only at construction/restoration time, for the Paillier
// modulus search.
func Restore(ctx context.Context, bz []byte, groupContext []byte) (*Handle, error) {
	var env snapshotEnvelope
	if err := cbor.Unmarshal(bz, &env); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "dispatch: decode snapshot envelope"))
	}

	var poisoned struct {
		Poisoned bool `cbor:"poisoned"`
	}
	if err := cbor.Unmarshal(env.Inner, &poisoned); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "dispatch: decode snapshot poisoned flag"))
	}
	if poisoned.Poisoned {
		return nil, xerrors.Cryptographic(errors.New("dispatch: cannot restore a poisoned engine"))
	}

	switch env.Kind {
	case tssconst.GG18KeyGen:
		e, err := gg18.RestoreKeygenEngine(ctx, env.Inner)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: e}, nil
	case tssconst.FROSTKeyGen:
		e, err := frost.RestoreKeygenEngine(ctx, env.Inner)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: e}, nil
	case tssconst.MuSig2KeyGen:
		e, err := musig2.RestoreKeygenEngine(ctx, env.Inner)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: e}, nil
	case tssconst.ElGamalKeyGen:
		e, err := elgamal.RestoreKeygenEngine(ctx, env.Inner)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: e}, nil
	case tssconst.GG18Sign:
		gc, err := gg18.DecodeGroupContext(groupContext)
		if err != nil {
			return nil, err
		}
		e, err := gg18.RestoreSigningEngine(ctx, gc, env.Inner)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: e}, nil
	case tssconst.FROSTSign:
		gc, err := frost.DecodeGroupContext(groupContext)
		if err != nil {
			return nil, err
		}
		e, err := frost.RestoreSigningEngine(gc, env.Inner)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: e}, nil
	case tssconst.MuSig2Sign:
		gc, err := musig2.DecodeGroupContext(groupContext)
		if err != nil {
			return nil, err
		}
		e, err := musig2.RestoreSigningEngine(gc, env.Inner)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: e}, nil
	case tssconst.ElGamalDecrypt:
		gc, err := elgamal.DecodeGroupContext(groupContext)
		if err != nil {
			return nil, err
		}
		e, err := elgamal.RestoreDecryptEngine(gc, env.Inner)
		if err != nil {
			return nil, err
		}
		return &Handle{engine: e}, nil
	default:
		return nil, xerrors.WrongSessionShape("dispatch: unknown snapshot kind %d", env.Kind)
	}
}
