package channel

import (
	"context"
	"crypto/x509"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/dispatch"
	"github.com/mpcvault/tss-client/identity"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/xerrors"
)

// Orchestrator wraps N share dispatch.Handles (one per share this device
// holds) behind one authenticated transport, per spec.md §4.5. AdvanceShare
// never decides which peer a unicast reaches — wire already addressed
// that — it only decides whether the outer envelope needs AEAD sealing
// (server leg) or passes through in the clear (card leg).
type Orchestrator struct {
	kind    tssconst.ProtocolKind
	session *session
	shares  []*dispatch.Handle
}

// NewOrchestrator constructs an orchestrator starting either in cert-swap
// (keygen start, peer identity not yet pinned) or directly in running
// (sign start, the counterpart's certificate was already pinned by a
// prior cert-swap and sessionKey is the ECDH shared secret that cert-swap
// computed, which is run through the same HKDF step to rebuild the AEAD
// key; passed in by the host since this core has no persistent channel
// state of its own across process runs).
func NewOrchestrator(
	initialState string,
	shares []*dispatch.Handle,
	trustAnchors *x509.CertPool,
	identityBundle []byte,
	kind tssconst.ProtocolKind,
	peerCert *x509.Certificate,
	sessionKey []byte,
) (*Orchestrator, error) {
	bundle, err := identity.DecodeBundle(identityBundle)
	if err != nil {
		return nil, err
	}
	localKey, err := bundle.PrivateKey()
	if err != nil {
		return nil, err
	}
	localCert, err := bundle.Certificate()
	if err != nil {
		return nil, err
	}

	sess := &session{
		localKey:     localKey,
		localCert:    localCert,
		trustAnchors: trustAnchors,
	}

	switch initialState {
	case "cert-swap":
		sess.state = stateCertSwap
	case "init":
		if peerCert == nil || sessionKey == nil {
			return nil, xerrors.WrongSessionShape("channel: init-start orchestrator requires a pinned peer certificate and session key")
		}
		sess.peerCert = peerCert
		if err := sess.deriveSessionKey(sessionKey); err != nil {
			return nil, err
		}
		sess.state = stateRunning
	default:
		return nil, xerrors.WrongSessionShape("channel: unknown initial session state %q", initialState)
	}

	return &Orchestrator{kind: kind, session: sess, shares: shares}, nil
}

// AdvanceShare drives share i's round engine forward by one step, per
// spec.md §4.5's advance_share. The first AdvanceShare call on a
// cert-swap orchestrator consumes the peer's certificate bundle instead
// of forwarding to any share's dispatcher — per spec.md, that happens
// once, carried by whichever share is advanced first.
func (o *Orchestrator) AdvanceShare(i int, ciphertextIn []byte) (ciphertextOut []byte, recipient tssconst.Recipient, err error) {
	if i < 0 || i >= len(o.shares) {
		return nil, 0, xerrors.WrongSessionShape("channel: share index %d out of range", i)
	}

	if o.session.state == stateCertSwap {
		localCertDER, err := o.session.certSwap(ciphertextIn)
		if err != nil {
			return nil, 0, err
		}
		return localCertDER, tssconst.RecipientServer, nil
	}
	if o.session.state != stateRunning {
		return nil, 0, xerrors.WrongSessionShape("channel: session not running")
	}

	plaintextIn, err := o.session.open(ciphertextIn)
	if err != nil {
		return nil, 0, err
	}

	out, recip, err := o.shares[i].Advance(plaintextIn)
	if err != nil {
		return nil, recip, err
	}

	switch recip {
	case tssconst.RecipientServer:
		sealed, err := o.session.seal(out)
		if err != nil {
			return nil, recip, err
		}
		return sealed, recip, nil
	case tssconst.RecipientCard:
		// Card transport is unauthenticated at this layer; pass through.
		return out, recip, nil
	default:
		return nil, recip, xerrors.WrongSessionShape("channel: unexpected recipient %s", recip)
	}
}

// finishResult is one share's terminal artifact in FinishAll's combined
// record.
type finishResult struct {
	Index    int    `cbor:"index"`
	Artifact []byte `cbor:"artifact"`
}

// FinishAll calls Finish on every share's dispatcher and returns their
// ordered artifacts as one CBOR record. Unlike AdvanceShare (which fails
// fast on the first error, since a broken share blocks the round for
// everyone), FinishAll aggregates every share's finish error with
// go-multierror so the host learns about every failure in one call
// instead of stopping at the first.
func (o *Orchestrator) FinishAll() ([]byte, error) {
	results := make([]finishResult, 0, len(o.shares))
	var merr *multierror.Error
	for i, h := range o.shares {
		artifact, err := h.Finish()
		if err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "share %d", i))
			continue
		}
		results = append(results, finishResult{Index: i, Artifact: artifact})
	}
	if merr.ErrorOrNil() != nil {
		return nil, merr.ErrorOrNil()
	}
	bz, err := cbor.Marshal(results)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "channel: encode finish-all record"))
	}
	return bz, nil
}

// orchestratorSnapshot is the full serialization of an Orchestrator's
// state: on top of each share's own full-state dispatch.Handle Snapshot
// (safe at any round boundary, see dispatch.Restore), this carries the
// session's running framing state too (sequence counters and pinned peer
// certificate; no key material, which Restore rebuilds from the sessionKey
// its caller passes in), so restoring an orchestrator mid-session
// reconstructs the channel layer's framing alongside every share's round
// state.
type orchestratorSnapshot struct {
	Kind          tssconst.ProtocolKind `cbor:"kind"`
	State         sessionState          `cbor:"state"`
	PeerCertDER   []byte                `cbor:"peer_cert_der,omitempty"`
	SendSeq       uint64                `cbor:"send_seq"`
	RecvSeq       uint64                `cbor:"recv_seq"`
	ShareSnapshots [][]byte             `cbor:"share_snapshots"`
}

// Snapshot serializes the orchestrator's session state and every share's
// own Snapshot. It does not carry the derived AEAD key (the cipher.AEAD
// value exposes no key material to read back), so Restore takes the ECDH
// shared secret as its sessionKey argument and runs it through the same
// HKDF step again; Restore does not re-run ECDH and takes no peer public
// key. This mirrors how dispatch.Restore takes a fresh context.Context
// rather than persisting one.
func (o *Orchestrator) Snapshot() ([]byte, error) {
	shareSnaps := make([][]byte, len(o.shares))
	for i, h := range o.shares {
		bz, err := h.Snapshot()
		if err != nil {
			return nil, err
		}
		shareSnaps[i] = bz
	}
	var peerCertDER []byte
	if o.session.peerCert != nil {
		peerCertDER = o.session.peerCert.Raw
	}
	snap := orchestratorSnapshot{
		Kind:           o.kind,
		State:          o.session.state,
		PeerCertDER:    peerCertDER,
		SendSeq:        o.session.sendSeq,
		RecvSeq:        o.session.recvSeq,
		ShareSnapshots: shareSnaps,
	}
	bz, err := cbor.Marshal(snap)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "channel: encode orchestrator snapshot"))
	}
	return bz, nil
}

// Restore reconstructs an Orchestrator from a Snapshot, safe at any round
// boundary of any share (see dispatch.Restore). ctx is forwarded to any
// gg18 keygen shares being restored; groupContexts supplies the matching
// serialized GroupContext for each sign/decrypt share in the same order as
// the original shares slice, since a share's own snapshot never carries it.
func Restore(ctx context.Context, bz []byte, identityBundle []byte, sessionKey []byte, groupContexts [][]byte) (*Orchestrator, error) {
	var snap orchestratorSnapshot
	if err := cbor.Unmarshal(bz, &snap); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "channel: decode orchestrator snapshot"))
	}

	bundle, err := identity.DecodeBundle(identityBundle)
	if err != nil {
		return nil, err
	}
	localKey, err := bundle.PrivateKey()
	if err != nil {
		return nil, err
	}
	localCert, err := bundle.Certificate()
	if err != nil {
		return nil, err
	}

	sess := &session{state: snap.State, localKey: localKey, localCert: localCert, sendSeq: snap.SendSeq, recvSeq: snap.RecvSeq}
	if len(snap.PeerCertDER) > 0 {
		peerCert, err := x509.ParseCertificate(snap.PeerCertDER)
		if err != nil {
			return nil, xerrors.TransportAuthFailed(errors.Wrap(err, "channel: parse restored peer certificate"))
		}
		sess.peerCert = peerCert
	}
	if sess.state == stateRunning {
		if sessionKey == nil {
			return nil, xerrors.WrongSessionShape("channel: restoring a running session requires its session key")
		}
		if err := sess.deriveSessionKey(sessionKey); err != nil {
			return nil, err
		}
	}

	if len(groupContexts) != len(snap.ShareSnapshots) {
		return nil, xerrors.WrongSessionShape("channel: expected %d group contexts, got %d", len(snap.ShareSnapshots), len(groupContexts))
	}
	shares := make([]*dispatch.Handle, len(snap.ShareSnapshots))
	for i, shareSnap := range snap.ShareSnapshots {
		h, err := dispatch.Restore(ctx, shareSnap, groupContexts[i])
		if err != nil {
			return nil, err
		}
		shares[i] = h
	}

	return &Orchestrator{kind: snap.Kind, session: sess, shares: shares}, nil
}
