package musig2

import (
	"crypto/elliptic"
	"math/big"

	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/common"
	"github.com/mpcvault/tss-client/protocol"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/wire"
	"github.com/mpcvault/tss-client/xcrypto"
	"github.com/mpcvault/tss-client/xerrors"
)

const signTotalRounds = 3

// SigningEngine is the MuSig2 signing round engine: round 0 commits two
// fresh nonces per signer, round 1 combines every signer's nonce pair into
// the session nonce R and emits a partial signature, round 2 sums the
// partial signatures into the final compact (R, s).
type SigningEngine struct {
	kind     tssconst.ProtocolKind
	round    int
	poisoned bool

	gc      *GroupContext
	pks     map[uint32]*xcrypto.Point
	indices []uint32
	myIndex uint32
	msg     *big.Int

	r1, r2 *big.Int
	R1, R2 *xcrypto.Point
	peerR1 map[uint32]*xcrypto.Point
	peerR2 map[uint32]*xcrypto.Point

	R *xcrypto.Point
	s *big.Int

	peerS map[uint32]*big.Int
}

func NewSigningEngine(gc *GroupContext) *SigningEngine {
	return &SigningEngine{kind: tssconst.MuSig2Sign, gc: gc}
}

func (e *SigningEngine) Kind() tssconst.ProtocolKind { return e.kind }
func (e *SigningEngine) Round() int                  { return e.round }
func (e *SigningEngine) Terminal() bool              { return e.round >= signTotalRounds }
func (e *SigningEngine) Poisoned() bool              { return e.poisoned }

func (e *SigningEngine) fail(err error) ([]byte, tssconst.Recipient, error) {
	common.Logger.Errorf("musig2 signing: round %d: %s", e.round, err)
	e.poisoned = true
	return nil, tssconst.RecipientServer, err
}

func (e *SigningEngine) curve() elliptic.Curve { return tssconst.Edwards() }

func (e *SigningEngine) Advance(in []byte) ([]byte, tssconst.Recipient, error) {
	if e.poisoned {
		return e.fail(xerrors.Cryptographic(errors.New("musig2: engine already poisoned")))
	}
	switch e.round {
	case 0:
		return e.round0(in)
	case 1:
		return e.round1(in)
	case 2:
		return e.round2(in)
	default:
		return nil, tssconst.RecipientServer, xerrors.OutOfSequence("musig2 sign: advance called past terminal round %d", e.round)
	}
}

func (e *SigningEngine) round0(in []byte) ([]byte, tssconst.Recipient, error) {
	var init protocol.SignInit
	if err := decodeCBOR(in, &init); err != nil {
		return e.fail(err)
	}
	if err := protocol.ValidateSignInit(init, e.kind, int(e.gc.Parties)); err != nil {
		return e.fail(err)
	}
	e.indices = init.Indices
	e.myIndex = init.Index
	curve := e.curve()
	e.msg = new(big.Int).Mod(new(big.Int).SetBytes(init.Data), curve.Params().N)

	e.pks = make(map[uint32]*xcrypto.Point, len(e.gc.PksX))
	for idx, x := range e.gc.PksX {
		pt, err := xcrypto.NewPoint(curve, x, e.gc.PksY[idx])
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		e.pks[idx] = pt
	}

	e.r1 = common.GetRandomPositiveInt(curve.Params().N)
	e.r2 = common.GetRandomPositiveInt(curve.Params().N)
	e.R1 = xcrypto.ScalarBaseMult(curve, e.r1)
	e.R2 = xcrypto.ScalarBaseMult(curve, e.r2)
	e.peerR1 = map[uint32]*xcrypto.Point{e.myIndex: e.R1}
	e.peerR2 = map[uint32]*xcrypto.Point{e.myIndex: e.R2}

	out, err := wire.EncodeBroadcast(e.kind, 1, mustCBOR(nonceCommitMsg{R1X: e.R1.X(), R1Y: e.R1.Y(), R2X: e.R2.X(), R2Y: e.R2.Y()}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 1
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round1(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := e.curve()
	for peer, bz := range dec.Broadcasts {
		if peer == 0 || peer == e.myIndex {
			continue
		}
		var m nonceCommitMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		r1, err := xcrypto.NewPoint(curve, m.R1X, m.R1Y)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		r2, err := xcrypto.NewPoint(curve, m.R2X, m.R2Y)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		e.peerR1[peer] = r1
		e.peerR2[peer] = r2
	}

	b := nonceBindingFactor(curve, e.msg, e.indices, e.peerR1, e.peerR2)
	var R *xcrypto.Point
	for _, idx := range sortedUint32Keys(append([]uint32{}, e.indices...)) {
		term, err := e.peerR1[idx].Add(e.peerR2[idx].ScalarMult(b))
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		if R == nil {
			R = term
			continue
		}
		if R, err = R.Add(term); err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
	}
	e.R = R

	x, err := xcrypto.NewPoint(curve, e.gc.PubKeyX, e.gc.PubKeyY)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	c := challenge(curve, R, x, e.msg)
	l := keyAggList(e.pks)
	a := keyAggCoefficient(l, curve.Params().N, e.pks[e.myIndex])
	modQ := common.ModInt(curve.Params().N)
	e.s = modQ.Add(modQ.Add(e.r1, modQ.Mul(b, e.r2)), modQ.Mul(c, modQ.Mul(a, e.gc.XI)))
	e.peerS = map[uint32]*big.Int{e.myIndex: e.s}

	out, err := wire.EncodeBroadcast(e.kind, 2, mustCBOR(partialSigMsg{S: e.s}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 2
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round2(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	for peer, bz := range dec.Broadcasts {
		if peer == 0 || peer == e.myIndex {
			continue
		}
		var m partialSigMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		e.peerS[peer] = m.S
	}

	curve := e.curve()
	modQ := common.ModInt(curve.Params().N)
	s := big.NewInt(0)
	for _, si := range e.peerS {
		s = modQ.Add(s, si)
	}
	e.s = s

	x, err := xcrypto.NewPoint(curve, e.gc.PubKeyX, e.gc.PubKeyY)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	if !verifySchnorr(curve, x, e.msg, e.R, e.s) {
		return e.fail(xerrors.Cryptographic(errors.New("musig2: combined signature failed to verify")))
	}

	e.round = signTotalRounds
	return nil, tssconst.RecipientServer, nil
}

// nonceBindingFactor computes MuSig2's b = H(m, (i, R1_i, R2_i) for every
// signer i in ascending order), binding the second nonce of every signer to
// the full nonce set and message so an adversary cannot cancel another
// signer's nonce by choosing its own last. The aggregate key X is not
// hashed.
func nonceBindingFactor(curve elliptic.Curve, m *big.Int, indices []uint32, r1, r2 map[uint32]*xcrypto.Point) *big.Int {
	order := sortedUint32Keys(append([]uint32{}, indices...))
	vals := []*big.Int{m}
	for _, idx := range order {
		vals = append(vals, big.NewInt(int64(idx)), r1[idx].X(), r1[idx].Y(), r2[idx].X(), r2[idx].Y())
	}
	h := common.SHA512_256i(vals...)
	return common.RejectionSample(curve.Params().N, h)
}

func (e *SigningEngine) Finish() ([]byte, error) {
	if !e.Terminal() {
		return nil, xerrors.OutOfSequence("musig2 sign: finish called before terminal round")
	}
	sig := &Signature{RX: e.R.X(), RY: e.R.Y(), S: e.s}
	common.Logger.Infof("musig2 sign: party %d signature complete", e.myIndex)
	return sig.encode()
}

// signSnapshot carries every field of SigningEngine needed to resume at any
// round boundary. gc is not carried: the caller supplies it again on
// restore the same way NewSigningEngine's caller does. pks is re-derived
// from gc on restore rather than carried, since it's a pure function of gc.
type signSnapshot struct {
	Round    int  `cbor:"round"`
	Poisoned bool `cbor:"poisoned"`

	Indices []uint32 `cbor:"indices,omitempty"`
	MyIndex uint32   `cbor:"my_index"`
	Msg     *big.Int `cbor:"msg,omitempty"`

	R1Val    *big.Int                     `cbor:"r1,omitempty"`
	R2Val    *big.Int                     `cbor:"r2,omitempty"`
	R1Pt     *xcrypto.WirePoint           `cbor:"r1_pt,omitempty"`
	R2Pt     *xcrypto.WirePoint           `cbor:"r2_pt,omitempty"`
	PeerR1   map[uint32]xcrypto.WirePoint `cbor:"peer_r1,omitempty"`
	PeerR2   map[uint32]xcrypto.WirePoint `cbor:"peer_r2,omitempty"`

	R *xcrypto.WirePoint `cbor:"r,omitempty"`
	S *big.Int           `cbor:"s,omitempty"`

	PeerS map[uint32]*big.Int `cbor:"peer_s,omitempty"`
}

func (e *SigningEngine) Snapshot() ([]byte, error) {
	snap := signSnapshot{
		Round:   e.round,
		Poisoned: e.poisoned,
		Indices: e.indices,
		MyIndex: e.myIndex,
		Msg:     e.msg,
		R1Val:   e.r1,
		R2Val:   e.r2,
		R1Pt:    xcrypto.EncodePoint(e.R1),
		R2Pt:    xcrypto.EncodePoint(e.R2),
		PeerR1:  xcrypto.EncodePointMap(e.peerR1),
		PeerR2:  xcrypto.EncodePointMap(e.peerR2),
		R:       xcrypto.EncodePoint(e.R),
		S:       e.s,
		PeerS:   e.peerS,
	}
	return mustCBOR(snap), nil
}

// RestoreSigningEngine rebuilds a SigningEngine from a snapshot produced by
// Snapshot, at whatever round it was taken.
func RestoreSigningEngine(gc *GroupContext, bz []byte) (*SigningEngine, error) {
	var snap signSnapshot
	if err := decodeCBOR(bz, &snap); err != nil {
		return nil, err
	}
	curve := tssconst.Edwards()
	se := &SigningEngine{
		kind:     tssconst.MuSig2Sign,
		round:    snap.Round,
		poisoned: snap.Poisoned,
		gc:       gc,
		indices:  snap.Indices,
		myIndex:  snap.MyIndex,
		msg:      snap.Msg,
		r1:       snap.R1Val,
		r2:       snap.R2Val,
		s:        snap.S,
		peerS:    snap.PeerS,
	}
	if len(gc.PksX) > 0 {
		se.pks = make(map[uint32]*xcrypto.Point, len(gc.PksX))
		for idx, x := range gc.PksX {
			pt, err := xcrypto.NewPoint(curve, x, gc.PksY[idx])
			if err != nil {
				return nil, xerrors.Cryptographic(err)
			}
			se.pks[idx] = pt
		}
	}
	var err error
	if se.R1, err = xcrypto.DecodePoint(curve, snap.R1Pt); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if se.R2, err = xcrypto.DecodePoint(curve, snap.R2Pt); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if se.peerR1, err = xcrypto.DecodePointMap(curve, snap.PeerR1); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if se.peerR2, err = xcrypto.DecodePointMap(curve, snap.PeerR2); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if se.R, err = xcrypto.DecodePoint(curve, snap.R); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	return se, nil
}
