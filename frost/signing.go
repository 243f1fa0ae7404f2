package frost

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

// signTotalRounds is 2, matching spec.md §4.3's FROST signing entry: round 0
// commits nonces, round 1 combines the group nonce R and broadcasts this
// signer's own z share before terminating. Combining every signer's z into
// the final signature is CombineSignatures, a non-core step run once all
// signers' Finish results are collected — the same role elgamal.Encrypt
// plays outside its own round engine.
const signTotalRounds = 2

// SigningEngine is the FROST signing round engine.
type SigningEngine struct {
	kind     tssconst.ProtocolKind
	round    int
	poisoned bool

	gc      *GroupContext
	indices []uint32
	myIndex uint32
	msg     *big.Int

	lambda *big.Int

	d, e       *big.Int
	D, E       *xcrypto.Point
	peerD      map[uint32]*xcrypto.Point
	peerE      map[uint32]*xcrypto.Point

	R *xcrypto.Point
	z *big.Int
}

func NewSigningEngine(gc *GroupContext) *SigningEngine {
	return &SigningEngine{kind: tssconst.FROSTSign, gc: gc}
}

func (e *SigningEngine) Kind() tssconst.ProtocolKind { return e.kind }
func (e *SigningEngine) Round() int                  { return e.round }
func (e *SigningEngine) Terminal() bool              { return e.round >= signTotalRounds }
func (e *SigningEngine) Poisoned() bool              { return e.poisoned }

func (e *SigningEngine) fail(err error) ([]byte, tssconst.Recipient, error) {
	common.Logger.Errorf("frost signing: round %d: %s", e.round, err)
	e.poisoned = true
	return nil, tssconst.RecipientServer, err
}

func (e *SigningEngine) curve() elliptic.Curve { return tssconst.Edwards() }

func (e *SigningEngine) Advance(in []byte) ([]byte, tssconst.Recipient, error) {
	if e.poisoned {
		return e.fail(xerrors.Cryptographic(errors.New("frost: engine already poisoned")))
	}
	switch e.round {
	case 0:
		return e.round0(in)
	case 1:
		return e.round1(in)
	default:
		return nil, tssconst.RecipientServer, xerrors.OutOfSequence("frost sign: advance called past terminal round %d", e.round)
	}
}

func (e *SigningEngine) round0(in []byte) ([]byte, tssconst.Recipient, error) {
	var init protocol.SignInit
	if err := decodeCBOR(in, &init); err != nil {
		return e.fail(err)
	}
	if err := protocol.ValidateSignInit(init, e.kind, int(e.gc.Threshold)); err != nil {
		return e.fail(err)
	}
	e.indices = init.Indices
	e.myIndex = init.Index
	curve := e.curve()
	e.msg = new(big.Int).Mod(new(big.Int).SetBytes(init.Data), curve.Params().N)

	xs := make([]*big.Int, len(e.indices))
	myPos := -1
	for i, idx := range e.indices {
		xs[i] = big.NewInt(int64(idx))
		if idx == e.myIndex {
			myPos = i
		}
	}
	e.lambda = xcrypto.LagrangeCoefficient(curve.Params().N, myPos, xs)

	e.d = common.GetRandomPositiveInt(curve.Params().N)
	e.e = common.GetRandomPositiveInt(curve.Params().N)
	e.D = xcrypto.ScalarBaseMult(curve, e.d)
	e.E = xcrypto.ScalarBaseMult(curve, e.e)
	e.peerD = map[uint32]*xcrypto.Point{e.myIndex: e.D}
	e.peerE = map[uint32]*xcrypto.Point{e.myIndex: e.E}

	out, err := wire.EncodeBroadcast(e.kind, 1, mustCBOR(nonceCommitMsg{DX: e.D.X(), DY: e.D.Y(), EX: e.E.X(), EY: e.E.Y()}))
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
		d, err := xcrypto.NewPoint(curve, m.DX, m.DY)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		pe, err := xcrypto.NewPoint(curve, m.EX, m.EY)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		e.peerD[peer] = d
		e.peerE[peer] = pe
	}

	order := sortedUint32Keys(append([]uint32{}, e.indices...))
	modQ := common.ModInt(curve.Params().N)
	var R *xcrypto.Point
	for _, l := range order {
		rho := bindingFactor(curve, l, e.msg, order, e.peerD, e.peerE)
		term, err := e.peerD[l].Add(e.peerE[l].ScalarMult(rho))
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

	y, err := xcrypto.NewPoint(curve, e.gc.PubKeyX, e.gc.PubKeyY)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	c := challenge(curve, R, y, e.msg)
	rho := bindingFactor(curve, e.myIndex, e.msg, order, e.peerD, e.peerE)
	e.z = modQ.Add(modQ.Add(e.d, modQ.Mul(rho, e.e)), modQ.Mul(c, modQ.Mul(e.lambda, e.gc.ShareSi)))

	out, err := wire.EncodeBroadcast(e.kind, uint32(signTotalRounds), mustCBOR(partialSigMsg{Z: e.z}))
	if err != nil {
		return e.fail(err)
	}
	e.round = signTotalRounds
	return out, tssconst.RecipientServer, nil
}

// bindingFactor computes rho_l = H(l, m, B) where B is the ordered list of
// every signer's (D,E) commitments — binds each signer's second nonce to
// the full commitment set, defeating the Drijvers et al. forgery that plain
// per-signer nonces are vulnerable to.
func bindingFactor(curve elliptic.Curve, l uint32, m *big.Int, order []uint32, ds, es map[uint32]*xcrypto.Point) *big.Int {
	vals := []*big.Int{big.NewInt(int64(l)), m}
	for _, idx := range order {
		vals = append(vals, big.NewInt(int64(idx)), ds[idx].X(), ds[idx].Y(), es[idx].X(), es[idx].Y())
	}
	h := common.SHA512_256i(vals...)
	return common.RejectionSample(curve.Params().N, h)
}

// Finish returns this signer's own partial signature: the shared nonce R and
// this signer's z share, not yet combined with the other signers'. Pass
// every signer's result through CombineSignatures to get the final signature
// verifiable against the group key.
func (e *SigningEngine) Finish() ([]byte, error) {
	if !e.Terminal() {
		return nil, xerrors.OutOfSequence("frost sign: finish called before terminal round")
	}
	sig := &Signature{RX: e.R.X(), RY: e.R.Y(), Z: e.z}
	common.Logger.Infof("frost sign: party %d partial signature complete", e.myIndex)
	return sig.encode()
}

// CombineSignatures sums the T signers' z shares (decoded from each
// signer's Finish output) into the final Schnorr signature and verifies it
// against the group key — the step FROST's 3rd round used to perform inside
// the engine, run here once instead of once per signer.
func CombineSignatures(gc *GroupContext, msg []byte, partials []*Signature) (*Signature, error) {
	if len(partials) == 0 {
		return nil, xerrors.Cryptographic(errors.New("frost: no partial signatures to combine"))
	}
	curve := tssconst.Edwards()
	modQ := common.ModInt(curve.Params().N)
	z := big.NewInt(0)
	for _, p := range partials {
		z = modQ.Add(z, p.Z)
	}
	R, err := xcrypto.NewPoint(curve, partials[0].RX, partials[0].RY)
	if err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	for _, p := range partials[1:] {
		if p.RX.Cmp(partials[0].RX) != 0 || p.RY.Cmp(partials[0].RY) != 0 {
			return nil, xerrors.Cryptographic(errors.New("frost: partial signatures disagree on the group nonce R"))
		}
	}
	y, err := xcrypto.NewPoint(curve, gc.PubKeyX, gc.PubKeyY)
	if err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	m := new(big.Int).Mod(new(big.Int).SetBytes(msg), curve.Params().N)
	if !verifySchnorr(curve, y, m, R, z) {
		return nil, xerrors.Cryptographic(errors.New("frost: combined signature failed to verify"))
	}
	return &Signature{RX: R.X(), RY: R.Y(), Z: z}, nil
}

// signSnapshot carries every field of SigningEngine needed to resume at any
// round boundary. gc is not carried: the caller supplies it again on
// restore the same way NewSigningEngine's caller does.
type signSnapshot struct {
	Round    int  `cbor:"round"`
	Poisoned bool `cbor:"poisoned"`

	Indices []uint32 `cbor:"indices,omitempty"`
	MyIndex uint32   `cbor:"my_index"`
	Msg     *big.Int `cbor:"msg,omitempty"`

	Lambda *big.Int `cbor:"lambda,omitempty"`

	D         *big.Int                     `cbor:"d,omitempty"`
	ENonce    *big.Int                     `cbor:"e_nonce,omitempty"`
	DPt       *xcrypto.WirePoint           `cbor:"d_pt,omitempty"`
	EPt       *xcrypto.WirePoint           `cbor:"e_pt,omitempty"`
	PeerD     map[uint32]xcrypto.WirePoint `cbor:"peer_d,omitempty"`
	PeerE     map[uint32]xcrypto.WirePoint `cbor:"peer_e,omitempty"`

	R *xcrypto.WirePoint `cbor:"r,omitempty"`
	Z *big.Int           `cbor:"z,omitempty"`
}

func (e *SigningEngine) Snapshot() ([]byte, error) {
	snap := signSnapshot{
		Round:   e.round,
		Poisoned: e.poisoned,
		Indices: e.indices,
		MyIndex: e.myIndex,
		Msg:     e.msg,
		Lambda:  e.lambda,
		D:       e.d,
		ENonce:  e.e,
		DPt:     xcrypto.EncodePoint(e.D),
		EPt:     xcrypto.EncodePoint(e.E),
		PeerD:   xcrypto.EncodePointMap(e.peerD),
		PeerE:   xcrypto.EncodePointMap(e.peerE),
		R:       xcrypto.EncodePoint(e.R),
		Z:       e.z,
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
		kind:     tssconst.FROSTSign,
		round:    snap.Round,
		poisoned: snap.Poisoned,
		gc:       gc,
		indices:  snap.Indices,
		myIndex:  snap.MyIndex,
		msg:      snap.Msg,
		lambda:   snap.Lambda,
		d:        snap.D,
		e:        snap.ENonce,
		z:        snap.Z,
	}
	var err error
	if se.D, err = xcrypto.DecodePoint(curve, snap.DPt); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if se.E, err = xcrypto.DecodePoint(curve, snap.EPt); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if se.peerD, err = xcrypto.DecodePointMap(curve, snap.PeerD); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if se.peerE, err = xcrypto.DecodePointMap(curve, snap.PeerE); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if se.R, err = xcrypto.DecodePoint(curve, snap.R); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	return se, nil
}
