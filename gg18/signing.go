package gg18

import (
	"context"
	"crypto/elliptic"
	"math/big"

	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/common"
	"github.com/mpcvault/tss-client/protocol"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/wire"
	"github.com/mpcvault/tss-client/xcrypto"
	"github.com/mpcvault/tss-client/xerrors"
	"github.com/mpcvault/tss-client/xpaillier"
)

const signTotalRounds = 10

// SigningEngine is the GG18 MtA-based signing round engine: every pair of
// signers runs two MtA conversions (one for delta = k*gamma, one for
// sigma = k*w) so the group never reconstructs k or w in the clear; the
// nonce's public point R and the final signature are only ever combined
// additively.
type SigningEngine struct {
	ctx      context.Context
	kind     tssconst.ProtocolKind
	round    int
	poisoned bool

	gc      *GroupContext
	indices []uint32
	myIndex uint32
	msg     *big.Int // the message hash, reduced mod q

	w *big.Int // this signer's Lagrange-weighted share: xi * lambda_i

	gamma, k   *big.Int
	Gamma      *xcrypto.Point
	gammaKGC   *xcrypto.HashCommitDecommit
	peerKGC    map[uint32]*big.Int
	peerGamma  map[uint32]*xcrypto.Point

	cK *big.Int // Enc_self(k)

	// betaDelta/betaMu are this party's additive masks, one per peer,
	// generated while responding to that peer's MtA request.
	betaDelta map[uint32]*big.Int
	betaMu    map[uint32]*big.Int

	delta, sigma *big.Int
	peerDelta    map[uint32]*big.Int

	R *xcrypto.Point
	r *big.Int

	s          *big.Int
	peerSigs   map[uint32]*big.Int
}

// NewSigningEngine constructs a GG18 signing engine. gc is this party's
// group context from the matching keygen run.
func NewSigningEngine(ctx context.Context, gc *GroupContext) *SigningEngine {
	return &SigningEngine{ctx: ctx, kind: tssconst.GG18Sign, gc: gc}
}

func (e *SigningEngine) Kind() tssconst.ProtocolKind { return e.kind }
func (e *SigningEngine) Round() int                  { return e.round }
func (e *SigningEngine) Terminal() bool              { return e.round >= signTotalRounds }
func (e *SigningEngine) Poisoned() bool              { return e.poisoned }

func (e *SigningEngine) fail(err error) ([]byte, tssconst.Recipient, error) {
	common.Logger.Errorf("gg18 signing: round %d: %s", e.round, err)
	e.poisoned = true
	return nil, tssconst.RecipientServer, err
}

func (e *SigningEngine) curve() elliptic.Curve { return tssconst.S256() }

func (e *SigningEngine) Advance(in []byte) ([]byte, tssconst.Recipient, error) {
	if e.poisoned {
		return e.fail(xerrors.Cryptographic(errors.New("gg18: engine already poisoned")))
	}
	switch e.round {
	case 0:
		return e.round0(in)
	case 1:
		return e.round1(in)
	case 2:
		return e.round2(in)
	case 3:
		return e.round3(in)
	case 4:
		return e.round4(in)
	case 5:
		return e.round5(in)
	case 6:
		return e.round6(in)
	case 7:
		return e.round7(in)
	case 8:
		return e.round8(in)
	case 9:
		return e.round9(in)
	default:
		return nil, tssconst.RecipientServer, xerrors.OutOfSequence("gg18 sign: advance called past terminal round %d", e.round)
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
	lambda := xcrypto.LagrangeCoefficient(curve.Params().N, myPos, xs)
	e.w = common.ModInt(curve.Params().N).Mul(e.gc.ShareXi, lambda)

	e.peerKGC = make(map[uint32]*big.Int)
	e.peerGamma = make(map[uint32]*xcrypto.Point)
	e.betaDelta = make(map[uint32]*big.Int)
	e.betaMu = make(map[uint32]*big.Int)
	e.peerDelta = make(map[uint32]*big.Int)
	e.peerSigs = make(map[uint32]*big.Int)

	e.gamma = common.GetRandomPositiveInt(curve.Params().N)
	e.k = common.GetRandomPositiveInt(curve.Params().N)
	e.Gamma = xcrypto.ScalarBaseMult(curve, e.gamma)

	cmt, err := xcrypto.NewHashCommitment(e.Gamma.X(), e.Gamma.Y())
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	e.gammaKGC = cmt

	out, err := wire.EncodeBroadcast(e.kind, 1, mustCBOR(signCommitMsg{C: cmt.C}))
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
	for peer, bz := range dec.Broadcasts {
		if peer == 0 {
			continue
		}
		var m signCommitMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		e.peerKGC[peer] = m.C
	}
	out, err := wire.EncodeBroadcast(e.kind, 2, mustCBOR(signDecommitMsg{
		GammaX: e.Gamma.X(), GammaY: e.Gamma.Y(), D: e.gammaKGC.D,
	}))
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
	curve := e.curve()
	e.peerGamma[e.myIndex] = e.Gamma
	for peer, bz := range dec.Broadcasts {
		if peer == 0 || peer == e.myIndex {
			continue
		}
		var m signDecommitMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		cmt := &xcrypto.HashCommitDecommit{C: e.peerKGC[peer], D: m.D}
		ok, err := cmt.Verify()
		if err != nil || !ok {
			return e.fail(xerrors.Cryptographic(errors.Errorf("gg18: party %d's Gamma commitment failed to open", peer)))
		}
		p, err := xcrypto.NewPoint(curve, m.GammaX, m.GammaY)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		e.peerGamma[peer] = p
	}

	cK, err := e.gc.paillierPriv().PublicKey.Encrypt(e.k)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	e.cK = cK

	unicasts := make(map[uint32][]byte, len(e.indices)-1)
	for _, peer := range e.indices {
		if peer == e.myIndex {
			continue
		}
		bz, err := cborMarshal(mtaRequestMsg{CK: cK})
		if err != nil {
			return e.fail(err)
		}
		unicasts[peer] = bz
	}
	out, err := wire.EncodeUnicast(e.kind, 3, unicasts)
	if err != nil {
		return e.fail(err)
	}
	e.round = 3
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round3(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := e.curve()
	q := curve.Params().N
	unicasts := make(map[uint32][]byte, len(dec.Unicasts))
	for peer, bz := range dec.Unicasts {
		var m mtaRequestMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		peerPub, err := e.gc.peerPaillierPub(peer)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		deltaResp, err := xpaillier.MtARespond(peerPub, m.CK, e.gamma, q)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		muResp, err := xpaillier.MtARespond(peerPub, m.CK, e.w, q)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		e.betaDelta[peer] = deltaResp.Beta
		e.betaMu[peer] = muResp.Beta
		bz2, err := cborMarshal(mtaResponseMsg{CDelta: deltaResp.C, CMu: muResp.C})
		if err != nil {
			return e.fail(err)
		}
		unicasts[peer] = bz2
	}
	out, err := wire.EncodeUnicast(e.kind, 4, unicasts)
	if err != nil {
		return e.fail(err)
	}
	e.round = 4
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round4(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := e.curve()
	q := curve.Params().N
	modQ := common.ModInt(q)
	priv := e.gc.paillierPriv()

	delta := modQ.Mul(e.k, e.gamma)
	sigma := modQ.Mul(e.k, e.w)
	for peer, bz := range dec.Unicasts {
		var m mtaResponseMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		alphaDelta, err := priv.Decrypt(m.CDelta)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		alphaMu, err := priv.Decrypt(m.CMu)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		delta = modQ.Add(delta, modQ.Add(alphaDelta, e.betaDelta[peer]))
		sigma = modQ.Add(sigma, modQ.Add(alphaMu, e.betaMu[peer]))
	}
	e.delta = delta
	e.sigma = sigma

	out, err := wire.EncodeBroadcast(e.kind, 5, mustCBOR(deltaMsg{Delta: delta}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 5
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round5(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := e.curve()
	e.peerDelta[e.myIndex] = e.delta
	for peer, bz := range dec.Broadcasts {
		if peer == 0 || peer == e.myIndex {
			continue
		}
		var m deltaMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		e.peerDelta[peer] = m.Delta
	}

	proof, err := xcrypto.NewZKProof(curve, e.gamma, e.Gamma)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	out, err := wire.EncodeBroadcast(e.kind, 6, mustCBOR(gammaProofMsg{Alpha: flattenPoint(proof.Alpha), T: proof.T}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 6
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round6(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := e.curve()
	q := curve.Params().N
	modQ := common.ModInt(q)

	for peer, bz := range dec.Broadcasts {
		if peer == 0 || peer == e.myIndex {
			continue
		}
		var m gammaProofMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		alpha, err := xcrypto.NewPoint(curve, m.Alpha[0], m.Alpha[1])
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		proof := &xcrypto.ZKProof{Alpha: alpha, T: m.T}
		if !proof.Verify(curve, e.peerGamma[peer]) {
			return e.fail(xerrors.Cryptographic(errors.Errorf("gg18: party %d's gamma proof failed", peer)))
		}
	}

	delta := big.NewInt(0)
	for _, d := range e.peerDelta {
		delta = modQ.Add(delta, d)
	}
	deltaInv := modQ.ModInverse(delta)

	order := sortedUint32Keys(mapKeysPoint(e.peerGamma))
	sumGamma := e.peerGamma[order[0]]
	for _, peer := range order[1:] {
		var err error
		if sumGamma, err = sumGamma.Add(e.peerGamma[peer]); err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
	}
	R := sumGamma.ScalarMult(deltaInv)
	e.R = R
	e.r = new(big.Int).Mod(R.X(), q)

	s := modQ.Add(modQ.Mul(e.msg, e.k), modQ.Mul(e.r, e.sigma))
	out, err := wire.EncodeBroadcast(e.kind, 7, mustCBOR(partialSigMsg{S: s}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 7
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round7(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := e.curve()
	modQ := common.ModInt(curve.Params().N)
	sAcc := big.NewInt(0)
	for peer, bz := range dec.Broadcasts {
		if peer == 0 {
			continue
		}
		var m partialSigMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		e.peerSigs[peer] = m.S
		sAcc = modQ.Add(sAcc, m.S)
	}

	s := sAcc
	halfQ := new(big.Int).Rsh(curve.Params().N, 1)
	if s.Cmp(halfQ) == 1 {
		s = modQ.Sub(curve.Params().N, s)
	}
	e.s = s

	pub, err := xcrypto.NewPoint(curve, e.gc.PubKeyX, e.gc.PubKeyY)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	if !verifyECDSA(curve, pub, e.msg, e.r, e.s) {
		return e.fail(xerrors.Cryptographic(errors.New("gg18: combined signature failed to verify")))
	}

	out, err := wire.EncodeBroadcast(e.kind, 8, mustCBOR(echoSigMsg{R: e.r, S: e.s}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 8
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round8(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	for peer, bz := range dec.Broadcasts {
		if peer == 0 {
			continue
		}
		var m echoSigMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		if m.R.Cmp(e.r) != 0 || m.S.Cmp(e.s) != 0 {
			return e.fail(xerrors.Cryptographic(errors.Errorf("gg18: party %d produced a different signature", peer)))
		}
	}
	out, err := wire.EncodeBroadcast(e.kind, 9, mustCBOR(confirmMsg{H: big.NewInt(1)}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 9
	return out, tssconst.RecipientServer, nil
}

func (e *SigningEngine) round9(in []byte) ([]byte, tssconst.Recipient, error) {
	if _, err := wire.Decode(in); err != nil {
		return e.fail(err)
	}
	e.round = signTotalRounds
	return nil, tssconst.RecipientServer, nil
}

func (e *SigningEngine) Finish() ([]byte, error) {
	if !e.Terminal() {
		return nil, xerrors.OutOfSequence("gg18 sign: finish called before terminal round")
	}
	sig := &Signature{R: e.r, S: e.s}
	common.Logger.Infof("gg18 sign: party %d signature complete", e.myIndex)
	return sig.encode()
}

// signSnapshot carries every field of SigningEngine needed to resume at any
// round boundary. gc itself is not carried: dispatch.Restore already has
// the group context bytes the caller supplied and decodes it the same way
// NewSigningEngine's caller does.
type signSnapshot struct {
	Round    int  `cbor:"round"`
	Poisoned bool `cbor:"poisoned"`

	Indices []uint32 `cbor:"indices,omitempty"`
	MyIndex uint32   `cbor:"my_index"`
	Msg     *big.Int `cbor:"msg,omitempty"`

	W *big.Int `cbor:"w,omitempty"`

	Gamma     *big.Int                     `cbor:"gamma,omitempty"`
	K         *big.Int                     `cbor:"k,omitempty"`
	GammaPt   *xcrypto.WirePoint           `cbor:"gamma_pt,omitempty"`
	GammaKGC  *xcrypto.HashCommitDecommit  `cbor:"gamma_kgc,omitempty"`
	PeerKGC   map[uint32]*big.Int          `cbor:"peer_kgc,omitempty"`
	PeerGamma map[uint32]xcrypto.WirePoint `cbor:"peer_gamma,omitempty"`

	CK *big.Int `cbor:"ck,omitempty"`

	BetaDelta map[uint32]*big.Int `cbor:"beta_delta,omitempty"`
	BetaMu    map[uint32]*big.Int `cbor:"beta_mu,omitempty"`

	Delta     *big.Int             `cbor:"delta,omitempty"`
	Sigma     *big.Int             `cbor:"sigma,omitempty"`
	PeerDelta map[uint32]*big.Int `cbor:"peer_delta,omitempty"`

	R  *xcrypto.WirePoint `cbor:"r_point,omitempty"`
	RI *big.Int           `cbor:"r_int,omitempty"`

	S        *big.Int             `cbor:"s,omitempty"`
	PeerSigs map[uint32]*big.Int `cbor:"peer_sigs,omitempty"`
}

func (e *SigningEngine) Snapshot() ([]byte, error) {
	snap := signSnapshot{
		Round:     e.round,
		Poisoned:  e.poisoned,
		Indices:   e.indices,
		MyIndex:   e.myIndex,
		Msg:       e.msg,
		W:         e.w,
		Gamma:     e.gamma,
		K:         e.k,
		GammaPt:   xcrypto.EncodePoint(e.Gamma),
		GammaKGC:  e.gammaKGC,
		PeerKGC:   e.peerKGC,
		PeerGamma: xcrypto.EncodePointMap(e.peerGamma),
		CK:        e.cK,
		BetaDelta: e.betaDelta,
		BetaMu:    e.betaMu,
		Delta:     e.delta,
		Sigma:     e.sigma,
		PeerDelta: e.peerDelta,
		R:         xcrypto.EncodePoint(e.R),
		RI:        e.r,
		S:         e.s,
		PeerSigs:  e.peerSigs,
	}
	return mustCBOR(snap), nil
}

// RestoreSigningEngine rebuilds a SigningEngine from a snapshot produced by
// Snapshot, at whatever round it was taken.
func RestoreSigningEngine(ctx context.Context, gc *GroupContext, bz []byte) (*SigningEngine, error) {
	var snap signSnapshot
	if err := decodeCBOR(bz, &snap); err != nil {
		return nil, err
	}
	curve := tssconst.S256()
	e := &SigningEngine{
		ctx:       ctx,
		kind:      tssconst.GG18Sign,
		round:     snap.Round,
		poisoned:  snap.Poisoned,
		gc:        gc,
		indices:   snap.Indices,
		myIndex:   snap.MyIndex,
		msg:       snap.Msg,
		w:         snap.W,
		gamma:     snap.Gamma,
		k:         snap.K,
		gammaKGC:  snap.GammaKGC,
		peerKGC:   snap.PeerKGC,
		cK:        snap.CK,
		betaDelta: snap.BetaDelta,
		betaMu:    snap.BetaMu,
		delta:     snap.Delta,
		sigma:     snap.Sigma,
		peerDelta: snap.PeerDelta,
		r:         snap.RI,
		s:         snap.S,
		peerSigs:  snap.PeerSigs,
	}
	var err error
	if e.Gamma, err = xcrypto.DecodePoint(curve, snap.GammaPt); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if e.peerGamma, err = xcrypto.DecodePointMap(curve, snap.PeerGamma); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if e.R, err = xcrypto.DecodePoint(curve, snap.R); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	return e, nil
}

func mapKeysPoint(m map[uint32]*xcrypto.Point) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
