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

// PaillierModulusBitLen is the Paillier N size each keygen run generates,
// matching the GG18 paper's recommendation (ecdsa/keygen/prepare.go
// carries the same constant).
var PaillierModulusBitLen = 2048

const keygenTotalRounds = 6

// KeygenEngine is the GG18 threshold-ECDSA keygen round engine: Feldman
// VSS over secp256k1 plus a fresh Paillier keypair per party.
type KeygenEngine struct {
	ctx      context.Context
	kind     tssconst.ProtocolKind
	round    int
	poisoned bool

	parties   uint32
	threshold uint32
	myIndex   uint32
	ids       []*big.Int // 1..parties, as curve scalars

	u          *big.Int // this party's sampled secret
	commitment xcrypto.Commitments
	shares     xcrypto.Shares
	paillierSk *xpaillier.PrivateKey
	paillierPk *xpaillier.PublicKey

	kgc *xcrypto.HashCommitDecommit

	peerKGC   map[uint32]*big.Int
	peerComm  map[uint32]xcrypto.Commitments
	peerN     map[uint32]*big.Int
	peerShare map[uint32]*big.Int // the share THIS party received from peer j

	xi  *big.Int // this party's combined final share
	pub *xcrypto.Point
}

// NewKeygenEngine constructs a fresh GG18 keygen engine. ctx bounds the
// Paillier safe-prime search.
func NewKeygenEngine(ctx context.Context) *KeygenEngine {
	return &KeygenEngine{ctx: ctx, kind: tssconst.GG18KeyGen}
}

func (e *KeygenEngine) Kind() tssconst.ProtocolKind { return e.kind }
func (e *KeygenEngine) Round() int                  { return e.round }
func (e *KeygenEngine) Terminal() bool              { return e.round >= keygenTotalRounds }
func (e *KeygenEngine) Poisoned() bool              { return e.poisoned }

func (e *KeygenEngine) fail(err error) ([]byte, tssconst.Recipient, error) {
	common.Logger.Errorf("gg18 keygen: round %d: %s", e.round, err)
	e.poisoned = true
	return nil, tssconst.RecipientServer, err
}

func (e *KeygenEngine) Advance(in []byte) ([]byte, tssconst.Recipient, error) {
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
	default:
		return nil, tssconst.RecipientServer, xerrors.OutOfSequence("gg18 keygen: advance called past terminal round %d", e.round)
	}
}

func (e *KeygenEngine) round0(in []byte) ([]byte, tssconst.Recipient, error) {
	var init protocol.GroupInit
	if err := decodeCBOR(in, &init); err != nil {
		return e.fail(err)
	}
	if err := protocol.ValidateGroupInit(init, e.kind, false); err != nil {
		return e.fail(err)
	}
	e.parties = init.Parties
	e.threshold = init.Threshold
	e.myIndex = init.Index
	e.ids = make([]*big.Int, e.parties)
	for i := range e.ids {
		e.ids[i] = big.NewInt(int64(i + 1))
	}
	e.peerKGC = make(map[uint32]*big.Int)
	e.peerComm = make(map[uint32]xcrypto.Commitments)
	e.peerN = make(map[uint32]*big.Int)
	e.peerShare = make(map[uint32]*big.Int)

	curve := tssconst.S256()
	e.u = common.GetRandomPositiveInt(curve.Params().N)
	v, shares, err := xcrypto.CreateShares(curve, int(e.threshold)-1, e.u, e.ids)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	e.commitment = v
	e.shares = shares

	sk, pk, err := xpaillier.GenerateKeyPair(e.ctx, PaillierModulusBitLen)
	if err != nil {
		return e.fail(xerrors.Cryptographic(errors.Wrap(err, "gg18: paillier keygen")))
	}
	e.paillierSk, e.paillierPk = sk, pk

	flat := flattenCommitments(v)
	cmt, err := xcrypto.NewHashCommitment(append(flat, pk.N)...)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	e.kgc = cmt

	out, err := wire.EncodeBroadcast(e.kind, 1, mustCBOR(commitKGCMsg{C: cmt.C}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 1
	return out, tssconst.RecipientServer, nil
}

func (e *KeygenEngine) round1(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	for peer, bz := range dec.Broadcasts {
		if peer == 0 {
			continue
		}
		var m commitKGCMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		e.peerKGC[peer] = m.C
	}

	unicasts := make(map[uint32][]byte, e.parties-1)
	flat := flattenCommitments(e.commitment)
	for i, id := range e.ids {
		peer := uint32(i + 1)
		share := findShare(e.shares, id)
		msg := decommitShareMsg{
			Vs:      flat,
			D:       e.kgc.D,
			N:       e.paillierPk.N,
			ShareID: share.ID,
			Share:   share.Share,
		}
		if peer == e.myIndex {
			// keep our own copy without a network hop
			e.peerComm[peer] = e.commitment
			e.peerN[peer] = e.paillierPk.N
			e.peerShare[peer] = share.Share
			continue
		}
		bz, err := cborMarshal(msg)
		if err != nil {
			return e.fail(err)
		}
		unicasts[peer] = bz
	}

	out, err := wire.EncodeUnicast(e.kind, 2, unicasts)
	if err != nil {
		return e.fail(err)
	}
	e.round = 2
	return out, tssconst.RecipientServer, nil
}

func (e *KeygenEngine) round2(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := tssconst.S256()
	for peer, bz := range dec.Unicasts {
		var m decommitShareMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		comm, err := unflattenCommitments(curve, m.Vs)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		cmt := &xcrypto.HashCommitDecommit{C: e.peerKGC[peer], D: m.D}
		ok, err := cmt.Verify()
		if err != nil || !ok {
			return e.fail(xerrors.Cryptographic(errors.Errorf("gg18: commitment from party %d failed to open", peer)))
		}
		share := &xcrypto.Share{Threshold: int(e.threshold) - 1, ID: m.ShareID, Share: m.Share}
		if !share.Verify(curve, int(e.threshold)-1, comm) {
			return e.fail(xerrors.Cryptographic(errors.Errorf("gg18: share from party %d failed VSS verification", peer)))
		}
		e.peerComm[peer] = comm
		e.peerN[peer] = m.N
		e.peerShare[peer] = m.Share
	}

	xi := big.NewInt(0)
	modQ := common.ModInt(curve.Params().N)
	for _, s := range e.peerShare {
		xi = modQ.Add(xi, s)
	}
	e.xi = xi

	order := sortedCommKeys(e.peerComm)
	pub := e.peerComm[order[0]][0]
	for _, peer := range order[1:] {
		var err error
		pub, err = pub.Add(e.peerComm[peer][0])
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
	}
	e.pub = pub

	proof, err := xcrypto.NewZKProof(curve, xi, xcrypto.ScalarBaseMult(curve, xi))
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}

	out, err := wire.EncodeBroadcast(e.kind, 3, mustCBOR(shareProofMsg{Alpha: flattenPoint(proof.Alpha), T: proof.T}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 3
	return out, tssconst.RecipientServer, nil
}

func (e *KeygenEngine) round3(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := tssconst.S256()
	for peer, bz := range dec.Broadcasts {
		if peer == 0 {
			continue
		}
		var m shareProofMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		alpha, err := xcrypto.NewPoint(curve, m.Alpha[0], m.Alpha[1])
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		proof := &xcrypto.ZKProof{Alpha: alpha, T: m.T}
		xj, err := e.evalGroupShare(peer, curve)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		if !proof.Verify(curve, xj) {
			return e.fail(xerrors.Cryptographic(errors.Errorf("gg18: share proof from party %d failed", peer)))
		}
	}

	h := common.SHA512_256i(append([]*big.Int{e.pub.X(), e.pub.Y()}, sortedValues(e.peerKGC)...)...)
	out, err := wire.EncodeBroadcast(e.kind, 4, mustCBOR(confirmMsg{H: h}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 4
	return out, tssconst.RecipientServer, nil
}

func (e *KeygenEngine) round4(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	want := common.SHA512_256i(append([]*big.Int{e.pub.X(), e.pub.Y()}, sortedValues(e.peerKGC)...)...)
	for peer, bz := range dec.Broadcasts {
		if peer == 0 {
			continue
		}
		var m confirmMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		if m.H.Cmp(want) != 0 {
			return e.fail(xerrors.Cryptographic(errors.Errorf("gg18: party %d disagrees on the keygen transcript", peer)))
		}
	}
	out, err := wire.EncodeBroadcast(e.kind, 5, mustCBOR(confirmMsg{H: want}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 5
	return out, tssconst.RecipientServer, nil
}

func (e *KeygenEngine) round5(in []byte) ([]byte, tssconst.Recipient, error) {
	if _, err := wire.Decode(in); err != nil {
		return e.fail(err)
	}
	e.round = keygenTotalRounds
	return nil, tssconst.RecipientServer, nil
}

// evalGroupShare recomputes the public point X_peer = peer's final secret
// share * G, by evaluating every collected party's VSS commitments at
// peer's index and summing them — the same sum peer itself computed over
// the private shares it received.
func (e *KeygenEngine) evalGroupShare(peer uint32, curve elliptic.Curve) (*xcrypto.Point, error) {
	id := e.ids[peer-1]
	modQ := common.ModInt(curve.Params().N)

	order := sortedCommKeys(e.peerComm)
	var acc *xcrypto.Point
	for _, j := range order {
		comm := e.peerComm[j]
		t := big.NewInt(1)
		partial := comm[0]
		for k := 1; k < len(comm); k++ {
			t = modQ.Mul(t, id)
			term := comm[k].ScalarMult(t)
			var err error
			if partial, err = partial.Add(term); err != nil {
				return nil, err
			}
		}
		if acc == nil {
			acc = partial
			continue
		}
		var err error
		if acc, err = acc.Add(partial); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (e *KeygenEngine) Finish() ([]byte, error) {
	if !e.Terminal() {
		return nil, xerrors.OutOfSequence("gg18 keygen: finish called before terminal round")
	}
	gc := &GroupContext{
		Parties:        e.parties,
		Threshold:      e.threshold,
		Index:          e.myIndex,
		PubKeyX:        e.pub.X(),
		PubKeyY:        e.pub.Y(),
		ShareXi:        e.xi,
		PaillierN:      e.paillierSk.N,
		PaillierLambda: e.paillierSk.LambdaN,
		PaillierPhiN:   e.paillierSk.PhiN,
		PeerPaillierN:  e.peerN,
	}
	common.Logger.Infof("gg18 keygen: party %d of %d complete", e.myIndex, e.parties)
	return gc.encode()
}

// keygenSnapshot carries every field of KeygenEngine needed to resume at
// any round boundary. Unexported handles that aren't data (the context,
// the curve, which is recomputed from tssconst) are not carried; ids is
// not carried either since it is deterministically 1..parties.
type keygenSnapshot struct {
	Round     int    `cbor:"round"`
	Poisoned  bool   `cbor:"poisoned"`
	Parties   uint32 `cbor:"parties"`
	Threshold uint32 `cbor:"threshold"`
	MyIndex   uint32 `cbor:"my_index"`

	U          *big.Int            `cbor:"u,omitempty"`
	Commitment []xcrypto.WirePoint `cbor:"commitment,omitempty"`
	Shares     xcrypto.Shares      `cbor:"shares,omitempty"`

	// Paillier keypair fields, flattened rather than carrying the struct
	// types directly (matches GroupContext's own flattened encoding).
	PaillierN       *big.Int `cbor:"paillier_n,omitempty"`
	PaillierLambdaN *big.Int `cbor:"paillier_lambda_n,omitempty"`
	PaillierPhiN    *big.Int `cbor:"paillier_phi_n,omitempty"`

	KGC *xcrypto.HashCommitDecommit `cbor:"kgc,omitempty"`

	PeerKGC   map[uint32]*big.Int            `cbor:"peer_kgc,omitempty"`
	PeerComm  map[uint32][]xcrypto.WirePoint `cbor:"peer_comm,omitempty"`
	PeerN     map[uint32]*big.Int            `cbor:"peer_n,omitempty"`
	PeerShare map[uint32]*big.Int            `cbor:"peer_share,omitempty"`

	Xi  *big.Int         `cbor:"xi,omitempty"`
	Pub *xcrypto.WirePoint `cbor:"pub,omitempty"`
}

func (e *KeygenEngine) Snapshot() ([]byte, error) {
	snap := keygenSnapshot{
		Round:      e.round,
		Poisoned:   e.poisoned,
		Parties:    e.parties,
		Threshold:  e.threshold,
		MyIndex:    e.myIndex,
		U:          e.u,
		Commitment: xcrypto.EncodeCommitments(e.commitment),
		Shares:     e.shares,
		KGC:        e.kgc,
		PeerKGC:    e.peerKGC,
		PeerComm:   xcrypto.EncodeCommitmentsMap(e.peerComm),
		PeerN:      e.peerN,
		PeerShare:  e.peerShare,
		Xi:         e.xi,
		Pub:        xcrypto.EncodePoint(e.pub),
	}
	if e.paillierSk != nil {
		snap.PaillierN = e.paillierSk.N
		snap.PaillierLambdaN = e.paillierSk.LambdaN
		snap.PaillierPhiN = e.paillierSk.PhiN
	}
	return mustCBOR(snap), nil
}

// RestoreKeygenEngine rebuilds a KeygenEngine from a snapshot produced by
// Snapshot, at whatever round it was taken. Mirrors round0's derivation of
// e.ids from parties, since that slice is never carried on the wire.
func RestoreKeygenEngine(ctx context.Context, bz []byte) (*KeygenEngine, error) {
	var snap keygenSnapshot
	if err := decodeCBOR(bz, &snap); err != nil {
		return nil, err
	}
	curve := tssconst.S256()
	e := &KeygenEngine{
		ctx:       ctx,
		kind:      tssconst.GG18KeyGen,
		round:     snap.Round,
		poisoned:  snap.Poisoned,
		parties:   snap.Parties,
		threshold: snap.Threshold,
		myIndex:   snap.MyIndex,
		u:         snap.U,
		shares:    snap.Shares,
		kgc:       snap.KGC,
		peerKGC:   snap.PeerKGC,
		peerN:     snap.PeerN,
		peerShare: snap.PeerShare,
		xi:        snap.Xi,
	}
	if snap.Parties > 0 {
		e.ids = make([]*big.Int, snap.Parties)
		for i := range e.ids {
			e.ids[i] = big.NewInt(int64(i + 1))
		}
	}
	if snap.PaillierN != nil {
		e.paillierPk = &xpaillier.PublicKey{N: snap.PaillierN}
		e.paillierSk = &xpaillier.PrivateKey{
			PublicKey: *e.paillierPk,
			LambdaN:   snap.PaillierLambdaN,
			PhiN:      snap.PaillierPhiN,
		}
	}
	var err error
	if e.commitment, err = xcrypto.DecodeCommitments(curve, snap.Commitment); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if e.peerComm, err = xcrypto.DecodeCommitmentsMap(curve, snap.PeerComm); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if e.pub, err = xcrypto.DecodePoint(curve, snap.Pub); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	return e, nil
}
