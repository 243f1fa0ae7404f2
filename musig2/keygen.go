package musig2

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
)

const keygenTotalRounds = 2

// KeygenEngine is the MuSig2 key-aggregation round engine: every party
// samples its own keypair independently (no VSS, no dealer) and the group
// key is the coefficient-weighted sum of every public key, per the MuSig2
// paper's KeyAgg algorithm.
type KeygenEngine struct {
	kind     tssconst.ProtocolKind
	round    int
	poisoned bool

	parties uint32
	myIndex uint32

	xi  *big.Int
	Xi  *xcrypto.Point
	pks map[uint32]*xcrypto.Point

	pub *xcrypto.Point
}

func NewKeygenEngine(_ context.Context) *KeygenEngine {
	return &KeygenEngine{kind: tssconst.MuSig2KeyGen}
}

func (e *KeygenEngine) Kind() tssconst.ProtocolKind { return e.kind }
func (e *KeygenEngine) Round() int                  { return e.round }
func (e *KeygenEngine) Terminal() bool              { return e.round >= keygenTotalRounds }
func (e *KeygenEngine) Poisoned() bool              { return e.poisoned }

func (e *KeygenEngine) fail(err error) ([]byte, tssconst.Recipient, error) {
	common.Logger.Errorf("musig2 keygen: round %d: %s", e.round, err)
	e.poisoned = true
	return nil, tssconst.RecipientServer, err
}

func (e *KeygenEngine) curve() elliptic.Curve { return tssconst.Edwards() }

func (e *KeygenEngine) Advance(in []byte) ([]byte, tssconst.Recipient, error) {
	if e.poisoned {
		return e.fail(xerrors.Cryptographic(errors.New("musig2: engine already poisoned")))
	}
	switch e.round {
	case 0:
		return e.round0(in)
	case 1:
		return e.round1(in)
	default:
		return nil, tssconst.RecipientServer, xerrors.OutOfSequence("musig2 keygen: advance called past terminal round %d", e.round)
	}
}

func (e *KeygenEngine) round0(in []byte) ([]byte, tssconst.Recipient, error) {
	var init protocol.GroupInit
	if err := decodeCBOR(in, &init); err != nil {
		return e.fail(err)
	}
	if err := protocol.ValidateGroupInit(init, e.kind, true); err != nil {
		return e.fail(err)
	}
	e.parties = init.Parties
	e.myIndex = init.Index
	e.pks = make(map[uint32]*xcrypto.Point, e.parties)

	curve := e.curve()
	e.xi = common.GetRandomPositiveInt(curve.Params().N)
	e.Xi = xcrypto.ScalarBaseMult(curve, e.xi)
	e.pks[e.myIndex] = e.Xi

	out, err := wire.EncodeBroadcast(e.kind, 1, mustCBOR(pubkeyMsg{X: e.Xi.X(), Y: e.Xi.Y()}))
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
	curve := e.curve()
	for peer, bz := range dec.Broadcasts {
		if peer == 0 || peer == e.myIndex {
			continue
		}
		var m pubkeyMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		pt, err := xcrypto.NewPoint(curve, m.X, m.Y)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		e.pks[peer] = pt
	}
	if uint32(len(e.pks)) != e.parties {
		return e.fail(xerrors.Cryptographic(errors.Errorf("musig2: expected %d public keys, got %d", e.parties, len(e.pks))))
	}

	pub, err := AggregateKey(curve, e.pks)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	e.pub = pub

	e.round = keygenTotalRounds
	return nil, tssconst.RecipientServer, nil
}

func (e *KeygenEngine) Finish() ([]byte, error) {
	if !e.Terminal() {
		return nil, xerrors.OutOfSequence("musig2 keygen: finish called before terminal round")
	}
	pksX := make(map[uint32]*big.Int, len(e.pks))
	pksY := make(map[uint32]*big.Int, len(e.pks))
	for idx, pt := range e.pks {
		pksX[idx] = pt.X()
		pksY[idx] = pt.Y()
	}
	gc := &GroupContext{
		Parties: e.parties,
		Index:   e.myIndex,
		PubKeyX: e.pub.X(),
		PubKeyY: e.pub.Y(),
		XI:      e.xi,
		PksX:    pksX,
		PksY:    pksY,
	}
	common.Logger.Infof("musig2 keygen: party %d of %d complete", e.myIndex, e.parties)
	return gc.encode()
}

type keygenSnapshot struct {
	Round    int    `cbor:"round"`
	Poisoned bool   `cbor:"poisoned"`
	Parties  uint32 `cbor:"parties"`
	MyIndex  uint32 `cbor:"my_index"`

	Xi     *big.Int                     `cbor:"xi,omitempty"`
	XiPt   *xcrypto.WirePoint           `cbor:"xi_pt,omitempty"`
	Pks    map[uint32]xcrypto.WirePoint `cbor:"pks,omitempty"`
	Pub    *xcrypto.WirePoint           `cbor:"pub,omitempty"`
}

func (e *KeygenEngine) Snapshot() ([]byte, error) {
	snap := keygenSnapshot{
		Round:   e.round,
		Poisoned: e.poisoned,
		Parties: e.parties,
		MyIndex: e.myIndex,
		Xi:      e.xi,
		XiPt:    xcrypto.EncodePoint(e.Xi),
		Pks:     xcrypto.EncodePointMap(e.pks),
		Pub:     xcrypto.EncodePoint(e.pub),
	}
	return mustCBOR(snap), nil
}

// RestoreKeygenEngine rebuilds a KeygenEngine from a snapshot produced by
// Snapshot, at whatever round it was taken.
func RestoreKeygenEngine(_ context.Context, bz []byte) (*KeygenEngine, error) {
	var snap keygenSnapshot
	if err := decodeCBOR(bz, &snap); err != nil {
		return nil, err
	}
	curve := tssconst.Edwards()
	e := &KeygenEngine{
		kind:    tssconst.MuSig2KeyGen,
		round:   snap.Round,
		poisoned: snap.Poisoned,
		parties: snap.Parties,
		myIndex: snap.MyIndex,
		xi:      snap.Xi,
	}
	var err error
	if e.Xi, err = xcrypto.DecodePoint(curve, snap.XiPt); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if e.pks, err = xcrypto.DecodePointMap(curve, snap.Pks); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if e.pub, err = xcrypto.DecodePoint(curve, snap.Pub); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	return e, nil
}
