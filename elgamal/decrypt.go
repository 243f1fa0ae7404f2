package elgamal

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

const decryptTotalRounds = 2

// DecryptEngine is the threshold-decryption round engine: round 0 computes
// and broadcasts this signer's partial decryption d_i = lambda_i*x_i*C1;
// round 1 sums every signer's d_j (already Lagrange-weighted, so the sum is
// x*C1 directly, never reconstructing x) and recovers the plaintext by
// XORing C2 with the BLAKE3 keystream of that shared point.
type DecryptEngine struct {
	kind     tssconst.ProtocolKind
	round    int
	poisoned bool

	gc      *GroupContext
	indices []uint32
	myIndex uint32

	ct *Ciphertext
	c1 *xcrypto.Point

	d        *xcrypto.Point
	peerD    map[uint32]*xcrypto.Point

	plaintext []byte
}

func NewDecryptEngine(gc *GroupContext) *DecryptEngine {
	return &DecryptEngine{kind: tssconst.ElGamalDecrypt, gc: gc}
}

func (e *DecryptEngine) Kind() tssconst.ProtocolKind { return e.kind }
func (e *DecryptEngine) Round() int                  { return e.round }
func (e *DecryptEngine) Terminal() bool              { return e.round >= decryptTotalRounds }
func (e *DecryptEngine) Poisoned() bool              { return e.poisoned }

func (e *DecryptEngine) fail(err error) ([]byte, tssconst.Recipient, error) {
	common.Logger.Errorf("elgamal decrypt: round %d: %s", e.round, err)
	e.poisoned = true
	return nil, tssconst.RecipientServer, err
}

func (e *DecryptEngine) curve() elliptic.Curve { return tssconst.S256() }

func (e *DecryptEngine) Advance(in []byte) ([]byte, tssconst.Recipient, error) {
	if e.poisoned {
		return e.fail(xerrors.Cryptographic(errors.New("elgamal: engine already poisoned")))
	}
	switch e.round {
	case 0:
		return e.round0(in)
	case 1:
		return e.round1(in)
	default:
		return nil, tssconst.RecipientServer, xerrors.OutOfSequence("elgamal decrypt: advance called past terminal round %d", e.round)
	}
}

func (e *DecryptEngine) round0(in []byte) ([]byte, tssconst.Recipient, error) {
	var init protocol.SignInit
	if err := decodeCBOR(in, &init); err != nil {
		return e.fail(err)
	}
	if err := protocol.ValidateSignInit(init, e.kind, int(e.gc.Threshold)); err != nil {
		return e.fail(err)
	}
	e.indices = init.Indices
	e.myIndex = init.Index

	ct, err := decodeCiphertext(init.Data)
	if err != nil {
		return e.fail(err)
	}
	e.ct = ct
	curve := e.curve()
	c1, err := xcrypto.NewPoint(curve, ct.C1X, ct.C1Y)
	if err != nil {
		return e.fail(xerrors.Cryptographic(err))
	}
	e.c1 = c1

	xs := make([]*big.Int, len(e.indices))
	myPos := -1
	for i, idx := range e.indices {
		xs[i] = big.NewInt(int64(idx))
		if idx == e.myIndex {
			myPos = i
		}
	}
	lambda := xcrypto.LagrangeCoefficient(curve.Params().N, myPos, xs)
	weighted := common.ModInt(curve.Params().N).Mul(e.gc.ShareXI, lambda)
	d := c1.ScalarMult(weighted)
	e.d = d
	e.peerD = map[uint32]*xcrypto.Point{e.myIndex: d}

	out, err := wire.EncodeBroadcast(e.kind, 1, mustCBOR(partialDecryptMsg{DX: d.X(), DY: d.Y()}))
	if err != nil {
		return e.fail(err)
	}
	e.round = 1
	return out, tssconst.RecipientServer, nil
}

func (e *DecryptEngine) round1(in []byte) ([]byte, tssconst.Recipient, error) {
	dec, err := wire.Decode(in)
	if err != nil {
		return e.fail(err)
	}
	curve := e.curve()
	for peer, bz := range dec.Broadcasts {
		if peer == 0 || peer == e.myIndex {
			continue
		}
		var m partialDecryptMsg
		if err := decodeCBOR(bz, &m); err != nil {
			return e.fail(err)
		}
		pt, err := xcrypto.NewPoint(curve, m.DX, m.DY)
		if err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
		e.peerD[peer] = pt
	}
	if len(e.peerD) != len(e.indices) {
		return e.fail(xerrors.Cryptographic(errors.Errorf("elgamal: expected %d partial decryptions, got %d", len(e.indices), len(e.peerD))))
	}

	order := sortedUint32Keys(append([]uint32{}, e.indices...))
	shared := e.peerD[order[0]]
	for _, idx := range order[1:] {
		if shared, err = shared.Add(e.peerD[idx]); err != nil {
			return e.fail(xerrors.Cryptographic(err))
		}
	}

	ks := keystream(shared.X(), shared.Y(), len(e.ct.C2))
	e.plaintext = xorBytes(e.ct.C2, ks)

	e.round = decryptTotalRounds
	return nil, tssconst.RecipientServer, nil
}

func (e *DecryptEngine) Finish() ([]byte, error) {
	if !e.Terminal() {
		return nil, xerrors.OutOfSequence("elgamal decrypt: finish called before terminal round")
	}
	common.Logger.Infof("elgamal decrypt: party %d threshold decryption complete", e.myIndex)
	return append([]byte(nil), e.plaintext...), nil
}

// decryptSnapshot carries every field of DecryptEngine needed to resume at
// any round boundary. gc is not carried: the caller supplies it again on
// restore the same way NewDecryptEngine's caller does.
type decryptSnapshot struct {
	Round    int  `cbor:"round"`
	Poisoned bool `cbor:"poisoned"`

	Indices []uint32 `cbor:"indices,omitempty"`
	MyIndex uint32   `cbor:"my_index"`

	Ciphertext *Ciphertext `cbor:"ciphertext,omitempty"`
	C1         *xcrypto.WirePoint `cbor:"c1,omitempty"`

	D     *xcrypto.WirePoint           `cbor:"d,omitempty"`
	PeerD map[uint32]xcrypto.WirePoint `cbor:"peer_d,omitempty"`

	Plaintext []byte `cbor:"plaintext,omitempty"`
}

func (e *DecryptEngine) Snapshot() ([]byte, error) {
	snap := decryptSnapshot{
		Round:      e.round,
		Poisoned:   e.poisoned,
		Indices:    e.indices,
		MyIndex:    e.myIndex,
		Ciphertext: e.ct,
		C1:         xcrypto.EncodePoint(e.c1),
		D:          xcrypto.EncodePoint(e.d),
		PeerD:      xcrypto.EncodePointMap(e.peerD),
		Plaintext:  e.plaintext,
	}
	return mustCBOR(snap), nil
}

// RestoreDecryptEngine rebuilds a DecryptEngine from a snapshot produced by
// Snapshot, at whatever round it was taken.
func RestoreDecryptEngine(gc *GroupContext, bz []byte) (*DecryptEngine, error) {
	var snap decryptSnapshot
	if err := decodeCBOR(bz, &snap); err != nil {
		return nil, err
	}
	curve := tssconst.S256()
	e := &DecryptEngine{
		kind:      tssconst.ElGamalDecrypt,
		round:     snap.Round,
		poisoned:  snap.Poisoned,
		gc:        gc,
		indices:   snap.Indices,
		myIndex:   snap.MyIndex,
		ct:        snap.Ciphertext,
		plaintext: snap.Plaintext,
	}
	var err error
	if e.c1, err = xcrypto.DecodePoint(curve, snap.C1); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if e.d, err = xcrypto.DecodePoint(curve, snap.D); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	if e.peerD, err = xcrypto.DecodePointMap(curve, snap.PeerD); err != nil {
		return nil, xerrors.Cryptographic(err)
	}
	return e, nil
}
