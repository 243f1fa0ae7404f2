package frost

import (
	"crypto/elliptic"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/xcrypto"
	"github.com/mpcvault/tss-client/xerrors"
)

func decodeCBOR(bz []byte, v interface{}) error {
	if err := cbor.Unmarshal(bz, v); err != nil {
		return xerrors.MalformedEnvelope(errors.Wrap(err, "frost: decode"))
	}
	return nil
}

func cborMarshal(v interface{}) ([]byte, error) {
	bz, err := cbor.Marshal(v)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "frost: encode"))
	}
	return bz, nil
}

func mustCBOR(v interface{}) []byte {
	bz, err := cbor.Marshal(v)
	if err != nil {
		panic(err)
	}
	return bz
}

func flattenCommitments(v xcrypto.Commitments) []*big.Int {
	out := make([]*big.Int, 0, len(v)*2)
	for _, p := range v {
		out = append(out, p.X(), p.Y())
	}
	return out
}

func unflattenCommitments(curve elliptic.Curve, flat []*big.Int) (xcrypto.Commitments, error) {
	if len(flat)%2 != 0 {
		return nil, errors.New("frost: malformed commitment list")
	}
	out := make(xcrypto.Commitments, len(flat)/2)
	for i, j := 0, 0; i < len(flat); i, j = i+2, j+1 {
		p, err := xcrypto.NewPoint(curve, flat[i], flat[i+1])
		if err != nil {
			return nil, err
		}
		out[j] = p
	}
	return out, nil
}

func findShare(shares xcrypto.Shares, id *big.Int) *xcrypto.Share {
	for _, s := range shares {
		if s.ID.Cmp(id) == 0 {
			return s
		}
	}
	return nil
}

func sortedUint32Keys(keys []uint32) []uint32 {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
