package musig2

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/xerrors"
)

func decodeCBOR(bz []byte, v interface{}) error {
	if err := cbor.Unmarshal(bz, v); err != nil {
		return xerrors.MalformedEnvelope(errors.Wrap(err, "musig2: decode"))
	}
	return nil
}

func cborMarshal(v interface{}) ([]byte, error) {
	bz, err := cbor.Marshal(v)
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "musig2: encode"))
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

func sortedUint32Keys(keys []uint32) []uint32 {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
