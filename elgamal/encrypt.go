package elgamal

import (
	"crypto/elliptic"
	"math/big"

	"github.com/mpcvault/tss-client/common"
	"github.com/mpcvault/tss-client/xcrypto"
)

// Encrypt is not a round engine: it is the public, non-core counterpart to
// DecryptEngine, used by callers (and by this package's own tests) to build
// a ciphertext against a group public key produced by KeygenEngine. It
// implements hybrid EC-ElGamal: the ephemeral shared point k*Y keys a
// BLAKE3 keystream that XORs the plaintext, so plaintext length is
// unrestricted instead of needing a point-encodable message.
func Encrypt(curve elliptic.Curve, pubKeyX, pubKeyY *big.Int, plaintext []byte) ([]byte, error) {
	y, err := xcrypto.NewPoint(curve, pubKeyX, pubKeyY)
	if err != nil {
		return nil, err
	}
	k := common.GetRandomPositiveInt(curve.Params().N)
	c1 := xcrypto.ScalarBaseMult(curve, k)
	shared := y.ScalarMult(k)

	ks := keystream(shared.X(), shared.Y(), len(plaintext))
	ct := &Ciphertext{C1X: c1.X(), C1Y: c1.Y(), C2: xorBytes(plaintext, ks)}
	return ct.encode()
}
