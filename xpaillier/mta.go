package xpaillier

import (
	"math/big"

	"github.com/mpcvault/tss-client/common"
)

// MtAResponse is what the responder (Bob, holding b) sends back to the
// requester (Alice, holding a) after an MtA request: the re-encrypted,
// additively-masked product, under Alice's public key.
type MtAResponse struct {
	// C is Enc_Alice(a*b + betaNeg), the value Alice decrypts and reduces
	// mod q to learn her additive share alpha.
	C *big.Int
	// Beta is Bob's additive share of a*b: beta = -betaNeg mod q, kept
	// private to Bob. Alice never sees betaNeg or beta.
	Beta *big.Int
}

// MtARespond is GG18's multiplicative-to-additive share conversion, run by
// the responder (ecdsa/signing/mta.go's NewMtA, adapted onto xpaillier).
// Given the requester's Paillier-encrypted share cA = Enc_Alice(a) and the
// responder's own scalar b, it masks the product a*b with a value betaNeg
// drawn from a range (q^3) wide enough to statistically hide a*b from
// Alice yet narrow enough, relative to Alice's Paillier modulus N, that
// the homomorphic addition below never wraps mod N — so Alice's decrypted
// value, reduced mod q, recovers exactly a*b + betaNeg (mod q). Pairing it
// with Bob's beta = -betaNeg mod q makes alpha+beta = a*b mod q an
// additive sharing of the product that neither party learns in full.
func MtARespond(alicePub *PublicKey, cA *big.Int, b, q *big.Int) (*MtAResponse, error) {
	q3 := new(big.Int).Mul(q, new(big.Int).Mul(q, q))
	betaNeg := common.GetRandomPositiveInt(q3)

	ab, err := alicePub.HomoMult(b, cA)
	if err != nil {
		return nil, err
	}
	encBetaNeg, err := alicePub.Encrypt(betaNeg)
	if err != nil {
		return nil, err
	}
	c, err := alicePub.HomoAdd(ab, encBetaNeg)
	if err != nil {
		return nil, err
	}
	beta := common.ModInt(q).Sub(big.NewInt(0), betaNeg)
	return &MtAResponse{C: c, Beta: beta}, nil
}

// MtARequesterOutput decrypts resp.C under the requester's private key and
// reduces it mod q, yielding alpha — the requester's additive share of
// a*b. Paired with resp.Beta held by the responder, alpha+beta = a*b mod q.
func MtARequesterOutput(alicePriv *PrivateKey, resp *MtAResponse, q *big.Int) (*big.Int, error) {
	alphaRaw, err := alicePriv.Decrypt(resp.C)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mod(alphaRaw, q), nil
}
