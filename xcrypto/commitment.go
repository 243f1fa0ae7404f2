// partly ported from:
// https://github.com/KZen-networks/curv/blob/78a70f43f5eda376e5888ce33aec18962f572bbe/src/cryptographic_primitives/commitments/hash_commitment.rs

package xcrypto

import (
	"crypto"
	_ "crypto/sha3"
	"math/big"

	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/common"
)

const HashLength = 256

type (
	Commitment   = *big.Int
	DeCommitment = []*big.Int

	HashCommitDecommit struct {
		C Commitment
		D DeCommitment
	}
)

// NewHashCommitment commits to secrets with a random 256-bit blinding
// factor prepended, so the commitment reveals nothing before DeCommit.
func NewHashCommitment(secrets ...*big.Int) (*HashCommitDecommit, error) {
	r := common.MustGetRandomInt(HashLength)
	parts := make([]*big.Int, len(secrets)+1)
	parts[0] = r
	copy(parts[1:], secrets)

	digest, err := sha3Digest(parts)
	if err != nil {
		return nil, err
	}
	return &HashCommitDecommit{C: new(big.Int).SetBytes(digest), D: parts}, nil
}

func (cmt *HashCommitDecommit) Verify() (bool, error) {
	digest, err := sha3Digest(cmt.D)
	if err != nil {
		return false, err
	}
	return new(big.Int).SetBytes(digest).Cmp(cmt.C) == 0, nil
}

// DeCommit verifies and, on success, returns D with the blinding factor
// stripped off.
func (cmt *HashCommitDecommit) DeCommit() (bool, DeCommitment, error) {
	ok, err := cmt.Verify()
	if err != nil || !ok {
		return ok, nil, err
	}
	return true, cmt.D[1:], nil
}

func sha3Digest(in []*big.Int) ([]byte, error) {
	h := crypto.SHA3_256.New()
	for _, n := range in {
		if _, err := h.Write(n.Bytes()); err != nil {
			return nil, errors.Wrap(err, "xcrypto: sha3 write failed")
		}
	}
	return h.Sum(nil), nil
}
