// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package common

// NonEmptyBytes returns true when the byte slice is non-nil and non-empty.
// Used to reject a zero-length wire payload (SignInit.Data, an ElGamal
// ciphertext's C2) before it ever reaches a round engine's crypto.
func NonEmptyBytes(bz []byte) bool {
	return bz != nil && 0 < len(bz)
}
