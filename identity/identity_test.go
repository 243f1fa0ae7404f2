package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityAndBundleRoundTrip(t *testing.T) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	privateKeyDER, csrDER, err := GenerateIdentity("share-holder-1")
	require.NoError(t, err)

	certDER, err := SelfSign(csrDER, caKey, 1)
	require.NoError(t, err)

	bz, err := MakeBundle(privateKeyDER, certDER)
	require.NoError(t, err)

	b, err := DecodeBundle(bz)
	require.NoError(t, err)

	key, err := b.PrivateKey()
	require.NoError(t, err)
	require.Equal(t, elliptic.P256(), key.Curve)

	cert, err := b.Certificate()
	require.NoError(t, err)
	require.Equal(t, "share-holder-1", cert.Subject.CommonName)
}

func TestSelfSignRejectsTamperedCSR(t *testing.T) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, csrDER, err := GenerateIdentity("share-holder-2")
	require.NoError(t, err)
	csrDER[len(csrDER)-1] ^= 0xFF

	_, err = SelfSign(csrDER, caKey, 2)
	require.Error(t, err)
}
