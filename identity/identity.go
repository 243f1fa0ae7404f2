// Package identity generates the long-term device key material the
// channel package's cert-swap handshake pins: a P-256 ECDSA keypair, a
// PKCS#10 certificate-signing request, and the portable bundle format
// that packages a signed certificate back up with its private key. This
// plays the role the teacher has no equivalent for — tss-lib assumes keys
// already exist — so the construction is grounded on stdlib crypto/x509
// the way the scwallet secure-channel pattern (other_examples) grounds
// channel's ECDH/session-key derivation: standard PKI primitives, no
// invented wire format.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mpcvault/tss-client/xerrors"
)

// Bundle is the portable container a generated identity (or a CA's signed
// reply to its CSR) is packaged into: a PKCS#8 private key plus a DER
// certificate, the exact shape channel.NewOrchestrator's identity_bundle
// parameter expects.
type Bundle struct {
	PrivateKeyDER []byte `cbor:"private_key_der"`
	CertificateDER []byte `cbor:"certificate_der"`
}

// GenerateIdentity produces a fresh P-256 ECDSA keypair and a PKCS#10 CSR
// bearing name as the certificate subject's common name. The returned key
// bytes are PKCS#8 DER; the CSR bytes are DER, ready to be submitted to
// whatever CA signs this device's certificate.
func GenerateIdentity(name string) (privateKeyDER, csrDER []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, xerrors.Cryptographic(errors.Wrap(err, "identity: generate key"))
	}
	privateKeyDER, err = x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, xerrors.Cryptographic(errors.Wrap(err, "identity: marshal private key"))
	}

	template := x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: name},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	csrDER, err = x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, nil, xerrors.Cryptographic(errors.Wrap(err, "identity: create csr"))
	}
	return privateKeyDER, csrDER, nil
}

// MakeBundle packages a PKCS#8 private key and a DER certificate into one
// CBOR-encoded Bundle.
func MakeBundle(privateKeyDER, certificateDER []byte) ([]byte, error) {
	bz, err := cbor.Marshal(Bundle{PrivateKeyDER: privateKeyDER, CertificateDER: certificateDER})
	if err != nil {
		return nil, xerrors.CodecInternal(errors.Wrap(err, "identity: encode bundle"))
	}
	return bz, nil
}

// DecodeBundle is channel's counterpart to MakeBundle.
func DecodeBundle(bz []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(bz, &b); err != nil {
		return nil, xerrors.MalformedEnvelope(errors.Wrap(err, "identity: decode bundle"))
	}
	return &b, nil
}

// PrivateKey parses the bundle's PKCS#8 DER private key back into an
// *ecdsa.PrivateKey.
func (b *Bundle) PrivateKey() (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(b.PrivateKeyDER)
	if err != nil {
		return nil, xerrors.Cryptographic(errors.Wrap(err, "identity: parse private key"))
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, xerrors.Cryptographic(errors.New("identity: bundle key is not ECDSA"))
	}
	return ecKey, nil
}

// Certificate parses the bundle's DER certificate.
func (b *Bundle) Certificate() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(b.CertificateDER)
	if err != nil {
		return nil, xerrors.Cryptographic(errors.Wrap(err, "identity: parse certificate"))
	}
	return cert, nil
}

// SelfSign is a test/offline-demo helper: it signs csrDER's subject and
// public key into a self-signed certificate using signerKey, so a single
// process can exercise the full GenerateIdentity -> MakeBundle -> channel
// cert-swap path without standing up a CA. Production deployments are
// expected to submit the CSR to a real CA instead.
func SelfSign(csrDER []byte, signerKey *ecdsa.PrivateKey, serial int64) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, xerrors.Cryptographic(errors.Wrap(err, "identity: parse csr"))
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, xerrors.TransportAuthFailed(errors.Wrap(err, "identity: csr signature invalid"))
	}

	template := x509.Certificate{
		SerialNumber:          bigFromInt64(serial),
		Subject:                csr.Subject,
		SignatureAlgorithm:     x509.ECDSAWithSHA256,
		NotBefore:              time.Now().Add(-time.Hour),
		NotAfter:               time.Now().AddDate(1, 0, 0),
		KeyUsage:               x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, csr.PublicKey, signerKey)
	if err != nil {
		return nil, xerrors.Cryptographic(errors.Wrap(err, "identity: create certificate"))
	}
	return der, nil
}

func bigFromInt64(v int64) *big.Int { return big.NewInt(v) }
