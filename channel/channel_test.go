package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mpcvault/tss-client/dispatch"
	"github.com/mpcvault/tss-client/elgamal"
	"github.com/mpcvault/tss-client/identity"
	"github.com/mpcvault/tss-client/protocol"
	"github.com/mpcvault/tss-client/tssconst"
	"github.com/mpcvault/tss-client/wire"
)

func selfSignFor(t *testing.T, subjectKey, caKey *ecdsa.PrivateKey, serial int64, name string) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &subjectKey.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// mockServerSession plays the coordinator's half of the channel for one
// device, mirroring the device's own cert-swap/seal/open so the two
// ends derive the same session key independently via ECDH.
type mockServerSession struct {
	sess *session
}

func newMockServerSession(t *testing.T, serverKey *ecdsa.PrivateKey, serverCert, deviceCert *x509.Certificate) *mockServerSession {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(deviceCert)
	return &mockServerSession{sess: &session{
		state:        stateCertSwap,
		localKey:     serverKey,
		localCert:    serverCert,
		trustAnchors: pool,
	}}
}

func (m *mockServerSession) certSwap(deviceCertDER []byte) {
	if _, err := m.sess.certSwap(deviceCertDER); err != nil {
		panic(err)
	}
}

func (m *mockServerSession) fromDevice(ciphertext []byte) []byte {
	pt, err := m.sess.open(ciphertext)
	if err != nil {
		panic(err)
	}
	return pt
}

func (m *mockServerSession) toDevice(plaintext []byte) []byte {
	ct, err := m.sess.seal(plaintext)
	if err != nil {
		panic(err)
	}
	return ct
}

type device struct {
	orch *Orchestrator
	srv  *mockServerSession
}

func newDevice(t *testing.T, idx uint32, kind tssconst.ProtocolKind) *device {
	t.Helper()
	ctx := context.Background()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	devKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	devCert := selfSignFor(t, devKey, caKey, int64(idx), "device")
	privDER, err := x509.MarshalPKCS8PrivateKey(devKey)
	require.NoError(t, err)
	bundleBytes, err := identity.MakeBundle(privDER, devCert.Raw)
	require.NoError(t, err)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serverCert := selfSignFor(t, serverKey, caKey, 100+int64(idx), "server")

	pool := x509.NewCertPool()
	pool.AddCert(serverCert)

	h, err := dispatch.NewKeygenHandle(ctx, kind)
	require.NoError(t, err)
	orch, err := NewOrchestrator("cert-swap", []*dispatch.Handle{h}, pool, bundleBytes, kind, nil, nil)
	require.NoError(t, err)

	srv := newMockServerSession(t, serverKey, serverCert, devCert)
	return &device{orch: orch, srv: srv}
}

// TestOrchestratorCertSwapThenElGamalKeygen exercises cert-swap, then
// drives a real ElGamal keygen through two devices' orchestrators and
// their mock server sessions, confirming the channel layer round-trips
// protocol bytes transparently (AdvanceShare's AEAD seal/open is
// invisible to the wire-level keygen agreement the engines already
// guarantee on their own, tested directly in elgamal_test.go).
func TestOrchestratorCertSwapThenElGamalKeygen(t *testing.T) {
	const n, threshold = uint32(2), uint32(2)
	devices := map[uint32]*device{
		1: newDevice(t, 1, tssconst.ElGamalKeyGen),
		2: newDevice(t, 2, tssconst.ElGamalKeyGen),
	}

	// Cert-swap: each device sends its certificate to the server leg and
	// gets the server's certificate back; the mock server mirrors the
	// same handshake from its side.
	for i := uint32(1); i <= n; i++ {
		d := devices[i]
		out, recip, err := d.orch.AdvanceShare(0, d.srv.sess.localCert.Raw)
		require.NoError(t, err)
		require.Equal(t, tssconst.RecipientServer, recip)
		d.srv.certSwap(out)
	}

	ins := make(map[uint32][]byte, n)
	for i := uint32(1); i <= n; i++ {
		init := protocol.GroupInit{Kind: tssconst.ElGamalKeyGen, Parties: n, Threshold: threshold, Index: i}
		bz, err := cbor.Marshal(init)
		require.NoError(t, err)
		ins[i] = devices[i].srv.toDevice(bz)
	}

	for round := uint32(1); round <= 2; round++ {
		broadcasts := make(map[uint32][]byte)
		unicasts := make(map[uint32]map[uint32][]byte, n)
		var mu sync.Mutex
		for i := uint32(1); i <= n; i++ {
			unicasts[i] = make(map[uint32][]byte)
		}

		var eg errgroup.Group
		for idx := uint32(1); idx <= n; idx++ {
			idx := idx
			eg.Go(func() error {
				d := devices[idx]
				ciphertext, recip, err := d.orch.AdvanceShare(0, ins[idx])
				if err != nil {
					return err
				}
				if recip != tssconst.RecipientServer {
					return errors.Errorf("unexpected recipient %s", recip)
				}
				plaintext := d.srv.fromDevice(ciphertext)
				dec, err := wire.Decode(plaintext)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if bz, ok := dec.Broadcasts[0]; ok {
					broadcasts[idx] = bz
				}
				for peer, payload := range dec.Unicasts {
					unicasts[peer][idx] = payload
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		for idx := uint32(1); idx <= n; idx++ {
			bz, err := wire.EncodeAggregated(tssconst.ElGamalKeyGen, round, broadcasts, unicasts[idx])
			require.NoError(t, err)
			ins[idx] = devices[idx].srv.toDevice(bz)
		}
	}

	artifact1, err := devices[1].orch.FinishAll()
	require.NoError(t, err)
	artifact2, err := devices[2].orch.FinishAll()
	require.NoError(t, err)

	var results1, results2 []finishResult
	require.NoError(t, cbor.Unmarshal(artifact1, &results1))
	require.NoError(t, cbor.Unmarshal(artifact2, &results2))
	gc1, err := elgamal.DecodeGroupContext(results1[0].Artifact)
	require.NoError(t, err)
	gc2, err := elgamal.DecodeGroupContext(results2[0].Artifact)
	require.NoError(t, err)
	require.Equal(t, gc1.PubKeyX, gc2.PubKeyX)
}

// TestAdvanceShareInterleavesAcrossShares exercises spec.md §5's per-share
// independence guarantee directly: one orchestrator holding two unrelated
// 1-of-1 ElGamal keygen shares, advanced concurrently by index via
// errgroup, confirming neither share's round state corrupts the other's.
func TestAdvanceShareInterleavesAcrossShares(t *testing.T) {
	ctx := context.Background()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	devKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	devCert := selfSignFor(t, devKey, caKey, 1, "device")
	privDER, err := x509.MarshalPKCS8PrivateKey(devKey)
	require.NoError(t, err)
	bundleBytes, err := identity.MakeBundle(privDER, devCert.Raw)
	require.NoError(t, err)
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serverCert := selfSignFor(t, serverKey, caKey, 2, "server")
	pool := x509.NewCertPool()
	pool.AddCert(serverCert)

	h0, err := dispatch.NewKeygenHandle(ctx, tssconst.ElGamalKeyGen)
	require.NoError(t, err)
	h1, err := dispatch.NewKeygenHandle(ctx, tssconst.ElGamalKeyGen)
	require.NoError(t, err)
	orch, err := NewOrchestrator("cert-swap", []*dispatch.Handle{h0, h1}, pool, bundleBytes, tssconst.ElGamalKeyGen, nil, nil)
	require.NoError(t, err)
	srv := newMockServerSession(t, serverKey, serverCert, devCert)

	out, recip, err := orch.AdvanceShare(0, srv.sess.localCert.Raw)
	require.NoError(t, err)
	require.Equal(t, tssconst.RecipientServer, recip)
	srv.certSwap(out)

	init0, err := cbor.Marshal(protocol.GroupInit{Kind: tssconst.ElGamalKeyGen, Parties: 1, Threshold: 1, Index: 1})
	require.NoError(t, err)
	init1, err := cbor.Marshal(protocol.GroupInit{Kind: tssconst.ElGamalKeyGen, Parties: 1, Threshold: 1, Index: 1})
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error {
		_, _, err := orch.AdvanceShare(0, init0)
		return err
	})
	eg.Go(func() error {
		_, _, err := orch.AdvanceShare(1, init1)
		return err
	})
	require.NoError(t, eg.Wait())

	require.Equal(t, 1, h0.Round())
	require.Equal(t, 1, h1.Round())
}
