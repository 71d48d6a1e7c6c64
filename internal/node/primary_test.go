package node

import (
	"context"
	"testing"
	"time"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/overlay"
	"github.com/PearTNhat/narwhal/internal/store"
	"github.com/PearTNhat/narwhal/internal/types"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func soloAuthorityCommittee(t *testing.T, self ncrypto.PublicKey) *committee.Committee {
	t.Helper()
	raw := map[string]committee.Authority{
		self.String(): {Stake: 1, Workers: map[int]committee.WorkerInfo{0: {}}},
	}
	data, err := marshalCommittee(raw)
	require.NoError(t, err)
	c, err := committee.Parse(data)
	require.NoError(t, err)
	return c
}

func newTestPrimary(t *testing.T, ctx context.Context) (*Primary, ncrypto.Signer) {
	t.Helper()
	priv, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	signer := ncrypto.Ed25519Signer{Key: priv}

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p, err := NewPrimary(ctx, PrimaryConfig{
		Committee:  soloAuthorityCommittee(t, pub),
		Signer:     signer,
		Store:      st,
		ListenHost: "127.0.0.1",
		Logger:     logging.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.ov.Start(ctx, nil))
	return p, signer
}

func signedCertificate(t *testing.T, signer ncrypto.Signer, round uint64) types.Certificate {
	t.Helper()
	h := types.Header{Author: signer.Identity(), Round: round, Payload: map[ncrypto.Digest]types.WorkerID{}}
	_, err := h.Sign(signer)
	require.NoError(t, err)
	v := types.Vote{HeaderDigest: mustDigest(t, h), Voter: signer.Identity()}
	require.NoError(t, v.Sign(signer))
	return types.Certificate{Header: h, Votes: map[ncrypto.PublicKey]ncrypto.Signature{v.Voter: v.Signature}}
}

func mustDigest(t *testing.T, h types.Header) ncrypto.Digest {
	t.Helper()
	d, err := h.Digest()
	require.NoError(t, err)
	return d
}

// TestPrimaryMergeCertificatesForwardsAndGossipsLocal exercises the
// mergeCertificates fan-out fix directly: a certificate produced locally
// (arriving on certsOut, i.e. Core's own output) must reach both the
// Proposer's input and the Consensus core's input, and must be gossiped out
// to peers exactly once. Core/Proposer/Consensus/Analyzer are not started,
// so the test itself is the sole reader of certsIn/consensusIn.
func TestPrimaryMergeCertificatesForwardsAndGossipsLocal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, signer := newTestPrimary(t, ctx)
	go p.mergeCertificates(ctx)

	observer := newTestObserverOverlay(t, ctx)
	connectOverlays(t, ctx, observer, p.ov)
	sub, err := observer.Subscribe(overlay.TopicPrimaryConsensus)
	require.NoError(t, err)

	cert := signedCertificate(t, signer, 1)

	select {
	case p.certsOut <- cert:
	case <-time.After(time.Second):
		t.Fatal("could not feed certsOut")
	}

	select {
	case got := <-p.certsIn:
		d1, _ := got.Digest()
		d2, _ := cert.Digest()
		require.Equal(t, d1, d2)
	case <-time.After(2 * time.Second):
		t.Fatal("certificate never reached certsIn (proposer input)")
	}

	select {
	case got := <-p.consensusIn:
		d1, _ := got.Digest()
		d2, _ := cert.Digest()
		require.Equal(t, d1, d2)
	case <-time.After(2 * time.Second):
		t.Fatal("certificate never reached consensusIn")
	}

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	decoded, err := types.DecodePrimaryMessage(msg.Data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Certificate)
	gotDigest, _ := decoded.Certificate.Digest()
	wantDigest, _ := cert.Digest()
	require.Equal(t, wantDigest, gotDigest)
}

// TestPrimaryMergeCertificatesDoesNotReGossipRemote checks the
// anti-amplification half of the same fix: a certificate arriving via
// gossip (certsGossip) is still forwarded to both local consumers but is
// never re-published.
func TestPrimaryMergeCertificatesDoesNotReGossipRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, signer := newTestPrimary(t, ctx)
	go p.mergeCertificates(ctx)

	observer := newTestObserverOverlay(t, ctx)
	connectOverlays(t, ctx, observer, p.ov)
	sub, err := observer.Subscribe(overlay.TopicPrimaryConsensus)
	require.NoError(t, err)

	cert := signedCertificate(t, signer, 1)

	select {
	case p.certsGossip <- cert:
	case <-time.After(time.Second):
		t.Fatal("could not feed certsGossip")
	}

	select {
	case <-p.certsIn:
	case <-time.After(2 * time.Second):
		t.Fatal("certificate never reached certsIn (proposer input)")
	}
	select {
	case <-p.consensusIn:
	case <-time.After(2 * time.Second):
		t.Fatal("certificate never reached consensusIn")
	}

	recvCtx, recvCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer recvCancel()
	_, err = sub.Next(recvCtx)
	require.Error(t, err, "a gossip-origin certificate must not be re-published")
}

func newTestObserverOverlay(t *testing.T, ctx context.Context) *overlay.Overlay {
	t.Helper()
	_, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	o, err := overlay.New(ctx, overlay.Config{
		NodeKey:      pub,
		ComponentTag: committee.PrimaryTag,
		ListenHost:   "127.0.0.1",
		Logger:       logging.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	require.NoError(t, o.Start(ctx, nil))
	return o
}

func connectOverlays(t *testing.T, ctx context.Context, a, b *overlay.Overlay) {
	t.Helper()
	bAddrs := b.Host().Addrs()
	require.NotEmpty(t, bAddrs)
	require.NoError(t, a.Host().Connect(ctx, peer.AddrInfo{ID: b.ID(), Addrs: bAddrs}))
	time.Sleep(200 * time.Millisecond) // let gossipsub's mesh settle before publishing
}
