package primary

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/store"
	"github.com/PearTNhat/narwhal/internal/types"

	"github.com/stretchr/testify/require"
)

type member struct {
	signer ncrypto.Ed25519Signer
	pub    ncrypto.PublicKey
}

func newFourMemberCommittee(t *testing.T) (*committee.Committee, []member) {
	t.Helper()
	members := make([]member, 4)
	authorities := map[string]committee.Authority{}
	for i := range members {
		priv, pub, err := ncrypto.GenerateKey()
		require.NoError(t, err)
		members[i] = member{signer: ncrypto.Ed25519Signer{Key: priv}, pub: pub}
		authorities[pub.String()] = committee.Authority{Stake: 1}
	}
	raw := struct {
		Authorities map[string]committee.Authority `json:"authorities"`
	}{Authorities: authorities}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	c, err := committee.Parse(data)
	require.NoError(t, err)
	return c, members
}

func newCoreForTest(t *testing.T, c *committee.Committee, self member) (*Core, chan types.Header, chan types.Vote, chan Delivery, chan types.Vote, chan types.Certificate, chan MissingParent, chan MissingBatch) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	headersIn := make(chan types.Header, 10)
	votesIn := make(chan types.Vote, 10)
	delivery := make(chan Delivery, 10)
	votesOut := make(chan types.Vote, 10)
	certsOut := make(chan types.Certificate, 10)
	missingParent := make(chan MissingParent, 10)
	missingBatch := make(chan MissingBatch, 10)

	core := NewCore(
		CoreConfig{Committee: c, Signer: self.signer, Store: st},
		testLogger(),
		headersIn, votesIn, delivery,
		votesOut, certsOut, missingParent, missingBatch,
	)
	return core, headersIn, votesIn, delivery, votesOut, certsOut, missingParent, missingBatch
}

func TestCoreGenesisHeaderVotesImmediately(t *testing.T) {
	c, members := newFourMemberCommittee(t)
	core, headersIn, _, _, votesOut, _, missingParent, missingBatch := newCoreForTest(t, c, members[0])

	h := types.Header{Author: members[0].pub, Round: 1}
	_, err := h.Sign(members[0].signer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	headersIn <- h

	select {
	case v := <-votesOut:
		require.Equal(t, members[0].pub, v.Voter)
	case <-time.After(time.Second):
		t.Fatal("core never voted on a valid genesis header")
	}

	select {
	case mp := <-missingParent:
		t.Fatalf("unexpected missing parent request: %+v", mp)
	case mb := <-missingBatch:
		t.Fatalf("unexpected missing batch request: %+v", mb)
	default:
	}
}

func TestCoreParksHeaderWithUnknownParent(t *testing.T) {
	c, members := newFourMemberCommittee(t)
	core, headersIn, _, _, votesOut, _, missingParent, _ := newCoreForTest(t, c, members[0])

	h := types.Header{
		Author:  members[0].pub,
		Round:   2,
		Parents: []ncrypto.Digest{ncrypto.H([]byte("unknown-parent"))},
	}
	_, err := h.Sign(members[0].signer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	headersIn <- h

	select {
	case mp := <-missingParent:
		require.Equal(t, members[0].pub, mp.Believer)
	case <-time.After(time.Second):
		t.Fatal("core never requested the missing parent")
	}

	select {
	case <-votesOut:
		t.Fatal("core must not vote while parked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoreRejectsSecondHeaderSameRound(t *testing.T) {
	c, members := newFourMemberCommittee(t)
	core, headersIn, _, _, votesOut, _, _, _ := newCoreForTest(t, c, members[0])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	h1 := types.Header{Author: members[0].pub, Round: 1}
	_, err := h1.Sign(members[0].signer)
	require.NoError(t, err)
	headersIn <- h1

	<-votesOut // consume the first vote

	h2 := types.Header{Author: members[0].pub, Round: 1, Payload: map[ncrypto.Digest]types.WorkerID{ncrypto.H([]byte("x")): 0}}
	_, err = h2.Sign(members[0].signer)
	require.NoError(t, err)
	headersIn <- h2

	select {
	case <-votesOut:
		t.Fatal("core must not vote on a second header at the same round")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCoreFormsCertificateAtQuorum(t *testing.T) {
	c, members := newFourMemberCommittee(t)
	core, headersIn, votesIn, _, votesOut, certsOut, _, _ := newCoreForTest(t, c, members[0])

	h := types.Header{Author: members[0].pub, Round: 1}
	_, err := h.Sign(members[0].signer)
	require.NoError(t, err)
	digest, err := h.Digest()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	headersIn <- h
	<-votesOut // self-vote

	for i := 1; i < 3; i++ { // two more votes => stake 3 == quorum_threshold for n=4
		v := types.Vote{HeaderDigest: digest, Voter: members[i].pub}
		require.NoError(t, v.Sign(members[i].signer))
		votesIn <- v
	}

	select {
	case cert := <-certsOut:
		require.Equal(t, digest, mustDigest(t, cert.Header))
		require.Len(t, cert.Votes, 3)
	case <-time.After(time.Second):
		t.Fatal("core never formed a certificate at quorum")
	}
}

func mustDigest(t *testing.T, h types.Header) ncrypto.Digest {
	t.Helper()
	d, err := h.Digest()
	require.NoError(t, err)
	return d
}
