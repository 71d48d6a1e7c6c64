package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/overlay"
	"github.com/PearTNhat/narwhal/internal/store"

	"github.com/stretchr/testify/require"
)

func fourMemberCommittee(t *testing.T, stakes [4]uint64) (*committee.Committee, []ncrypto.PublicKey) {
	t.Helper()
	keys := make([]ncrypto.PublicKey, 4)
	raw := map[string]committee.Authority{}
	for i := range keys {
		_, pub, err := ncrypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = pub
		raw[pub.String()] = committee.Authority{Stake: stakes[i], Workers: map[int]committee.WorkerInfo{0: {}}}
	}
	data, err := marshalCommittee(raw)
	require.NoError(t, err)
	c, err := committee.Parse(data)
	require.NoError(t, err)
	return c, keys
}

func TestQuorumWaiterForwardsAtThreshold(t *testing.T) {
	c, keys := fourMemberCommittee(t, [4]uint64{1, 1, 1, 1})
	ownKey := keys[0]

	sealedCh := make(chan SealedBatch, 1)
	readyCh := make(chan ReadyBatch, 1)

	// Synthetic overlay is not required here: QuorumWaiter only needs its
	// own event channel plumbing, exercised directly via onEvent/onSealed.
	qw := &QuorumWaiter{
		committee: c,
		ownStake:  c.Stake(ownKey),
		pending:   make(map[uint64]*pendingBatch),
		idToKey:   make(map[uint64]uint64),
	}

	sb := SealedBatch{
		Serialized:  []byte("batch"),
		RequestIDs:  []uint64{1, 2, 3},
		WorkerNames: []ncrypto.PublicKey{keys[1], keys[2], keys[3]},
	}
	qw.pending[1] = &pendingBatch{
		serialized:  sb.Serialized,
		expectedIDs: sb.RequestIDs,
		workerNames: sb.WorkerNames,
		received:    make(map[uint64]bool),
	}
	qw.idToKey[1], qw.idToKey[2], qw.idToKey[3] = 1, 1, 1
	qw.out = readyCh

	ctx := context.Background()

	// own stake (1) + one ack (1) = 2 < quorum threshold (3) for total stake 4.
	qw.onEvent(ctx, overlay.Event{Kind: overlay.EventResponseReceived, RequestID: 1, Success: true})
	select {
	case <-readyCh:
		t.Fatal("forwarded before quorum reached")
	default:
	}

	// own stake (1) + two acks (2) = 3 == quorum threshold.
	qw.onEvent(ctx, overlay.Event{Kind: overlay.EventResponseReceived, RequestID: 2, Success: true})

	select {
	case got := <-readyCh:
		require.Equal(t, sb.Serialized, got.Serialized)
	case <-time.After(time.Second):
		t.Fatal("batch never forwarded at quorum")
	}

	_, stillPending := qw.pending[1]
	require.False(t, stillPending)

	_ = sealedCh
}

func TestQuorumWaiterDuplicateAckDoesNotDoubleCount(t *testing.T) {
	c, keys := fourMemberCommittee(t, [4]uint64{10, 10, 10, 10})
	ownKey := keys[0]

	qw := &QuorumWaiter{
		committee: c,
		ownStake:  c.Stake(ownKey),
		pending:   make(map[uint64]*pendingBatch),
		idToKey:   make(map[uint64]uint64),
	}
	qw.pending[1] = &pendingBatch{
		serialized:  []byte("batch"),
		expectedIDs: []uint64{1, 2, 3},
		workerNames: []ncrypto.PublicKey{keys[1], keys[2], keys[3]},
		received:    make(map[uint64]bool),
	}
	qw.idToKey[1] = 1

	out := make(chan ReadyBatch, 1)
	qw.out = out

	ctx := context.Background()
	qw.onEvent(ctx, overlay.Event{Kind: overlay.EventResponseReceived, RequestID: 1, Success: true})
	qw.onEvent(ctx, overlay.Event{Kind: overlay.EventResponseReceived, RequestID: 1, Success: true})

	// own(10) + sibling1(10) = 20 < quorum threshold for total 40 (=27).
	select {
	case <-out:
		t.Fatal("duplicate ack must not push past quorum alone")
	default:
	}
}

func TestQuorumWaiterNoSiblingsForwardsImmediately(t *testing.T) {
	sealedCh := make(chan SealedBatch, 1)
	readyCh := make(chan ReadyBatch, 1)

	qw := &QuorumWaiter{pending: map[uint64]*pendingBatch{}, idToKey: map[uint64]uint64{}, in: sealedCh, out: readyCh}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb := SealedBatch{Serialized: []byte("solo"), Digest: ncrypto.H([]byte("solo"))}
	qw.onSealed(ctx, sb)

	select {
	case got := <-readyCh:
		require.Equal(t, sb.Serialized, got.Serialized)
	case <-time.After(time.Second):
		t.Fatal("batch with no siblings must forward immediately")
	}
}

func TestQuorumWaiterStoresSiblingBatchOnRequestReceived(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	qw := &QuorumWaiter{pending: map[uint64]*pendingBatch{}, idToKey: map[uint64]uint64{}, store: st}

	body := []byte("sibling batch bytes")
	qw.onEvent(context.Background(), overlay.Event{Kind: overlay.EventRequestReceived, Body: body})

	got, err := st.Get(ncrypto.H(body))
	require.NoError(t, err)
	require.Equal(t, body, got)
}

// marshalCommittee mirrors committee.Parse's expected on-disk JSON shape.
func marshalCommittee(authorities map[string]committee.Authority) ([]byte, error) {
	return json.Marshal(struct {
		Authorities map[string]committee.Authority `json:"authorities"`
	}{Authorities: authorities})
}
