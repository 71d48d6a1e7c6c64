package committee

import (
	"encoding/json"
	"fmt"
	"testing"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"

	"github.com/stretchr/testify/require"
)

func fourMemberCommitteeJSON(t *testing.T) ([]byte, []ncrypto.PublicKey) {
	t.Helper()
	var keys []ncrypto.PublicKey
	authorities := map[string]map[string]any{}
	for i := 0; i < 4; i++ {
		_, pub, err := ncrypto.GenerateKey()
		require.NoError(t, err)
		keys = append(keys, pub)
		authorities[pub.String()] = map[string]any{
			"stake":        1,
			"primary_addr": fmt.Sprintf("/ip4/127.0.0.1/tcp/900%d", i),
			"workers": map[string]any{
				"0": map[string]string{
					"worker_addr":       fmt.Sprintf("/ip4/127.0.0.1/tcp/910%d", i),
					"transactions_addr": fmt.Sprintf("127.0.0.1:920%d", i),
				},
			},
		}
	}
	raw := map[string]any{"authorities": authorities}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	return data, keys
}

func TestQuorumThresholdUnitStake(t *testing.T) {
	data, _ := fourMemberCommitteeJSON(t)
	c, err := Parse(data)
	require.NoError(t, err)

	require.EqualValues(t, 4, c.TotalStake())
	require.EqualValues(t, 3, c.QuorumThreshold(), "2f+1 quorum with f=1 over 4 unit-stake members is 3")
}

func TestSiblingWorkersExcludesSelf(t *testing.T) {
	data, keys := fourMemberCommitteeJSON(t)
	c, err := Parse(data)
	require.NoError(t, err)

	siblings, err := c.SiblingWorkers(keys[0], 0)
	require.NoError(t, err)
	require.Len(t, siblings, 3)
	for _, s := range siblings {
		require.NotEqual(t, keys[0], s)
	}
}

func TestPeerIDDeterministicAcrossCalls(t *testing.T) {
	data, keys := fourMemberCommitteeJSON(t)
	_, err := Parse(data)
	require.NoError(t, err)

	id1, err := PeerID(keys[0], PrimaryTag)
	require.NoError(t, err)
	id2, err := PeerID(keys[0], PrimaryTag)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	workerID, err := PeerID(keys[0], WorkerTag(0))
	require.NoError(t, err)
	require.NotEqual(t, id1, workerID, "primary and worker PeerIds for the same member must differ")
}

func TestNodeIDIsSortedIndex(t *testing.T) {
	data, keys := fourMemberCommitteeJSON(t)
	c, err := Parse(data)
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, k := range keys {
		id, err := c.NodeID(k)
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Len(t, seen, 4)
}

func TestContainsSelfRejectsUnknownKey(t *testing.T) {
	data, _ := fourMemberCommitteeJSON(t)
	c, err := Parse(data)
	require.NoError(t, err)

	_, stranger, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	require.Error(t, c.ContainsSelf(stranger))
}
