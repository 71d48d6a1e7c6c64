// Package committee loads the committee configuration file and derives the
// stake arithmetic and PeerId mapping the rest of the node depends on.
package committee

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ComponentTag distinguishes the Primary from each Worker of the same
// committee member when deriving overlay PeerIds (spec §3).
type ComponentTag string

// PrimaryTag is the sentinel component tag used for a member's Primary.
const PrimaryTag ComponentTag = "primary"

// WorkerTag returns the component tag for worker id.
func WorkerTag(id int) ComponentTag {
	return ComponentTag(fmt.Sprintf("worker-%d", id))
}

// WorkerInfo describes one worker's network addresses.
type WorkerInfo struct {
	WorkerAddr       string `json:"worker_addr"`
	TransactionsAddr string `json:"transactions_addr"`
}

// Authority is one committee member's stake and addresses.
type Authority struct {
	Stake       uint64             `json:"stake"`
	PrimaryAddr string             `json:"primary_addr"`
	Workers     map[int]WorkerInfo `json:"workers"`
}

// rawCommittee mirrors the on-disk JSON shape:
// {"authorities": {"<hex pubkey>": {...}}}.
type rawCommittee struct {
	Authorities map[string]Authority `json:"authorities"`
}

// Committee is the fixed, immutable set of committee members and their
// stakes, loaded once at startup and shared by value (copies are cheap:
// callers hold a *Committee and never mutate it after Load).
type Committee struct {
	authorities map[ncrypto.PublicKey]Authority
	sortedKeys  []ncrypto.PublicKey
	totalStake  uint64
}

// Load reads and parses a committee JSON file.
func Load(path string) (*Committee, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("committee: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Committee from raw JSON bytes.
func Parse(data []byte) (*Committee, error) {
	var raw rawCommittee
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("committee: parse: %w", err)
	}
	if len(raw.Authorities) == 0 {
		return nil, fmt.Errorf("committee: no authorities defined")
	}

	c := &Committee{authorities: make(map[ncrypto.PublicKey]Authority, len(raw.Authorities))}
	for hexKey, auth := range raw.Authorities {
		var pk ncrypto.PublicKey
		if err := pk.UnmarshalText([]byte(hexKey)); err != nil {
			return nil, fmt.Errorf("committee: authority key %q: %w", hexKey, err)
		}
		c.authorities[pk] = auth
		c.totalStake += auth.Stake
		c.sortedKeys = append(c.sortedKeys, pk)
	}
	sort.Slice(c.sortedKeys, func(i, j int) bool {
		return bytes.Compare(c.sortedKeys[i][:], c.sortedKeys[j][:]) < 0
	})
	return c, nil
}

// ContainsSelf returns an error if pub is not a member of the committee.
// Called at startup so a misconfigured node fails fast (spec §7 class 1).
func (c *Committee) ContainsSelf(pub ncrypto.PublicKey) error {
	if _, ok := c.authorities[pub]; !ok {
		return fmt.Errorf("committee: own public key %s is not a committee member", pub)
	}
	return nil
}

// Stake returns the stake of a committee member, 0 if unknown.
func (c *Committee) Stake(pub ncrypto.PublicKey) uint64 {
	return c.authorities[pub].Stake
}

// TotalStake is the sum of every member's stake.
func (c *Committee) TotalStake() uint64 { return c.totalStake }

// QuorumThreshold is ⌈(2·total_stake)/3⌉, the strict 2f+1 Byzantine quorum
// for a committee whose total stake is 3f+1 (spec §3). Expressed as an
// integer ceiling division, ⌈a/b⌉ = (a+b-1)/b, so this is
// (2·total_stake+2)/3. For 4 equal-stake members (f=1) this evaluates to
// 3, matching spec §8's worked example.
func (c *Committee) QuorumThreshold() uint64 {
	return (2*c.totalStake + 2) / 3
}

// SortedKeys returns the committee's public keys in lexicographic order.
// The slice is owned by the Committee and must not be mutated.
func (c *Committee) SortedKeys() []ncrypto.PublicKey { return c.sortedKeys }

// NodeID returns the 0-based index of pub in the sorted committee key list,
// used by the Analyzer to select the executor socket path (spec §4.9, §6).
func (c *Committee) NodeID(pub ncrypto.PublicKey) (int, error) {
	for i, k := range c.sortedKeys {
		if k == pub {
			return i, nil
		}
	}
	return 0, fmt.Errorf("committee: %s is not a member", pub)
}

// LeaderOfRound returns the author chosen to lead an even round, per spec
// §4.8: committee_sorted[r mod |committee|].
func (c *Committee) LeaderOfRound(round uint64) ncrypto.PublicKey {
	return c.sortedKeys[round%uint64(len(c.sortedKeys))]
}

// SiblingWorkers returns the NodeKey of every other committee member that
// has a worker with the given id, in sorted key order, excluding self; the
// caller derives each sibling's PeerId with PeerID. Used by WorkerNode to
// route batch broadcasts to real siblings rather than any self-addressed
// demo loop (spec §9 Open Question 1).
func (c *Committee) SiblingWorkers(self ncrypto.PublicKey, workerID int) ([]ncrypto.PublicKey, error) {
	var siblings []ncrypto.PublicKey
	for _, k := range c.sortedKeys {
		if k == self {
			continue
		}
		auth := c.authorities[k]
		if _, ok := auth.Workers[workerID]; ok {
			siblings = append(siblings, k)
		}
	}
	return siblings, nil
}

// Authority looks up a committee member's addresses/stake.
func (c *Committee) Authority(pub ncrypto.PublicKey) (Authority, bool) {
	a, ok := c.authorities[pub]
	return a, ok
}

// PeerID deterministically derives the overlay identity for (nodeKey, tag).
// Any committee member can compute this for any other member (or itself)
// given only the committee, satisfying spec §4.1's PeerId requirement.
func PeerID(nodeKey ncrypto.PublicKey, tag ComponentTag) (peer.ID, error) {
	seed := ncrypto.DerivedSeed(nodeKey, string(tag))
	priv, _, err := libp2pcrypto.GenerateEd25519Key(bytes.NewReader(seed[:]))
	if err != nil {
		return "", fmt.Errorf("committee: derive peer id: %w", err)
	}
	pub := priv.GetPublic()
	return peer.IDFromPublicKey(pub)
}

// IdentityKey derives the full synthetic libp2p private key for (nodeKey,
// tag). A node only ever calls this for its own identity (Primary or one
// of its own Workers): it needs the private half to actually run a libp2p
// host under that PeerId, whereas PeerID alone suffices to address a
// sibling.
func IdentityKey(nodeKey ncrypto.PublicKey, tag ComponentTag) (libp2pcrypto.PrivKey, error) {
	seed := ncrypto.DerivedSeed(nodeKey, string(tag))
	priv, _, err := libp2pcrypto.GenerateEd25519Key(bytes.NewReader(seed[:]))
	if err != nil {
		return nil, fmt.Errorf("committee: derive identity key: %w", err)
	}
	return priv, nil
}
