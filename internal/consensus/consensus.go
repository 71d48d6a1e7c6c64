// Package consensus implements the deterministic commit rule over the
// certificate DAG (spec §4.8), grounded on dexon-consensus's channel-driven
// core/consensus.go total-ordering loop shape, adapted from DEXON's
// BA-based ordering to this spec's deterministic leader-round rule.
package consensus

import (
	"context"
	"sort"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the Consensus core's tunables.
type Config struct {
	Committee *committee.Committee

	// GCDepth bounds retained history: rounds strictly below
	// last_committed_round - GCDepth are pruned. The interaction between
	// GCDepth and long network partitions is an accepted limitation (spec
	// §9): a node that is down for longer than GCDepth rounds may never
	// be able to recover the pruned prefix from its peers.
	GCDepth uint64
}

// dagEntry is one certificate's bookkeeping in the DAG.
type dagEntry struct {
	cert      types.Certificate
	committed bool
}

// Consensus is the channel-driven commit-rule core (spec §4.8).
type Consensus struct {
	cfg Config
	log *logging.Logger

	dag               map[uint64]map[ncrypto.PublicKey]*dagEntry // round -> author -> entry
	lastCommittedRound uint64

	in  <-chan types.Certificate
	out chan<- types.Certificate

	metrics *metrics
}

type metrics struct {
	dagSize        prometheus.Gauge
	commitLatency  prometheus.Histogram
	lastCommitted  prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		dagSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "narwhal_consensus_dag_certificates",
			Help: "Certificates currently retained in the DAG.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "narwhal_consensus_commit_latency_seconds",
			Help:    "Time between a certificate's insertion and its commit, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		lastCommitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "narwhal_consensus_last_committed_round",
			Help: "Most recently committed round.",
		}),
	}
	for _, c := range []prometheus.Collector{m.dagSize, m.commitLatency, m.lastCommitted} {
		_ = prometheus.DefaultRegisterer.Register(c)
	}
	return m
}

// New constructs a Consensus core. in is fed by every Primary Core
// instance's certsOut; out carries the totally-ordered committed stream to
// the Analyzer.
func New(cfg Config, log *logging.Logger, in <-chan types.Certificate, out chan<- types.Certificate) *Consensus {
	return &Consensus{
		cfg:     cfg,
		log:     log.New("consensus"),
		dag:     make(map[uint64]map[ncrypto.PublicKey]*dagEntry),
		in:      in,
		out:     out,
		metrics: newMetrics(),
	}
}

// Run is Consensus's single-owner loop.
func (c *Consensus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cert, ok := <-c.in:
			if !ok {
				return
			}
			c.onCertificate(ctx, cert)
		}
	}
}

func (c *Consensus) onCertificate(ctx context.Context, cert types.Certificate) {
	round := cert.Round()
	author := cert.Author()

	byAuthor, ok := c.dag[round]
	if !ok {
		byAuthor = make(map[ncrypto.PublicKey]*dagEntry)
		c.dag[round] = byAuthor
	}
	if _, dup := byAuthor[author]; dup {
		return // duplicate insert, ignored (spec §4.8 step 1)
	}
	byAuthor[author] = &dagEntry{cert: cert}
	c.metrics.dagSize.Inc()

	c.tryCommit(ctx)
}

// tryCommit runs the leader-election/commit rule for every even round whose
// leader is not yet committed (spec §4.8 step 2-5).
func (c *Consensus) tryCommit(ctx context.Context) {
	if len(c.cfg.Committee.SortedKeys()) == 0 {
		return
	}

	var evenRounds []uint64
	for r := range c.dag {
		if r%2 == 0 {
			evenRounds = append(evenRounds, r)
		}
	}
	sort.Slice(evenRounds, func(i, j int) bool { return evenRounds[i] < evenRounds[j] })

	// f+1 stake is total_stake - quorum_threshold + 1 (quorum_threshold is
	// 2f+1 out of total 3f+1, spec §3), so the remaining f of stake plus
	// one more vote crosses the line.
	fPlusOneStake := c.cfg.Committee.TotalStake() - c.cfg.Committee.QuorumThreshold() + 1

	for _, r := range evenRounds {
		leaderKey := c.cfg.Committee.LeaderOfRound(r)
		leaderEntry, ok := c.dag[r][leaderKey]
		if !ok || leaderEntry.committed {
			continue
		}

		nextRound, ok := c.dag[r+1]
		if !ok {
			continue
		}

		var linkingStake uint64
		var linking []types.Certificate
		for author, entry := range nextRound {
			if c.linksToAncestor(entry.cert, leaderEntry.cert) {
				linkingStake += c.cfg.Committee.Stake(author)
				linking = append(linking, entry.cert)
			}
		}
		if linkingStake < fPlusOneStake {
			continue
		}

		c.commitLeaderAndAncestors(ctx, r, leaderKey, linking)
	}
}

// linksToAncestor reports whether cert is reachable from, or references,
// ancestor transitively through recorded parent digests.
func (c *Consensus) linksToAncestor(cert, ancestor types.Certificate) bool {
	ancestorDigest, err := ancestor.Digest()
	if err != nil {
		return false
	}
	visited := map[ncrypto.Digest]bool{}
	var walk func(types.Certificate) bool
	walk = func(cur types.Certificate) bool {
		d, err := cur.Digest()
		if err != nil || visited[d] {
			return false
		}
		visited[d] = true
		if d == ancestorDigest {
			return true
		}
		for _, pd := range cur.Header.Parents {
			parent, ok := c.findByDigest(pd)
			if !ok {
				continue
			}
			if walk(parent) {
				return true
			}
		}
		return false
	}
	return walk(cert)
}

func (c *Consensus) findByDigest(digest ncrypto.Digest) (types.Certificate, bool) {
	for _, byAuthor := range c.dag {
		for _, entry := range byAuthor {
			d, err := entry.cert.Digest()
			if err == nil && d == digest {
				return entry.cert, true
			}
		}
	}
	return types.Certificate{}, false
}

// commitLeaderAndAncestors commits L(r) and every uncommitted certificate in
// its causal history, in deterministic order (lowest round first, authors in
// stable sorted order within a round), then advances last_committed_round
// and prunes (spec §4.8 steps 3-5).
//
// "Causal history" here is not just L(r)'s own parent chain: the round r+1
// certificates that justified the commit (linking) may themselves reference
// a round r certificate that L(r) does not — a "sibling ancestor" reachable
// only through a peer's link, not through L(r)'s own parents (spec §8
// scenario 3: D@0 is a parent of B@1, not of leader A@0, but A's commit
// still flushes it). Walking every linking certificate's parents, not just
// the leader's, is what picks those up.
func (c *Consensus) commitLeaderAndAncestors(ctx context.Context, leaderRound uint64, leaderKey ncrypto.PublicKey, linking []types.Certificate) {
	leaderEntry := c.dag[leaderRound][leaderKey]

	visited := map[ncrypto.Digest]bool{}
	var toCommit []types.Certificate
	c.collectUncommittedAncestors(leaderEntry.cert, visited, &toCommit)
	for _, l := range linking {
		for _, pd := range l.Header.Parents {
			if parent, ok := c.findByDigest(pd); ok {
				c.collectUncommittedAncestors(parent, visited, &toCommit)
			}
		}
	}

	sort.Slice(toCommit, func(i, j int) bool {
		ci, cj := toCommit[i], toCommit[j]
		if ci.Round() != cj.Round() {
			return ci.Round() < cj.Round()
		}
		return lessKey(ci.Author(), cj.Author())
	})

	for _, cert := range toCommit {
		round, author := cert.Round(), cert.Author()
		c.dag[round][author].committed = true
		select {
		case c.out <- cert:
		case <-ctx.Done():
			return
		}
	}

	if leaderRound > c.lastCommittedRound {
		c.lastCommittedRound = leaderRound
		c.metrics.lastCommitted.Set(float64(c.lastCommittedRound))
	}
	c.log.Info("committed round", "round", leaderRound, "certificates", len(toCommit))
	c.gc()
}

// collectUncommittedAncestors adds cur, plus every certificate transitively
// reachable from it through parent digests that is not yet committed, to
// result. visited is shared across every root this is called from (the
// leader and each linking certificate's parents) so a certificate reachable
// from more than one root is still only committed once.
func (c *Consensus) collectUncommittedAncestors(cur types.Certificate, visited map[ncrypto.Digest]bool, result *[]types.Certificate) {
	d, err := cur.Digest()
	if err != nil || visited[d] {
		return
	}
	visited[d] = true

	entry, ok := c.dag[cur.Round()][cur.Author()]
	if ok && entry.committed {
		return
	}
	*result = append(*result, cur)

	for _, pd := range cur.Header.Parents {
		if parent, ok := c.findByDigest(pd); ok {
			c.collectUncommittedAncestors(parent, visited, result)
		}
	}
}

// gc prunes any certificate whose round is strictly below
// last_committed_round - GCDepth (spec §4.8 step 5, §8 scenario 4).
func (c *Consensus) gc() {
	if c.lastCommittedRound < c.cfg.GCDepth {
		return
	}
	floor := c.lastCommittedRound - c.cfg.GCDepth

	for round, byAuthor := range c.dag {
		if round >= floor {
			continue
		}
		c.metrics.dagSize.Sub(float64(len(byAuthor)))
		delete(c.dag, round)
	}
}

func lessKey(a, b ncrypto.PublicKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
