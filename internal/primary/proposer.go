// Package primary implements the Primary pipeline: Proposer (header
// assembly), Core (verification/voting/certification), and Synchroniser
// (missing-parent/missing-batch recovery).
package primary

import (
	"context"
	"sort"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/types"
	"github.com/PearTNhat/narwhal/internal/worker"
)

// ProposerConfig carries what Proposer needs beyond the committee/signer it
// shares with the rest of the Primary.
type ProposerConfig struct {
	Committee *committee.Committee
	Signer    ncrypto.Signer
}

// Proposer maintains a buffer of ready batch notifications and a buffer of
// round-(r-1) parent certificates, and assembles a Header once both
// thresholds are met (spec §4.5).
type Proposer struct {
	cfg ProposerConfig
	log *logging.Logger

	round uint64

	readyBatches []worker.BatchReady
	parents      map[ncrypto.Digest]types.Certificate // round r-1 certs seen so far

	batchReady <-chan worker.BatchReady
	parentIn   <-chan types.Certificate // certificates as Core accepts them; own-round ones advance the round

	headersOut chan<- types.Header
}

// NewProposer constructs a Proposer starting at round 1 (genesis headers
// have no real parents, spec §3).
func NewProposer(cfg ProposerConfig, log *logging.Logger, batchReady <-chan worker.BatchReady, certs <-chan types.Certificate, headersOut chan<- types.Header) *Proposer {
	return &Proposer{
		cfg:        cfg,
		log:        log.New("proposer"),
		round:      1,
		parents:    make(map[ncrypto.Digest]types.Certificate),
		batchReady: batchReady,
		parentIn:   certs,
		headersOut: headersOut,
	}
}

// Run is Proposer's single-owner loop.
func (p *Proposer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case br, ok := <-p.batchReady:
			if !ok {
				return
			}
			p.readyBatches = append(p.readyBatches, br)
			p.maybePropose(ctx)

		case cert, ok := <-p.parentIn:
			if !ok {
				return
			}
			p.onCertificate(ctx, cert)
		}
	}
}

func (p *Proposer) onCertificate(ctx context.Context, cert types.Certificate) {
	if cert.Round() == p.round && cert.Author() == p.cfg.Signer.Identity() {
		// Our own header reached quorum: advance the round (spec §4.5).
		p.round++
		p.parents = make(map[ncrypto.Digest]types.Certificate)
		p.readyBatches = nil
		return
	}
	if cert.Round() != p.round-1 {
		return
	}
	d, err := cert.Digest()
	if err != nil {
		p.log.Errorf("proposer: digest parent certificate: %v", err)
		return
	}
	p.parents[d] = cert
	p.maybePropose(ctx)
}

func (p *Proposer) maybePropose(ctx context.Context) {
	if len(p.readyBatches) == 0 {
		return
	}
	if p.round > 1 && !p.haveQuorumParents() {
		return
	}

	payload := make(map[ncrypto.Digest]types.WorkerID, len(p.readyBatches))
	for _, br := range p.readyBatches {
		payload[br.Digest] = types.WorkerID(br.WorkerID)
	}

	parentDigests := make([]ncrypto.Digest, 0, len(p.parents))
	for d := range p.parents {
		parentDigests = append(parentDigests, d)
	}
	sort.Slice(parentDigests, func(i, j int) bool { return lessDigest(parentDigests[i], parentDigests[j]) })

	h := types.Header{
		Author:  p.cfg.Signer.Identity(),
		Round:   p.round,
		Parents: parentDigests,
		Payload: payload,
	}
	if _, err := h.Sign(p.cfg.Signer); err != nil {
		p.log.Errorf("proposer: sign header: %v", err)
		return
	}

	select {
	case p.headersOut <- h:
	case <-ctx.Done():
	}
}

func (p *Proposer) haveQuorumParents() bool {
	var stake uint64
	for _, cert := range p.parents {
		stake += p.cfg.Committee.Stake(cert.Author())
	}
	return stake >= p.cfg.Committee.QuorumThreshold()
}

func lessDigest(a, b ncrypto.Digest) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
