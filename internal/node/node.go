// Package node wires the Worker and Primary pipelines to the overlay's
// gossip topics: it is the one place responsible for encoding outbound
// headers/votes/certificates/batch-announcements onto the wire and
// decoding inbound gossip back into the channels each pipeline stage
// already consumes. Grounded on kwil-db's node/consensus.go
// startAckGossip/startDiscoveryRequestGossip shape: one goroutine per
// direction, an outbound loop draining a channel into topic.Publish, and
// an inbound loop draining sub.Next and dispatching by message variant.
package node

import (
	"context"
	"errors"

	"github.com/PearTNhat/narwhal/internal/analyzer"
	"github.com/PearTNhat/narwhal/internal/committee"
	"github.com/PearTNhat/narwhal/internal/config"
	"github.com/PearTNhat/narwhal/internal/consensus"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/overlay"
	"github.com/PearTNhat/narwhal/internal/primary"
	"github.com/PearTNhat/narwhal/internal/store"
	"github.com/PearTNhat/narwhal/internal/types"
	"github.com/PearTNhat/narwhal/internal/worker"

	"github.com/multiformats/go-multiaddr"
)

// PrimaryConfig carries everything a Primary node needs to start.
type PrimaryConfig struct {
	Committee  *committee.Committee
	Signer     ncrypto.Signer
	Store      *store.Store
	Parameters config.Parameters

	ListenHost string
	Rendezvous string
	Bootstrap  []multiaddr.Multiaddr
	Logger     *logging.Logger
}

// Primary is one committee member's Primary pipeline (Proposer, Core,
// Synchroniser) plus the Consensus core and Analyzer, bridged to the
// gossip overlay.
type Primary struct {
	cfg PrimaryConfig
	log *logging.Logger
	ov  *overlay.Overlay

	proposer     *primary.Proposer
	core         *primary.Core
	synchroniser *primary.Synchroniser
	consensus    *consensus.Consensus
	analyzer     *analyzer.Analyzer

	headersOut chan types.Header
	votesOut   chan types.Vote
	certsOut   chan types.Certificate

	headersIn   chan types.Header
	votesIn     chan types.Vote
	certsIn     chan types.Certificate // fan-in of local certsOut + gossiped certs, read by Proposer
	certsGossip chan types.Certificate
	consensusIn chan types.Certificate // same fan-in, read by Consensus for commit ordering

	missingParent chan primary.MissingParent
	missingBatch  chan primary.MissingBatch
	delivery      chan primary.Delivery
}

// NewPrimary constructs a Primary node: brings up its overlay, then wires
// Proposer/Core/Synchroniser/Consensus/Analyzer together with the channel
// shapes each package already exposes.
func NewPrimary(ctx context.Context, cfg PrimaryConfig) (*Primary, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	log := cfg.Logger.New("node-primary")

	ov, err := overlay.New(ctx, overlay.Config{
		NodeKey:      cfg.Signer.Identity(),
		ComponentTag: committee.PrimaryTag,
		ListenHost:   cfg.ListenHost,
		Rendezvous:   cfg.Rendezvous,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	batchReady := make(chan worker.BatchReady, 1000) // fed only in §9 Open Question 2's combined-process deployment; nil channel otherwise
	headersOut := make(chan types.Header, 1000)
	votesOut := make(chan types.Vote, 1000)
	certsOut := make(chan types.Certificate, 1000)
	headersIn := make(chan types.Header, 1000)
	votesIn := make(chan types.Vote, 1000)
	certsGossip := make(chan types.Certificate, 1000)
	certsMerged := make(chan types.Certificate, 1000)
	missingParent := make(chan primary.MissingParent, 1000)
	missingBatch := make(chan primary.MissingBatch, 1000)
	coreVotesOut := make(chan types.Vote, 1000)
	coreCertsOut := make(chan types.Certificate, 1000)
	delivery := make(chan primary.Delivery, 1000)
	consensusIn := make(chan types.Certificate, 1000)
	committedOut := make(chan types.Certificate, 1000)

	core := primary.NewCore(
		primary.CoreConfig{Committee: cfg.Committee, Signer: cfg.Signer, Store: cfg.Store},
		cfg.Logger, headersIn, votesIn, delivery, coreVotesOut, coreCertsOut, missingParent, missingBatch,
	)

	synchroniser := primary.NewSynchroniser(cfg.Committee, ov, cfg.Store, cfg.Logger, missingParent, missingBatch, delivery)

	proposer := primary.NewProposer(
		primary.ProposerConfig{Committee: cfg.Committee, Signer: cfg.Signer},
		cfg.Logger, batchReady, certsMerged, headersOut,
	)

	cons := consensus.New(
		consensus.Config{Committee: cfg.Committee, GCDepth: cfg.Parameters.GCDepth},
		cfg.Logger, consensusIn, committedOut,
	)

	az, err := analyzer.New(analyzer.Config{Committee: cfg.Committee, Self: cfg.Signer.Identity(), Store: cfg.Store}, cfg.Logger, committedOut)
	if err != nil {
		ov.Close()
		return nil, err
	}

	p := &Primary{
		cfg: cfg, log: log, ov: ov,
		proposer: proposer, core: core, synchroniser: synchroniser, consensus: cons, analyzer: az,
		headersOut: headersOut, votesOut: coreVotesOut, certsOut: coreCertsOut,
		headersIn: headersIn, votesIn: votesIn, certsIn: certsMerged, certsGossip: certsGossip,
		consensusIn:   consensusIn,
		missingParent: missingParent, missingBatch: missingBatch, delivery: delivery,
	}
	return p, nil
}

// Run starts every stage goroutine plus the gossip bridge loops, blocking
// until ctx is cancelled.
func (p *Primary) Run(ctx context.Context) error {
	if err := p.ov.Start(ctx, p.cfg.Bootstrap); err != nil {
		return err
	}

	go p.core.Run(ctx)
	go p.proposer.Run(ctx)
	go p.synchroniser.Run(ctx)
	go p.consensus.Run(ctx)
	go p.analyzer.Run(ctx)

	go p.publishHeaders(ctx)
	go p.publishVotes(ctx)
	go p.subscribeConsensusTopic(ctx)
	go p.mergeCertificates(ctx)

	<-ctx.Done()
	return nil
}

// mergeCertificates fans-in Core's locally-formed certificates and
// gossiped remote certificates, feeding the merged stream to both the
// Proposer (parent selection) and the Consensus core (commit ordering,
// spec §4.8 — every certificate either this node formed or accepted from
// a peer is eligible to become an ancestor in the commit rule). Locally
// formed certificates are additionally gossiped out; certificates that
// arrived via gossip are not re-published (spec §9: no gossip amplification
// loops).
func (p *Primary) mergeCertificates(ctx context.Context) {
	forward := func(cert types.Certificate) bool {
		p.core.RecordParentCertificate(cert)
		select {
		case p.certsIn <- cert:
		case <-ctx.Done():
			return false
		}
		select {
		case p.consensusIn <- cert:
		case <-ctx.Done():
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cert, ok := <-p.certsOut:
			if !ok {
				return
			}
			if !forward(cert) {
				return
			}
			p.publishCertificate(ctx, cert)
		case cert, ok := <-p.certsGossip:
			if !ok {
				return
			}
			if !forward(cert) {
				return
			}
		}
	}
}

func (p *Primary) publishCertificate(ctx context.Context, c types.Certificate) {
	msg := types.PrimaryMessage{Certificate: &c}
	raw, err := msg.Encode()
	if err != nil {
		p.log.Warn("node: encode certificate", "error", err.Error())
		return
	}
	if err := p.ov.Publish(ctx, overlay.TopicPrimaryConsensus, raw); err != nil {
		p.log.Warn("node: publish certificate", "error", err.Error())
	}
}

func (p *Primary) publishHeaders(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-p.headersOut:
			if !ok {
				return
			}
			msg := types.PrimaryMessage{Header: &h}
			raw, err := msg.Encode()
			if err != nil {
				p.log.Warn("node: encode header", "error", err.Error())
				continue
			}
			if err := p.ov.Publish(ctx, overlay.TopicPrimaryConsensus, raw); err != nil {
				p.log.Warn("node: publish header", "error", err.Error())
			}
		}
	}
}

func (p *Primary) publishVotes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-p.votesOut:
			if !ok {
				return
			}
			msg := types.PrimaryMessage{Vote: &v}
			raw, err := msg.Encode()
			if err != nil {
				p.log.Warn("node: encode vote", "error", err.Error())
				continue
			}
			if err := p.ov.Publish(ctx, overlay.TopicPrimaryConsensus, raw); err != nil {
				p.log.Warn("node: publish vote", "error", err.Error())
			}
		}
	}
}

// subscribeConsensusTopic decodes every PrimaryMessage gossiped by peers
// and dispatches it by variant, skipping this node's own publications
// (spec §9 "Dispatch over message variants").
func (p *Primary) subscribeConsensusTopic(ctx context.Context) {
	sub, err := p.ov.Subscribe(overlay.TopicPrimaryConsensus)
	if err != nil {
		p.log.Error("node: subscribe consensus topic", "error", err.Error())
		return
	}
	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Warn("node: consensus topic closed", "error", err.Error())
			}
			return
		}
		if p.ov.SelfPeerID(raw.GetFrom()) {
			continue
		}
		msg, err := types.DecodePrimaryMessage(raw.Data)
		if err != nil {
			p.log.Warn("node: decode primary message", "error", err.Error())
			continue
		}
		switch {
		case msg.Header != nil:
			select {
			case p.headersIn <- *msg.Header:
			case <-ctx.Done():
				return
			}
		case msg.Vote != nil:
			select {
			case p.votesIn <- *msg.Vote:
			case <-ctx.Done():
				return
			}
		case msg.Certificate != nil:
			select {
			case p.certsGossip <- *msg.Certificate:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close tears down the overlay. The store given in PrimaryConfig is not
// closed here.
func (p *Primary) Close() error {
	return p.ov.Close()
}
