package primary

import (
	"context"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/store"
	"github.com/PearTNhat/narwhal/internal/types"
)

// headerState is the per-digest state machine named in spec §4.6:
// Proposed -> Parked(missing_parents|missing_batches) -> Voted -> Certified
// -> Committed (by Consensus) -> GC'd. Core only drives the first four.
type headerState int

const (
	stateProposed headerState = iota
	stateParked
	stateVoted
	stateCertified
)

type headerEntry struct {
	header types.Header
	state  headerState
	votes  map[ncrypto.PublicKey]ncrypto.Signature
}

// MissingParent/MissingBatch are Core's requests to the Synchroniser.
type MissingParent struct {
	HeaderDigest ncrypto.Digest
	ParentDigest ncrypto.Digest
	Believer     ncrypto.PublicKey // peer believed to have it: the header's author
}

type MissingBatch struct {
	HeaderDigest ncrypto.Digest
	BatchDigest  ncrypto.Digest
	WorkerID     types.WorkerID
	Believer     ncrypto.PublicKey
}

// CoreConfig carries Core's dependencies.
type CoreConfig struct {
	Committee *committee.Committee
	Signer    ncrypto.Signer
	Store     *store.Store
}

// Core verifies incoming headers, emits votes, and assembles certificates
// (spec §4.6). lastRoundByAuthor enforces "at most one header per author
// per round".
type Core struct {
	cfg CoreConfig
	log *logging.Logger

	lastRoundByAuthor map[ncrypto.PublicKey]uint64
	headersByDigest   map[ncrypto.Digest]*headerEntry
	certsByDigest     map[ncrypto.Digest]types.Certificate

	headersIn  <-chan types.Header
	votesIn    <-chan types.Vote
	delivery   <-chan Delivery // re-drives parked headers
	recordCert chan types.Certificate      // external certs fed via RecordParentCertificate

	votesOut      chan<- types.Vote
	certsOut      chan<- types.Certificate
	missingParent chan<- MissingParent
	missingBatch  chan<- MissingBatch
}

// Delivery is what the Synchroniser hands back once it fetches
// a missing parent certificate or batch.
type Delivery struct {
	ParentCert  *types.Certificate
	BatchDigest *ncrypto.Digest
}

// NewCore constructs a Core.
func NewCore(
	cfg CoreConfig,
	log *logging.Logger,
	headersIn <-chan types.Header,
	votesIn <-chan types.Vote,
	delivery <-chan Delivery,
	votesOut chan<- types.Vote,
	certsOut chan<- types.Certificate,
	missingParent chan<- MissingParent,
	missingBatch chan<- MissingBatch,
) *Core {
	return &Core{
		cfg:               cfg,
		log:               log.New("core"),
		lastRoundByAuthor: make(map[ncrypto.PublicKey]uint64),
		headersByDigest:   make(map[ncrypto.Digest]*headerEntry),
		certsByDigest:     make(map[ncrypto.Digest]types.Certificate),
		headersIn:         headersIn,
		votesIn:           votesIn,
		delivery:          delivery,
		recordCert:        make(chan types.Certificate, 1000),
		votesOut:          votesOut,
		certsOut:          certsOut,
		missingParent:     missingParent,
		missingBatch:      missingBatch,
	}
}

// Run is Core's single-owner loop.
func (c *Core) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-c.headersIn:
			if !ok {
				return
			}
			c.onHeader(ctx, h)
		case v, ok := <-c.votesIn:
			if !ok {
				return
			}
			c.onVote(ctx, v)
		case d, ok := <-c.delivery:
			if !ok {
				return
			}
			c.onDelivery(ctx, d)
		case cert, ok := <-c.recordCert:
			if !ok {
				return
			}
			c.recordCertificate(cert)
		}
	}
}

// RecordParentCertificate lets the node's certificate fan-in feed an
// already-accepted certificate into Core's parent-lookup table, so later
// headers referencing it as a parent are not parked unnecessarily. It is
// safe to call from any goroutine: the certificate is routed through
// Core's single-owner loop rather than mutating certsByDigest directly.
func (c *Core) RecordParentCertificate(cert types.Certificate) {
	c.recordCert <- cert
}

func (c *Core) recordCertificate(cert types.Certificate) {
	d, err := cert.Digest()
	if err != nil {
		return
	}
	c.certsByDigest[d] = cert
}

func (c *Core) onHeader(ctx context.Context, h types.Header) {
	digest, err := h.Digest()
	if err != nil {
		c.log.Errorf("core: digest header: %v", err)
		return
	}
	if _, seen := c.headersByDigest[digest]; seen {
		return
	}

	ok, err := h.VerifySignature()
	if err != nil || !ok {
		c.log.Warnf("core: header %s from %s has invalid signature, dropping", digest, h.Author)
		return
	}

	if last, seen := c.lastRoundByAuthor[h.Author]; seen && h.Round <= last {
		c.log.Warnf("core: header %s from %s at round %d is not monotonic (last %d), dropping", digest, h.Author, h.Round, last)
		return
	}

	entry := &headerEntry{header: h, state: stateProposed, votes: make(map[ncrypto.PublicKey]ncrypto.Signature)}
	c.headersByDigest[digest] = entry

	if !c.verifyParentsAndPayload(ctx, digest, h) {
		entry.state = stateParked
		return
	}

	c.lastRoundByAuthor[h.Author] = h.Round
	c.voteFor(ctx, digest, entry)
}

// verifyParentsAndPayload checks parents are known certificates carrying
// quorum stake, and payload batches are present locally, dispatching to the
// Synchroniser and returning false if anything is missing (spec §4.6.1).
func (c *Core) verifyParentsAndPayload(ctx context.Context, digest ncrypto.Digest, h types.Header) bool {
	ok := true

	if h.Round > 1 {
		var stake uint64
		for _, pd := range h.Parents {
			cert, known := c.certsByDigest[pd]
			if !known {
				ok = false
				c.dispatchMissingParent(ctx, digest, pd, h.Author)
				continue
			}
			stake += c.cfg.Committee.Stake(cert.Author())
		}
		if ok && stake < c.cfg.Committee.QuorumThreshold() {
			c.log.Warnf("core: header %s parents carry insufficient stake", digest)
			ok = false
		}
	}

	for bd, wid := range h.Payload {
		has, err := c.cfg.Store.Has(bd)
		if err != nil {
			c.log.Errorf("core: check batch %s: %v", bd, err)
			ok = false
			continue
		}
		if !has {
			ok = false
			c.dispatchMissingBatch(ctx, digest, bd, wid, h.Author)
		}
	}

	return ok
}

func (c *Core) dispatchMissingParent(ctx context.Context, headerDigest, parentDigest ncrypto.Digest, believer ncrypto.PublicKey) {
	select {
	case c.missingParent <- MissingParent{HeaderDigest: headerDigest, ParentDigest: parentDigest, Believer: believer}:
	case <-ctx.Done():
	}
}

func (c *Core) dispatchMissingBatch(ctx context.Context, headerDigest, batchDigest ncrypto.Digest, wid types.WorkerID, believer ncrypto.PublicKey) {
	select {
	case c.missingBatch <- MissingBatch{HeaderDigest: headerDigest, BatchDigest: batchDigest, WorkerID: wid, Believer: believer}:
	case <-ctx.Done():
	}
}

func (c *Core) voteFor(ctx context.Context, digest ncrypto.Digest, entry *headerEntry) {
	vote := types.Vote{HeaderDigest: digest, Voter: c.cfg.Signer.Identity()}
	if err := vote.Sign(c.cfg.Signer); err != nil {
		c.log.Errorf("core: sign vote for %s: %v", digest, err)
		return
	}
	entry.state = stateVoted
	entry.votes[vote.Voter] = vote.Signature

	select {
	case c.votesOut <- vote:
	case <-ctx.Done():
	}
}

func (c *Core) onVote(ctx context.Context, v types.Vote) {
	if !v.VerifySignature() {
		c.log.Warnf("core: vote from %s for %s has invalid signature, dropping", v.Voter, v.HeaderDigest)
		return
	}

	entry, ok := c.headersByDigest[v.HeaderDigest]
	if !ok {
		return // header not seen yet; vote arrived out of order, dropped per simple re-request model
	}
	if entry.state == stateCertified {
		return
	}
	entry.votes[v.Voter] = v.Signature

	var stake uint64
	for voter := range entry.votes {
		stake += c.cfg.Committee.Stake(voter)
	}
	if stake < c.cfg.Committee.QuorumThreshold() {
		return
	}

	cert := types.Certificate{Header: entry.header, Votes: copyVotes(entry.votes)}
	entry.state = stateCertified

	certDigest, err := cert.Digest()
	if err != nil {
		c.log.Errorf("core: digest certificate: %v", err)
		return
	}
	c.certsByDigest[certDigest] = cert

	select {
	case c.certsOut <- cert:
	case <-ctx.Done():
	}
}

// onDelivery re-drives a parked header once the Synchroniser resolves what
// it was missing (spec §4.7 "deliveries re-drive the parked header through
// verification").
func (c *Core) onDelivery(ctx context.Context, d Delivery) {
	if d.ParentCert != nil {
		c.recordCertificate(*d.ParentCert)
	}

	for digest, entry := range c.headersByDigest {
		if entry.state != stateParked {
			continue
		}
		if !c.verifyParentsAndPayload(ctx, digest, entry.header) {
			continue
		}
		c.lastRoundByAuthor[entry.header.Author] = entry.header.Round
		c.voteFor(ctx, digest, entry)
	}
}

func copyVotes(in map[ncrypto.PublicKey]ncrypto.Signature) map[ncrypto.PublicKey]ncrypto.Signature {
	out := make(map[ncrypto.PublicKey]ncrypto.Signature, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
