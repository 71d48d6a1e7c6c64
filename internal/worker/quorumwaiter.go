package worker

import (
	"context"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/overlay"
	"github.com/PearTNhat/narwhal/internal/store"
)

// pendingBatch is QuorumWaiter's per-batch bookkeeping, keyed by
// batch_id = the first request id assigned to that batch (spec §4.3).
type pendingBatch struct {
	serialized  []byte
	expectedIDs []uint64
	workerNames []ncrypto.PublicKey // aligned index-for-index with expectedIDs
	received    map[uint64]bool
}

// stake sums the own stake plus the stake of every sibling whose request
// id has already been acknowledged.
func (p *pendingBatch) stake(c *committee.Committee, ownStake uint64) uint64 {
	total := ownStake
	for i, id := range p.expectedIDs {
		if p.received[id] {
			total += c.Stake(p.workerNames[i])
		}
	}
	return total
}

// QuorumWaiter accumulates sibling ACKs per pending batch until a
// stake-weighted quorum is reached, then forwards the batch to Processor
// (spec §4.3).
type QuorumWaiter struct {
	committee *committee.Committee
	ownStake  uint64
	ov        *overlay.Overlay
	store     *store.Store
	log       *logging.Logger

	in  <-chan SealedBatch
	out chan<- ReadyBatch

	pending map[uint64]*pendingBatch // keyed by batch_id (first request id)
	idToKey map[uint64]uint64        // any request id -> its batch's batch_id
}

// ReadyBatch is what QuorumWaiter hands to Processor once quorum is met.
type ReadyBatch struct {
	Serialized []byte
	Digest     ncrypto.Digest
}

// NewQuorumWaiter constructs a QuorumWaiter. in is fed by BatchMaker.seal;
// out is owned by the caller (typically Processor's input channel). st is
// where this worker durably stores batches sealed by siblings that it acks
// (spec §4.3: an ack implies the acking worker now holds a copy).
func NewQuorumWaiter(c *committee.Committee, ownKey ncrypto.PublicKey, ov *overlay.Overlay, st *store.Store, log *logging.Logger, in <-chan SealedBatch, out chan<- ReadyBatch) *QuorumWaiter {
	return &QuorumWaiter{
		committee: c,
		ownStake:  c.Stake(ownKey),
		ov:        ov,
		store:     st,
		log:       log.New("quorumwaiter"),
		in:        in,
		out:       out,
		pending:   make(map[uint64]*pendingBatch),
		idToKey:   make(map[uint64]uint64),
	}
}

// Run is QuorumWaiter's single-owner loop over two sources: newly sealed
// batches from BatchMaker, and ACK/failure events from the overlay.
func (q *QuorumWaiter) Run(ctx context.Context) {
	events := q.ov.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case sb, ok := <-q.in:
			if !ok {
				return
			}
			q.onSealed(ctx, sb)

		case ev, ok := <-events:
			if !ok {
				return
			}
			q.onEvent(ctx, ev)
		}
	}
}

func (q *QuorumWaiter) onSealed(ctx context.Context, sb SealedBatch) {
	if len(sb.RequestIDs) == 0 {
		// No siblings configured: forward immediately (spec §4.3).
		q.forward(ctx, sb.Serialized, sb.Digest)
		return
	}

	batchID := sb.RequestIDs[0]
	pb := &pendingBatch{
		serialized:  sb.Serialized,
		expectedIDs: sb.RequestIDs,
		workerNames: sb.WorkerNames,
		received:    make(map[uint64]bool, len(sb.RequestIDs)),
	}
	q.pending[batchID] = pb
	for _, id := range sb.RequestIDs {
		q.idToKey[id] = batchID
	}
	q.log.Debugf("quorumwaiter: tracking batch %s, expecting %d acks", sb.Digest, len(sb.RequestIDs))

	q.checkQuorum(ctx, batchID, sb.Digest)
}

func (q *QuorumWaiter) onEvent(ctx context.Context, ev overlay.Event) {
	if ev.Kind == overlay.EventRequestReceived {
		q.onSiblingBatch(ev)
		return
	}

	batchID, ok := q.idToKey[ev.RequestID]
	if !ok {
		return // not an id we're tracking
	}
	pb, ok := q.pending[batchID]
	if !ok {
		return // already forwarded
	}

	switch ev.Kind {
	case overlay.EventResponseReceived:
		// success=false still counts: the sibling admitted receipt, only
		// transport-level non-receipt is "missing" (spec §4.3).
		pb.received[ev.RequestID] = true
		q.checkQuorum(ctx, batchID, ncrypto.H(pb.serialized))
	case overlay.EventRequestFailed:
		q.log.Warnf("quorumwaiter: sibling ack failed for batch_id=%d: %v", batchID, ev.Err)
	}
}

// onSiblingBatch durably stores a batch a sibling asked this worker to
// acknowledge. The generic req-res handler already sent the ACK before this
// event arrived, so acking implies a commitment to hold the batch (spec
// §4.3): we honor it here, the first point this worker's own goroutine
// sees the body.
func (q *QuorumWaiter) onSiblingBatch(ev overlay.Event) {
	if q.store == nil || len(ev.Body) == 0 {
		return
	}
	digest := ncrypto.H(ev.Body)
	if err := q.store.Put(digest, ev.Body); err != nil {
		q.log.Errorf("quorumwaiter: store sibling batch %s: %v", digest, err)
	}
}

func (q *QuorumWaiter) checkQuorum(ctx context.Context, batchID uint64, digest ncrypto.Digest) {
	pb, ok := q.pending[batchID]
	if !ok {
		return
	}
	if pb.stake(q.committee, q.ownStake) < q.committee.QuorumThreshold() {
		return
	}

	serialized := pb.serialized
	for _, id := range pb.expectedIDs {
		delete(q.idToKey, id)
	}
	delete(q.pending, batchID)

	q.forward(ctx, serialized, digest)
}

func (q *QuorumWaiter) forward(ctx context.Context, serialized []byte, digest ncrypto.Digest) {
	select {
	case q.out <- ReadyBatch{Serialized: serialized, Digest: digest}:
	case <-ctx.Done():
	}
}
