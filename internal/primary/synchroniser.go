package primary

import (
	"context"
	"errors"
	"time"

	"github.com/PearTNhat/narwhal/internal/backoff"
	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/overlay"
	"github.com/PearTNhat/narwhal/internal/store"
	"github.com/PearTNhat/narwhal/internal/types"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	synchroniserBackoffBase = 200 * time.Millisecond
	synchroniserBackoffMax  = 10 * time.Second
)

var errUnknownBeliever = errors.New("synchroniser: believer is not a committee member")

// fetchRequest is what drives the Synchroniser's retry machine for one
// missing item, grounded on luxfi-consensus's networking/timeout
// retry-manager shape but implemented with the small internal/backoff
// helper (spec §4.7 — capped exponential backoff, no hard deadline).
type fetchRequest struct {
	kind        fetchKind
	headerDig   ncrypto.Digest
	parentDig   ncrypto.Digest
	batchDig    ncrypto.Digest
	workerID    types.WorkerID
	believer    ncrypto.PublicKey
	backoff     *backoff.Backoff
	outstanding uint64 // request id of the in-flight overlay request, 0 if none
}

type fetchKind int

const (
	fetchParent fetchKind = iota
	fetchBatch
)

// Synchroniser resolves parent-certificate and batch-payload gaps that
// Core reports, re-requesting from the believed-holder peer on a capped
// backoff, and feeds resolved items back to Core (spec §4.7).
type Synchroniser struct {
	committee *committee.Committee
	ov        *overlay.Overlay
	store     *store.Store
	log       *logging.Logger

	missingParent <-chan MissingParent
	missingBatch  <-chan MissingBatch
	deliveryOut   chan<- Delivery

	retryReady chan *fetchRequest // retry timers hand expired requests back here, for Run to re-drive

	pending map[uint64]*fetchRequest // keyed by the overlay request id; touched only by Run's goroutine
}

// NewSynchroniser constructs a Synchroniser.
func NewSynchroniser(c *committee.Committee, ov *overlay.Overlay, st *store.Store, log *logging.Logger, missingParent <-chan MissingParent, missingBatch <-chan MissingBatch, deliveryOut chan<- Delivery) *Synchroniser {
	return &Synchroniser{
		committee:     c,
		ov:            ov,
		store:         st,
		log:           log.New("synchroniser"),
		missingParent: missingParent,
		missingBatch:  missingBatch,
		deliveryOut:   deliveryOut,
		retryReady:    make(chan *fetchRequest, 64),
		pending:       make(map[uint64]*fetchRequest),
	}
}

// Run is the Synchroniser's single-owner loop.
func (s *Synchroniser) Run(ctx context.Context) {
	events := s.ov.Events()
	retryTicker := time.NewTicker(time.Second)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case mp, ok := <-s.missingParent:
			if !ok {
				return
			}
			s.startFetch(ctx, &fetchRequest{
				kind:      fetchParent,
				headerDig: mp.HeaderDigest,
				parentDig: mp.ParentDigest,
				believer:  mp.Believer,
				backoff:   backoff.New(synchroniserBackoffBase, synchroniserBackoffMax),
			})

		case mb, ok := <-s.missingBatch:
			if !ok {
				return
			}
			s.startFetch(ctx, &fetchRequest{
				kind:      fetchBatch,
				headerDig: mb.HeaderDigest,
				batchDig:  mb.BatchDigest,
				workerID:  mb.WorkerID,
				believer:  mb.Believer,
				backoff:   backoff.New(synchroniserBackoffBase, synchroniserBackoffMax),
			})

		case ev, ok := <-events:
			if !ok {
				return
			}
			s.onEvent(ctx, ev)

		case fr := <-s.retryReady:
			s.startFetch(ctx, fr)

		case <-retryTicker.C:
			// Retries are driven inline by RequestFailed events (the
			// overlay's per-request timeout turns an unanswered request
			// into one); this tick does no work.
		}
	}
}

func (s *Synchroniser) startFetch(ctx context.Context, fr *fetchRequest) {
	peerID, err := s.resolvePeer(fr)
	if err != nil {
		s.log.Warnf("synchroniser: resolve peer for fetch: %v", err)
		return
	}
	reqID := s.ov.SendRequest(ctx, peerID, s.fetchPayload(fr))
	fr.outstanding = reqID
	s.pending[reqID] = fr
}

func (s *Synchroniser) resolvePeer(fr *fetchRequest) (peer.ID, error) {
	if _, ok := s.committee.Authority(fr.believer); !ok {
		return "", errUnknownBeliever
	}
	return committee.PeerID(fr.believer, committee.PrimaryTag)
}

// fetchPayload encodes what is being requested; the responder's generic
// req-res handler only needs to ACK, but a real peer implementation keys
// its RequestReceived handling off this body to decide what to send back
// out-of-band (e.g. gossiping the resolved certificate/batch once found).
func (s *Synchroniser) fetchPayload(fr *fetchRequest) []byte {
	switch fr.kind {
	case fetchParent:
		return append([]byte("fetch-parent:"), fr.parentDig[:]...)
	default:
		return append([]byte("fetch-batch:"), fr.batchDig[:]...)
	}
}

func (s *Synchroniser) onEvent(ctx context.Context, ev overlay.Event) {
	fr, ok := s.pending[ev.RequestID]
	if !ok {
		return
	}

	switch ev.Kind {
	case overlay.EventResponseReceived:
		delete(s.pending, ev.RequestID)
		s.resolve(ctx, fr)
	case overlay.EventRequestFailed:
		delete(s.pending, ev.RequestID)
		delay := fr.backoff.Next()
		s.log.Debugf("synchroniser: fetch failed, retrying in %s", delay)
		// The timer runs on its own goroutine and must not touch pending
		// itself (single-owner, spec §5): it only hands fr back to Run
		// over retryReady, which calls startFetch from the loop that
		// actually owns the map.
		go func() {
			select {
			case <-time.After(delay):
				select {
				case s.retryReady <- fr:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
	}
}

// resolve checks whether the missing item is now actually available (the
// responder having admitted receipt does not by itself deliver the bytes
// in this simplified model; the item is expected to have arrived via
// gossip or a prior store write by the time the ACK lands) and, if so,
// re-drives Core.
func (s *Synchroniser) resolve(ctx context.Context, fr *fetchRequest) {
	switch fr.kind {
	case fetchBatch:
		has, err := s.store.Has(fr.batchDig)
		if err != nil || !has {
			return
		}
		d := fr.batchDig
		s.deliver(ctx, Delivery{BatchDigest: &d})
	case fetchParent:
		// Parent certificates arrive via the primary gossip topic and are
		// recorded into Core through RecordParentCertificate; here we only
		// signal that a retry isn't needed anymore.
		s.deliver(ctx, Delivery{})
	}
}

func (s *Synchroniser) deliver(ctx context.Context, d Delivery) {
	select {
	case s.deliveryOut <- d:
	case <-ctx.Done():
	}
}
