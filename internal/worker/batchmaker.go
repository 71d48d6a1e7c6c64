// Package worker implements the three-stage Worker pipeline: BatchMaker
// seals transactions into batches, QuorumWaiter waits for a stake-weighted
// quorum of sibling ACKs, and Processor durably stores the result and
// notifies the co-located Primary.
package worker

import (
	"context"
	"time"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/overlay"
	"github.com/PearTNhat/narwhal/internal/types"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Sibling is one other committee member's worker counterpart, addressable
// both by its NodeKey (for stake lookups) and its overlay PeerId.
type Sibling struct {
	NodeKey ncrypto.PublicKey
	PeerID  peer.ID
}

// BatchMakerConfig is the BatchMaker's inputs (spec §4.2).
type BatchMakerConfig struct {
	BatchSize     uint64
	MaxBatchDelay time.Duration
	Siblings      []Sibling
}

// SealedBatch is what BatchMaker sends to QuorumWaiter over its input channel.
type SealedBatch struct {
	Serialized  []byte
	Digest      ncrypto.Digest
	RequestIDs  []uint64
	WorkerNames []ncrypto.PublicKey // aligned index-for-index with RequestIDs
}

// BatchMaker owns current_batch/current_size and the reseal timer as a
// single-goroutine state machine (spec §5), grounded on dexon-consensus's
// channel-driven Consensus goroutine shape.
type BatchMaker struct {
	cfg BatchMakerConfig
	ov  *overlay.Overlay
	log *logging.Logger

	transactions chan []byte
	sealed       chan<- SealedBatch
}

// NewBatchMaker constructs a BatchMaker. sealedOut is owned by the caller
// (typically QuorumWaiter's input channel).
func NewBatchMaker(cfg BatchMakerConfig, ov *overlay.Overlay, log *logging.Logger, sealedOut chan<- SealedBatch) *BatchMaker {
	return &BatchMaker{
		cfg:          cfg,
		ov:           ov,
		log:          log.New("batchmaker"),
		transactions: make(chan []byte, 1000),
		sealed:       sealedOut,
	}
}

// Submit enqueues one transaction. Blocks if the channel is full
// (backpressure, spec §5 — "sends may block, never drop").
func (m *BatchMaker) Submit(ctx context.Context, tx []byte) error {
	select {
	case m.transactions <- tx:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the BatchMaker's single-owner loop. It exits when ctx is
// cancelled (spec §5: "shutdown is by dropping the root task").
func (m *BatchMaker) Run(ctx context.Context) {
	var current types.Batch
	var currentSize uint64

	timer := time.NewTimer(m.cfg.MaxBatchDelay)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.MaxBatchDelay)
	}

	seal := func() {
		if len(current.Transactions) == 0 {
			return // no batch is ever sealed empty, spec §4.2
		}
		m.seal(ctx, current)
		current = types.Batch{}
		currentSize = 0
	}

	for {
		select {
		case <-ctx.Done():
			return

		case tx := <-m.transactions:
			current.Transactions = append(current.Transactions, tx)
			currentSize += uint64(len(tx))
			if currentSize >= m.cfg.BatchSize {
				seal()
				reset()
			}

		case <-timer.C:
			// The timer is one-shot: it must be reset on every fire,
			// including when the batch is empty, or delay-based sealing
			// stops for good the first time it fires idle (spec §4.2).
			seal()
			reset()
		}
	}
}

// seal serialises the batch, fans SendRequest out to every sibling, and
// hands the pending record to QuorumWaiter (spec §4.2 "Seal").
func (m *BatchMaker) seal(ctx context.Context, batch types.Batch) {
	serialized, err := batch.Encode()
	if err != nil {
		m.log.Errorf("encode batch: %v", err)
		return
	}
	digest := ncrypto.H(serialized)

	ids := make([]uint64, 0, len(m.cfg.Siblings))
	names := make([]ncrypto.PublicKey, 0, len(m.cfg.Siblings))
	for _, sib := range m.cfg.Siblings {
		id := m.ov.SendRequest(ctx, sib.PeerID, serialized)
		ids = append(ids, id)
		names = append(names, sib.NodeKey)
	}

	sb := SealedBatch{
		Serialized:  serialized,
		Digest:      digest,
		RequestIDs:  ids,
		WorkerNames: names,
	}

	select {
	case m.sealed <- sb:
	case <-ctx.Done():
	}
}
