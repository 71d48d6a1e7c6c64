package worker

import (
	"context"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/store"
)

// BatchReady is Processor's notification to the co-located Primary that a
// quorum-confirmed batch is durably stored (spec §4.4).
type BatchReady struct {
	Digest   ncrypto.Digest
	WorkerID int
}

// Processor writes each quorum'd batch to the store and notifies the
// Primary. Store writes are idempotent (LevelDB Put is already idempotent
// by key), so redelivery of the same batch is harmless.
type Processor struct {
	store    *store.Store
	workerID int
	log      *logging.Logger

	in  <-chan ReadyBatch
	out chan<- BatchReady
}

// NewProcessor constructs a Processor. out is owned by the caller,
// typically the co-located Primary's batch-ready buffer.
func NewProcessor(st *store.Store, workerID int, log *logging.Logger, in <-chan ReadyBatch, out chan<- BatchReady) *Processor {
	return &Processor{store: st, workerID: workerID, log: log.New("processor"), in: in, out: out}
}

// Run is Processor's single-owner loop.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rb, ok := <-p.in:
			if !ok {
				return
			}
			if err := p.store.Put(rb.Digest, rb.Serialized); err != nil {
				p.log.Errorf("processor: store batch %s: %v", rb.Digest, err)
				continue
			}
			select {
			case p.out <- BatchReady{Digest: rb.Digest, WorkerID: p.workerID}:
			case <-ctx.Done():
				return
			}
		}
	}
}
