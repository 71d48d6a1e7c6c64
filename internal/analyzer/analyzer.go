package analyzer

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/PearTNhat/narwhal/internal/backoff"
	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/store"
	"github.com/PearTNhat/narwhal/internal/types"
)

const dialRetryDelay = 500 * time.Millisecond

// socketPath returns the conventional executor socket path for nodeID
// (spec §6: "/tmp/executor<node_id>.sock").
func socketPath(nodeID int) string {
	return fmt.Sprintf("/tmp/executor%d.sock", nodeID)
}

// Config carries the Analyzer's tunables.
type Config struct {
	Committee *committee.Committee
	Self      ncrypto.PublicKey
	Store     *store.Store

	// SocketPath overrides the conventional path, used by tests so they
	// do not collide with a real executor listening at the default path.
	SocketPath string
}

// Analyzer is the outbound bridge from committed certificates to the
// external executor process (spec §4.9).
type Analyzer struct {
	cfg  Config
	log  *logging.Logger
	in   <-chan types.Certificate
	conn net.Conn
}

// New constructs an Analyzer. in is fed by Consensus's committed output.
func New(cfg Config, log *logging.Logger, in <-chan types.Certificate) (*Analyzer, error) {
	if cfg.SocketPath == "" {
		nodeID, err := cfg.Committee.NodeID(cfg.Self)
		if err != nil {
			return nil, fmt.Errorf("analyzer: resolve node id: %w", err)
		}
		cfg.SocketPath = socketPath(nodeID)
	}
	return &Analyzer{cfg: cfg, log: log.New("analyzer"), in: in}, nil
}

// Run is the Analyzer's single-owner loop: for every committed
// certificate, build its CommittedEpochData and write it to the executor
// socket, reconnecting with fixed backoff on failure.
func (a *Analyzer) Run(ctx context.Context) {
	defer func() {
		if a.conn != nil {
			_ = a.conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cert, ok := <-a.in:
			if !ok {
				return
			}
			a.deliver(ctx, cert)
		}
	}
}

func (a *Analyzer) deliver(ctx context.Context, cert types.Certificate) {
	block, ok := a.resolveBlock(cert)
	if !ok {
		return // spec §4.9 step 4: skip entirely if no transactions resolved
	}

	payload := CommittedEpochData{Blocks: []CommittedBlock{block}}.Marshal()
	framed := appendVarintFrame(nil, payload)

	if err := a.writeWithReconnect(ctx, framed); err != nil {
		a.log.Warn("analyzer: write to executor failed, dropping block", "round", cert.Round(), "error", err.Error())
	}
}

// resolveBlock reads every batch referenced by the certificate's header
// payload from the store and flattens their transactions (spec §4.9 steps
// 3-5). Missing batches are logged and skipped; a certificate with zero
// resolved transactions is dropped entirely.
func (a *Analyzer) resolveBlock(cert types.Certificate) (CommittedBlock, bool) {
	block := CommittedBlock{Epoch: cert.Round(), Height: cert.Round()}

	for digest, workerID := range cert.Header.Payload {
		raw, err := a.cfg.Store.Get(digest)
		if err != nil {
			a.log.Warn("analyzer: batch missing for committed certificate", "round", cert.Round(), "error", err.Error())
			continue
		}
		batch, err := types.DecodeBatch(raw)
		if err != nil {
			a.log.Warn("analyzer: batch undecodable for committed certificate", "round", cert.Round(), "error", err.Error())
			continue
		}
		for _, txn := range batch.Transactions {
			block.Transactions = append(block.Transactions, Transaction{
				Digest:   txn,
				WorkerID: uint32(workerID),
			})
		}
	}

	if len(block.Transactions) == 0 {
		return CommittedBlock{}, false
	}
	return block, true
}

func (a *Analyzer) writeWithReconnect(ctx context.Context, framed []byte) error {
	b := backoff.New(dialRetryDelay, dialRetryDelay) // cap == base: a fixed delay
	for {
		if a.conn == nil {
			conn, err := net.Dial("unix", a.cfg.SocketPath)
			if err != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(b.Next()):
					continue
				}
			}
			a.conn = conn
			b.Reset()
		}

		if _, err := a.conn.Write(framed); err != nil {
			_ = a.conn.Close()
			a.conn = nil
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Next()):
				continue
			}
		}
		return nil
	}
}

// appendVarintFrame appends a varint length prefix (7-bit continuation,
// LSB-first, spec §6 — the same encoding as encoding/binary's Uvarint)
// followed by payload to dst.
func appendVarintFrame(dst []byte, payload []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	dst = append(dst, lenBuf[:n]...)
	dst = append(dst, payload...)
	return dst
}
