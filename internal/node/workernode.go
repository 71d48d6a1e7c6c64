package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/PearTNhat/narwhal/internal/committee"
	"github.com/PearTNhat/narwhal/internal/config"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/overlay"
	"github.com/PearTNhat/narwhal/internal/store"
	"github.com/PearTNhat/narwhal/internal/types"
	"github.com/PearTNhat/narwhal/internal/worker"

	"github.com/multiformats/go-multiaddr"
)

// WorkerConfig carries everything one Worker needs to start.
type WorkerConfig struct {
	Committee  *committee.Committee
	Signer     ncrypto.Signer
	WorkerID   int
	Store      *store.Store
	Parameters config.Parameters

	ListenHost       string
	Rendezvous       string
	Bootstrap        []multiaddr.Multiaddr
	TransactionsAddr string // TCP address this worker listens on for raw transactions
	Logger           *logging.Logger

	// BatchReadyOut, if non-nil, is fed every confirmed batch for a
	// co-located Primary's Proposer (combined-process deployment, spec §9
	// Open Question 2). A standalone worker process leaves this nil; the
	// batch-ready notification is still produced internally but has no
	// consumer, matching a Worker's role of only notifying a Primary it
	// actually shares a process with.
	BatchReadyOut chan<- worker.BatchReady
}

// WorkerNode is one committee member's Worker pipeline (BatchMaker,
// QuorumWaiter, Processor), bridged to the gossip overlay and to a raw TCP
// transaction-ingestion listener bound to the committee's configured
// transactions_addr (spec §6 committee schema: "workers: {id →
// {worker_addr, transactions_addr}}").
type WorkerNode struct {
	cfg WorkerConfig
	log *logging.Logger
	ov  *overlay.Overlay

	batchMaker   *worker.BatchMaker
	quorumWaiter *worker.QuorumWaiter
	processor    *worker.Processor

	batchReady chan worker.BatchReady

	holdersMu sync.Mutex
	holders   map[ncrypto.Digest][]ncrypto.PublicKey // digest -> announced holders, learned via gossip

	txListener net.Listener
}

// NewWorkerNode constructs a WorkerNode: brings up its overlay, resolves
// sibling workers from the committee, and wires BatchMaker/QuorumWaiter/
// Processor together (spec §4.2-§4.4).
func NewWorkerNode(ctx context.Context, cfg WorkerConfig) (*WorkerNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	log := cfg.Logger.New(fmt.Sprintf("node-worker-%d", cfg.WorkerID))

	ov, err := overlay.New(ctx, overlay.Config{
		NodeKey:      cfg.Signer.Identity(),
		ComponentTag: committee.WorkerTag(cfg.WorkerID),
		ListenHost:   cfg.ListenHost,
		Rendezvous:   cfg.Rendezvous,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	siblingKeys, err := cfg.Committee.SiblingWorkers(cfg.Signer.Identity(), cfg.WorkerID)
	if err != nil {
		ov.Close()
		return nil, fmt.Errorf("node: resolve sibling workers: %w", err)
	}
	siblings := make([]worker.Sibling, 0, len(siblingKeys))
	for _, k := range siblingKeys {
		peerID, err := committee.PeerID(k, committee.WorkerTag(cfg.WorkerID))
		if err != nil {
			ov.Close()
			return nil, fmt.Errorf("node: derive sibling peer id: %w", err)
		}
		siblings = append(siblings, worker.Sibling{NodeKey: k, PeerID: peerID})
	}

	w := &WorkerNode{
		cfg:        cfg,
		log:        log,
		ov:         ov,
		batchReady: make(chan worker.BatchReady, 1000),
		holders:    make(map[ncrypto.Digest][]ncrypto.PublicKey),
	}

	w.wire(cfg, siblings)
	return w, nil
}

// wire constructs BatchMaker/QuorumWaiter/Processor with the channel shapes
// those packages already expose, chaining sealed-batch -> ready-batch ->
// batch-ready the same way the teacher's node package wires its own
// request/response/gossip stages together.
func (w *WorkerNode) wire(cfg WorkerConfig, siblings []worker.Sibling) {
	batchMakerCfg := worker.BatchMakerConfig{
		BatchSize:     cfg.Parameters.BatchSize,
		MaxBatchDelay: cfg.Parameters.MaxBatchDelay,
		Siblings:      siblings,
	}

	sealed := make(chan worker.SealedBatch, 1000)
	ready := make(chan worker.ReadyBatch, 1000)

	w.batchMaker = worker.NewBatchMaker(batchMakerCfg, w.ov, cfg.Logger, sealed)
	w.quorumWaiter = worker.NewQuorumWaiter(cfg.Committee, cfg.Signer.Identity(), w.ov, cfg.Store, cfg.Logger, sealed, ready)
	w.processor = worker.NewProcessor(cfg.Store, cfg.WorkerID, cfg.Logger, ready, w.batchReady)
}

// Run starts every stage goroutine, the gossip bridge, and the raw
// transaction listener, blocking until ctx is cancelled.
func (w *WorkerNode) Run(ctx context.Context) error {
	if err := w.ov.Start(ctx, w.cfg.Bootstrap); err != nil {
		return err
	}
	if err := w.startTransactionListener(ctx); err != nil {
		return err
	}

	go w.batchMaker.Run(ctx)
	go w.quorumWaiter.Run(ctx)
	go w.processor.Run(ctx)
	go w.announceReadyBatches(ctx)
	go w.subscribeWorkerTopic(ctx)

	<-ctx.Done()
	return nil
}

// announceReadyBatches gossips a BatchAnnounce for every batch this
// worker's Processor durably stores, so a Synchroniser elsewhere can learn
// who holds a digest without first probing the header author (spec's
// BatchAnnounce doc comment).
func (w *WorkerNode) announceReadyBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case br, ok := <-w.batchReady:
			if !ok {
				return
			}
			if w.cfg.BatchReadyOut != nil {
				select {
				case w.cfg.BatchReadyOut <- br:
				case <-ctx.Done():
					return
				}
			}
			msg := types.WorkerMessage{BatchAnnounce: &types.BatchAnnounce{
				Digest:   br.Digest,
				WorkerID: types.WorkerID(br.WorkerID),
				Author:   w.cfg.Signer.Identity(),
			}}
			raw, err := msg.Encode()
			if err != nil {
				w.log.Warn("node: encode batch announce", "error", err.Error())
				continue
			}
			if err := w.ov.Publish(ctx, overlay.TopicWorkerSync, raw); err != nil {
				w.log.Warn("node: publish batch announce", "error", err.Error())
			}
		}
	}
}

// subscribeWorkerTopic decodes every BatchAnnounce gossiped by sibling
// workers and records the announcing peer as a known holder of that
// digest (spec's BatchAnnounce doc comment), skipping this node's own
// publications.
func (w *WorkerNode) subscribeWorkerTopic(ctx context.Context) {
	sub, err := w.ov.Subscribe(overlay.TopicWorkerSync)
	if err != nil {
		w.log.Error("node: subscribe worker topic", "error", err.Error())
		return
	}
	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.log.Warn("node: worker topic closed", "error", err.Error())
			}
			return
		}
		if w.ov.SelfPeerID(raw.GetFrom()) {
			continue
		}
		msg, err := types.DecodeWorkerMessage(raw.Data)
		if err != nil {
			w.log.Warn("node: decode worker message", "error", err.Error())
			continue
		}
		if msg.BatchAnnounce == nil {
			continue
		}
		w.recordHolder(msg.BatchAnnounce.Digest, msg.BatchAnnounce.Author)
	}
}

func (w *WorkerNode) recordHolder(digest ncrypto.Digest, author ncrypto.PublicKey) {
	w.holdersMu.Lock()
	defer w.holdersMu.Unlock()
	for _, h := range w.holders[digest] {
		if h == author {
			return
		}
	}
	w.holders[digest] = append(w.holders[digest], author)
}

// Holders reports every committee member this worker has seen announce
// that it holds digest.
func (w *WorkerNode) Holders(digest ncrypto.Digest) []ncrypto.PublicKey {
	w.holdersMu.Lock()
	defer w.holdersMu.Unlock()
	out := make([]ncrypto.PublicKey, len(w.holders[digest]))
	copy(out, w.holders[digest])
	return out
}

// Submit enqueues one transaction into this worker's BatchMaker.
func (w *WorkerNode) Submit(ctx context.Context, tx []byte) error {
	return w.batchMaker.Submit(ctx, tx)
}

// startTransactionListener binds the committee-configured transactions_addr
// and accepts raw, varint-length-prefixed transactions (same framing as the
// Analyzer's executor socket, spec §6), feeding each into BatchMaker.Submit.
func (w *WorkerNode) startTransactionListener(ctx context.Context) error {
	if w.cfg.TransactionsAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", w.cfg.TransactionsAddr)
	if err != nil {
		return fmt.Errorf("node: bind transactions listener: %w", err)
	}
	w.txListener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed on shutdown
			}
			go w.serveTransactionConn(ctx, conn)
		}
	}()
	return nil
}

func (w *WorkerNode) serveTransactionConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return // connection closed or malformed frame
		}
		tx := make([]byte, length)
		if _, err := readFull(r, tx); err != nil {
			return
		}
		if err := w.Submit(ctx, tx); err != nil {
			return
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close tears down the overlay and transaction listener.
func (w *WorkerNode) Close() error {
	if w.txListener != nil {
		_ = w.txListener.Close()
	}
	return w.ov.Close()
}
