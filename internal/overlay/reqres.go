package overlay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// requestEnvelope is the gob-encoded payload framed over a req-res stream.
type requestEnvelope struct {
	RequestID uint64
	Body      []byte
}

// ackFrame is what the generic handler immediately writes back once it has
// read a request (spec §4.1: "the generic handler immediately returns an
// ACK; the request body is handed to the owning component asynchronously
// via a RequestReceived event").
type ackFrame struct {
	RequestID uint64
	Success   bool
	Message   string
}

const reqResStreamTimeout = 10 * time.Second

// SendRequest opens a stream to peer, writes body as a framed request, and
// waits for the peer's ACK in the background. The call returns as soon as
// the request id is allocated; completion (or failure) is reported later
// as a ResponseReceived/RequestFailed Event carrying the same RequestID —
// this is the overlay's "commands in, events out" boundary (spec §5).
func (o *Overlay) SendRequest(ctx context.Context, p peer.ID, body []byte) uint64 {
	id := o.nextReqID.Add(1)
	go o.sendRequest(ctx, id, p, body)
	return id
}

func (o *Overlay) sendRequest(ctx context.Context, id uint64, p peer.ID, body []byte) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, reqResStreamTimeout)
	defer cancel()

	s, err := o.host.NewStream(ctx, p, ProtocolIDReqRes)
	if err != nil {
		o.metrics.requestFailures.Inc()
		o.emit(Event{Kind: EventRequestFailed, RequestID: id, Peer: p, Err: fmt.Errorf("open stream: %w", err)})
		return
	}
	defer s.Close()

	env := requestEnvelope{RequestID: id, Body: body}
	envBytes, err := encodeGob(env)
	if err != nil {
		o.emit(Event{Kind: EventRequestFailed, RequestID: id, Peer: p, Err: err})
		return
	}

	w := bufio.NewWriter(s)
	if err := writeFrame(w, envBytes); err != nil {
		o.metrics.requestFailures.Inc()
		o.emit(Event{Kind: EventRequestFailed, RequestID: id, Peer: p, Err: fmt.Errorf("write request: %w", err)})
		return
	}

	r := bufio.NewReader(s)
	raw, err := readFrame(r)
	if err != nil {
		o.metrics.requestFailures.Inc()
		o.emit(Event{Kind: EventRequestFailed, RequestID: id, Peer: p, Err: fmt.Errorf("read ack: %w", err)})
		return
	}

	var ack ackFrame
	if err := decodeGob(raw, &ack); err != nil {
		o.metrics.requestFailures.Inc()
		o.emit(Event{Kind: EventRequestFailed, RequestID: id, Peer: p, Err: fmt.Errorf("decode ack: %w", err)})
		return
	}

	o.metrics.requestLatency.Observe(time.Since(start).Seconds())
	o.emit(Event{Kind: EventResponseReceived, RequestID: id, Peer: p, Success: ack.Success, Message: ack.Message})
}

// Request is a synchronous convenience wrapper over SendRequest for callers
// that want to block on the ack instead of consuming Events() directly.
func (o *Overlay) Request(ctx context.Context, p peer.ID, body []byte) (Event, error) {
	waiter := make(chan Event, 1)

	id := o.nextReqID.Add(1)
	o.waitersMu.Lock()
	o.waiters[id] = waiter
	o.waitersMu.Unlock()

	go o.sendRequest(ctx, id, p, body)

	select {
	case ev := <-waiter:
		return ev, nil
	case <-ctx.Done():
		o.waitersMu.Lock()
		delete(o.waiters, id)
		o.waitersMu.Unlock()
		return Event{}, ctx.Err()
	}
}

// reqResStreamHandler is registered on ProtocolIDReqRes. It reads exactly
// one framed request, ACKs it, and emits a RequestReceived event carrying
// the body for the owning component (a worker's QuorumWaiter) to
// process from its own single-owner goroutine.
func (o *Overlay) reqResStreamHandler(s network.Stream) {
	defer s.Close()

	r := bufio.NewReader(s)
	raw, err := readFrame(r)
	if err != nil {
		o.log.Warnf("overlay: req-res read from %s failed: %v", s.Conn().RemotePeer(), err)
		return
	}

	var env requestEnvelope
	if err := decodeGob(raw, &env); err != nil {
		o.log.Warnf("overlay: req-res decode from %s failed: %v", s.Conn().RemotePeer(), err)
		return
	}

	ack := ackFrame{RequestID: env.RequestID, Success: true, Message: "ack"}
	ackBytes, err := encodeGob(ack)
	if err != nil {
		o.log.Errorf("overlay: encode ack: %v", err)
		return
	}
	w := bufio.NewWriter(s)
	if err := writeFrame(w, ackBytes); err != nil {
		o.log.Warnf("overlay: req-res write ack to %s failed: %v", s.Conn().RemotePeer(), err)
		return
	}

	o.metrics.requestsReceived.Inc()
	o.emit(Event{
		Kind:      EventRequestReceived,
		RequestID: env.RequestID,
		Peer:      s.Conn().RemotePeer(),
		Body:      env.Body,
	})
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("overlay: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(raw []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return fmt.Errorf("overlay: decode: %w", err)
	}
	return nil
}
