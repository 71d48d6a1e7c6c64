// Package types holds the wire-level data model shared by the Worker and
// Primary pipelines and the Consensus core: batches, headers, votes,
// certificates, and the gossip message envelopes that carry them.
package types

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
)

// Batch is an ordered sequence of opaque client transactions (spec §3).
type Batch struct {
	Transactions [][]byte
}

// Encode canonically serialises the batch. gob is used throughout this
// package for "canonical serialisation": encoding/gob on a value built the
// same way every time (slices/maps here are always constructed in a fixed
// order before encoding) produces identical bytes, which is all the spec's
// digest-stability requirements need.
func (b Batch) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("types: encode batch: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a previously encoded Batch.
func DecodeBatch(raw []byte) (Batch, error) {
	var b Batch
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("types: decode batch: %w", err)
	}
	return b, nil
}

// WorkerID identifies a worker slot, shared across committee members
// (spec §3, §4.1 "component tag").
type WorkerID int

// PrimaryWorkerID is the sentinel used when a header references no worker (never used
// in payload entries, only kept for symmetry with committee.PrimaryTag).
const PrimaryWorkerID WorkerID = -1

// Header is an author's proposal for a round (spec §3).
type Header struct {
	Author    ncrypto.PublicKey
	Round     uint64
	Parents   []ncrypto.Digest           // sorted ascending; a set in meaning
	Payload   map[ncrypto.Digest]WorkerID
	Signature ncrypto.Signature
}

// canonicalHeader is the encodable projection of Header used for digests
// and signatures: parents sorted, payload flattened into sorted pairs, and
// the signature itself excluded (you cannot include your own signature in
// the bytes you are about to sign).
type canonicalHeader struct {
	Author  ncrypto.PublicKey
	Round   uint64
	Parents []ncrypto.Digest
	Payload []payloadEntry
}

type payloadEntry struct {
	Digest   ncrypto.Digest
	WorkerID WorkerID
}

func (h Header) canonical() canonicalHeader {
	parents := append([]ncrypto.Digest{}, h.Parents...)
	sort.Slice(parents, func(i, j int) bool { return bytes.Compare(parents[i][:], parents[j][:]) < 0 })

	entries := make([]payloadEntry, 0, len(h.Payload))
	for d, wid := range h.Payload {
		entries = append(entries, payloadEntry{Digest: d, WorkerID: wid})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Digest[:], entries[j].Digest[:]) < 0
	})

	return canonicalHeader{Author: h.Author, Round: h.Round, Parents: parents, Payload: entries}
}

// SigningBytes returns the canonical bytes a signature is computed over.
func (h Header) SigningBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h.canonical()); err != nil {
		return nil, fmt.Errorf("types: encode header: %w", err)
	}
	return buf.Bytes(), nil
}

// Digest is the content address of the header, including its signature
// (two validly-signed headers for the same round/author/parents/payload
// are the same header and must collide on digest).
func (h Header) Digest() (ncrypto.Digest, error) {
	signingBytes, err := h.SigningBytes()
	if err != nil {
		return ncrypto.Digest{}, err
	}
	return ncrypto.H(append(signingBytes, h.Signature[:]...)), nil
}

// Sign fills in h.Signature using signer, and returns the signed header's
// digest.
func (h *Header) Sign(signer ncrypto.Signer) (ncrypto.Digest, error) {
	msg, err := h.SigningBytes()
	if err != nil {
		return ncrypto.Digest{}, err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return ncrypto.Digest{}, err
	}
	h.Signature = sig
	return h.Digest()
}

// VerifySignature checks that h.Signature is a valid signature by h.Author
// over h's signing bytes.
func (h Header) VerifySignature() (bool, error) {
	msg, err := h.SigningBytes()
	if err != nil {
		return false, err
	}
	return h.Author.Verify(msg, h.Signature[:]), nil
}

// Encode serialises a Header for gossip/storage.
func (h Header) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return nil, fmt.Errorf("types: encode header: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeHeader parses a previously encoded Header.
func DecodeHeader(raw []byte) (Header, error) {
	var h Header
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&h); err != nil {
		return Header{}, fmt.Errorf("types: decode header: %w", err)
	}
	return h, nil
}

// Vote is a signed endorsement of a specific header digest (spec §3).
type Vote struct {
	HeaderDigest ncrypto.Digest
	Voter        ncrypto.PublicKey
	Signature    ncrypto.Signature
}

func (v Vote) signingBytes() []byte {
	return append([]byte{}, v.HeaderDigest[:]...)
}

// Sign fills in v.Signature using signer (which must be the Voter).
func (v *Vote) Sign(signer ncrypto.Signer) error {
	sig, err := signer.Sign(v.signingBytes())
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// VerifySignature checks v.Signature under v.Voter.
func (v Vote) VerifySignature() bool {
	return v.Voter.Verify(v.signingBytes(), v.Signature[:])
}

// Encode serialises a Vote for gossip.
func (v Vote) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("types: encode vote: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVote parses a previously encoded Vote.
func DecodeVote(raw []byte) (Vote, error) {
	var v Vote
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return Vote{}, fmt.Errorf("types: decode vote: %w", err)
	}
	return v, nil
}

// Certificate is a header plus a quorum of votes on it (spec §3, GLOSSARY).
type Certificate struct {
	Header Header
	Votes  map[ncrypto.PublicKey]ncrypto.Signature
}

// Digest is the digest of the underlying header; certificates are indexed
// in the DAG by (header.Round, header.Author), and referenced by other
// headers as parent digests using this same value.
func (c Certificate) Digest() (ncrypto.Digest, error) {
	return c.Header.Digest()
}

// Round is a convenience accessor used throughout Consensus.
func (c Certificate) Round() uint64 { return c.Header.Round }

// Author is a convenience accessor used throughout Consensus.
func (c Certificate) Author() ncrypto.PublicKey { return c.Header.Author }

// Encode serialises a Certificate for gossip/storage.
func (c Certificate) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("types: encode certificate: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCertificate parses a previously encoded Certificate.
func DecodeCertificate(raw []byte) (Certificate, error) {
	var c Certificate
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&c); err != nil {
		return Certificate{}, fmt.Errorf("types: decode certificate: %w", err)
	}
	return c, nil
}

// PrimaryMessage is the tagged union of everything gossiped on the
// primary topic (spec §9 "Dispatch over message variants").
type PrimaryMessage struct {
	Header      *Header
	Vote        *Vote
	Certificate *Certificate
}

// Encode serialises a PrimaryMessage envelope for gossip.
func (m PrimaryMessage) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("types: encode primary message: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePrimaryMessage parses a PrimaryMessage envelope.
func DecodePrimaryMessage(raw []byte) (PrimaryMessage, error) {
	var m PrimaryMessage
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return PrimaryMessage{}, fmt.Errorf("types: decode primary message: %w", err)
	}
	return m, nil
}

// BatchAnnounce is gossiped on the worker topic once a worker's Processor
// has durably stored a quorum-confirmed batch, letting a Synchroniser
// elsewhere in the network learn who holds a given digest without first
// probing the header's author directly.
type BatchAnnounce struct {
	Digest   ncrypto.Digest
	WorkerID WorkerID
	Author   ncrypto.PublicKey
}

// WorkerMessage is the tagged union of everything gossiped on the worker
// topic (spec §9 "Dispatch over message variants"). The topic already
// selects the Worker arm; BatchAnnounce is the one message kind workers
// currently gossip, but the envelope keeps the same discriminated-union
// shape as PrimaryMessage so the topic tag is never relied on alone to
// guard against cross-topic misrouting.
type WorkerMessage struct {
	BatchAnnounce *BatchAnnounce
}

// Encode serialises a WorkerMessage envelope for gossip.
func (m WorkerMessage) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("types: encode worker message: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWorkerMessage parses a WorkerMessage envelope.
func DecodeWorkerMessage(raw []byte) (WorkerMessage, error) {
	var m WorkerMessage
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return WorkerMessage{}, fmt.Errorf("types: decode worker message: %w", err)
	}
	return m, nil
}
