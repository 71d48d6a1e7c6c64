// Package analyzer delivers committed certificates to the external
// executor process: for each committed certificate it resolves the
// referenced batches from the store, assembles a protobuf
// CommittedEpochData message, and writes it length-prefixed over a Unix
// domain socket (spec §4.9, §6).
package analyzer

import "google.golang.org/protobuf/encoding/protowire"

// Transaction, CommittedBlock, and CommittedEpochData mirror the wire
// schema fixed by spec §6:
//
//	message Transaction      { bytes digest = 1; uint32 worker_id = 2; }
//	message CommittedBlock   { uint64 epoch = 1; uint64 height = 2;
//	                           repeated Transaction transactions = 3; }
//	message CommittedEpochData { repeated CommittedBlock blocks = 1; }
//
// protoc is unavailable in this environment, so these are hand-authored
// against google.golang.org/protobuf/encoding/protowire's low-level wire
// primitives rather than generated from a .proto file. The field numbers
// and wire types below must stay in lockstep with the schema comment.
type Transaction struct {
	Digest   []byte
	WorkerID uint32
}

type CommittedBlock struct {
	Epoch        uint64
	Height       uint64
	Transactions []Transaction
}

type CommittedEpochData struct {
	Blocks []CommittedBlock
}

const (
	txFieldDigest   = 1
	txFieldWorkerID = 2

	blockFieldEpoch  = 1
	blockFieldHeight = 2
	blockFieldTxs    = 3

	epochDataFieldBlocks = 1
)

func (t Transaction) marshalAppend(dst []byte) []byte {
	dst = protowire.AppendTag(dst, txFieldDigest, protowire.BytesType)
	dst = protowire.AppendBytes(dst, t.Digest)
	dst = protowire.AppendTag(dst, txFieldWorkerID, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(t.WorkerID))
	return dst
}

func (b CommittedBlock) marshalAppend(dst []byte) []byte {
	dst = protowire.AppendTag(dst, blockFieldEpoch, protowire.VarintType)
	dst = protowire.AppendVarint(dst, b.Epoch)
	dst = protowire.AppendTag(dst, blockFieldHeight, protowire.VarintType)
	dst = protowire.AppendVarint(dst, b.Height)
	for _, tx := range b.Transactions {
		var txBytes []byte
		txBytes = tx.marshalAppend(txBytes)
		dst = protowire.AppendTag(dst, blockFieldTxs, protowire.BytesType)
		dst = protowire.AppendBytes(dst, txBytes)
	}
	return dst
}

// Marshal serialises a CommittedEpochData to protobuf wire bytes.
// Encoding is deterministic: fields are always appended in ascending field
// number order and repeated fields preserve slice order, so the same value
// always produces the same bytes (spec §8 "Analyzer protobuf encoding is
// deterministic").
func (e CommittedEpochData) Marshal() []byte {
	var dst []byte
	for _, block := range e.Blocks {
		var blockBytes []byte
		blockBytes = block.marshalAppend(blockBytes)
		dst = protowire.AppendTag(dst, epochDataFieldBlocks, protowire.BytesType)
		dst = protowire.AppendBytes(dst, blockBytes)
	}
	return dst
}

// Unmarshal parses protobuf wire bytes previously produced by Marshal. It
// is used only by tests to verify round-trip fidelity; the Analyzer itself
// is write-only against the executor socket.
func Unmarshal(data []byte) (CommittedEpochData, error) {
	var e CommittedEpochData
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return CommittedEpochData{}, protowire.ParseError(n)
		}
		data = data[n:]
		if num != epochDataFieldBlocks || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return CommittedEpochData{}, protowire.ParseError(m)
			}
			data = data[m:]
			continue
		}
		blockBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return CommittedEpochData{}, protowire.ParseError(n)
		}
		data = data[n:]
		block, err := unmarshalBlock(blockBytes)
		if err != nil {
			return CommittedEpochData{}, err
		}
		e.Blocks = append(e.Blocks, block)
	}
	return e, nil
}

func unmarshalBlock(data []byte) (CommittedBlock, error) {
	var b CommittedBlock
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return CommittedBlock{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == blockFieldEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return CommittedBlock{}, protowire.ParseError(n)
			}
			b.Epoch = v
			data = data[n:]
		case num == blockFieldHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return CommittedBlock{}, protowire.ParseError(n)
			}
			b.Height = v
			data = data[n:]
		case num == blockFieldTxs && typ == protowire.BytesType:
			txBytes, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return CommittedBlock{}, protowire.ParseError(n)
			}
			data = data[n:]
			tx, err := unmarshalTransaction(txBytes)
			if err != nil {
				return CommittedBlock{}, err
			}
			b.Transactions = append(b.Transactions, tx)
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return CommittedBlock{}, protowire.ParseError(m)
			}
			data = data[m:]
		}
	}
	return b, nil
}

func unmarshalTransaction(data []byte) (Transaction, error) {
	var t Transaction
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Transaction{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == txFieldDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Transaction{}, protowire.ParseError(n)
			}
			t.Digest = append([]byte{}, v...)
			data = data[n:]
		case num == txFieldWorkerID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Transaction{}, protowire.ParseError(n)
			}
			t.WorkerID = uint32(v)
			data = data[n:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Transaction{}, protowire.ParseError(m)
			}
			data = data[m:]
		}
	}
	return t, nil
}
