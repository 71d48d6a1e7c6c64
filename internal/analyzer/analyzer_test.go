package analyzer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"
	"github.com/PearTNhat/narwhal/internal/store"
	"github.com/PearTNhat/narwhal/internal/types"

	"github.com/stretchr/testify/require"
)

func TestCommittedEpochDataRoundTrip(t *testing.T) {
	// Spec §8 scenario 5: one block of two 5-byte transactions.
	want := CommittedEpochData{
		Blocks: []CommittedBlock{{
			Epoch:  7,
			Height: 7,
			Transactions: []Transaction{
				{Digest: []byte("aaaaa"), WorkerID: 0},
				{Digest: []byte("bbbbb"), WorkerID: 1},
			},
		}},
	}

	encoded := want.Marshal()
	got, err := Unmarshal(encoded)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCommittedEpochDataMarshalDeterministic(t *testing.T) {
	msg := CommittedEpochData{Blocks: []CommittedBlock{{
		Epoch: 1, Height: 1,
		Transactions: []Transaction{{Digest: []byte("x"), WorkerID: 2}},
	}}}
	require.Equal(t, msg.Marshal(), msg.Marshal())
}

func TestAppendVarintFrameMatchesBinaryUvarint(t *testing.T) {
	payload := []byte("hello world")
	framed := appendVarintFrame(nil, payload)

	n, read := binary.Uvarint(framed)
	require.Positive(t, read)
	require.EqualValues(t, len(payload), n)
	require.Equal(t, payload, framed[read:])
}

func oneMemberCommittee(t *testing.T) (*committee.Committee, ncrypto.PublicKey) {
	t.Helper()
	_, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	raw := struct {
		Authorities map[string]committee.Authority `json:"authorities"`
	}{Authorities: map[string]committee.Authority{pub.String(): {Stake: 1}}}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	c, err := committee.Parse(data)
	require.NoError(t, err)
	return c, pub
}

func TestAnalyzerResolveBlockSkipsEmptyCertificate(t *testing.T) {
	c, pub := oneMemberCommittee(t)
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a, err := New(Config{Committee: c, Self: pub, Store: st, SocketPath: "unused"}, logging.New(), nil)
	require.NoError(t, err)

	cert := types.Certificate{Header: types.Header{Author: pub, Round: 1}}
	_, ok := a.resolveBlock(cert)
	require.False(t, ok, "a certificate referencing no batches must resolve to nothing")
}

func TestAnalyzerDeliversCommittedCertificateOverSocket(t *testing.T) {
	c, pub := oneMemberCommittee(t)
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	batch := types.Batch{Transactions: [][]byte{[]byte("tx-one")}}
	encoded, err := batch.Encode()
	require.NoError(t, err)
	digest := ncrypto.H(encoded)
	require.NoError(t, st.Put(digest, encoded))

	sockPath := filepath.Join(t.TempDir(), "executor0.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	in := make(chan types.Certificate, 1)
	a, err := New(Config{Committee: c, Self: pub, Store: st, SocketPath: sockPath}, logging.New(), in)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	cert := types.Certificate{Header: types.Header{
		Author:  pub,
		Round:   3,
		Payload: map[ncrypto.Digest]types.WorkerID{digest: 0},
	}}
	in <- cert

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("executor socket never accepted a connection")
	}
	defer conn.Close()

	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)

	length, read := binary.Uvarint(buf[:n])
	require.Positive(t, read)
	got, err := Unmarshal(buf[read : uint64(read)+length])
	require.NoError(t, err)
	require.Len(t, got.Blocks, 1)
	require.EqualValues(t, 3, got.Blocks[0].Epoch)
	require.Len(t, got.Blocks[0].Transactions, 1)
	require.Equal(t, []byte("tx-one"), got.Blocks[0].Transactions[0].Digest)
}
