package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func newTestOverlay(t *testing.T, tag committee.ComponentTag) *Overlay {
	t.Helper()
	_, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)

	o, err := New(context.Background(), Config{
		NodeKey:      pub,
		ComponentTag: tag,
		ListenHost:   "127.0.0.1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestTwoOverlaysExchangeRequestResponse(t *testing.T) {
	a := newTestOverlay(t, committee.PrimaryTag)
	b := newTestOverlay(t, committee.PrimaryTag)

	bAddrs := b.Host().Addrs()
	require.NotEmpty(t, bAddrs)

	err := a.Host().Connect(context.Background(), peer.AddrInfo{ID: b.ID(), Addrs: bAddrs})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := a.Request(ctx, b.ID(), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, EventResponseReceived, ev.Kind)
	require.True(t, ev.Success)

	select {
	case recvEv := <-b.Events():
		require.Equal(t, EventRequestReceived, recvEv.Kind)
		require.Equal(t, []byte("hello"), recvEv.Body)
	case <-ctx.Done():
		t.Fatal("timed out waiting for RequestReceived on responder")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	a := newTestOverlay(t, committee.WorkerTag(0))
	b := newTestOverlay(t, committee.WorkerTag(0))

	err := a.Host().Connect(context.Background(), peer.AddrInfo{ID: b.ID(), Addrs: b.Host().Addrs()})
	require.NoError(t, err)

	sub, err := b.Subscribe(TopicWorkerSync)
	require.NoError(t, err)
	_, err = a.Subscribe(TopicWorkerSync)
	require.NoError(t, err)

	// gossipsub needs a moment to propagate mesh membership after connect.
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), TopicWorkerSync, []byte("announce")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("announce"), msg.Data)
}
