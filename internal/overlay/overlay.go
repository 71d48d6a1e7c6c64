// Package overlay implements the node's P2P primitives on top of
// go-libp2p: topic-scoped gossip, point-to-point request/response with
// ACK, and peer discovery via mDNS multicast and a Kademlia DHT. It is
// grounded on kwil-db's node/consensus.go + node.go (NewNode/Start/
// startXGossip) and the colibri gossip.go DHT-discovery example.
package overlay

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PearTNhat/narwhal/internal/committee"
	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"
	"github.com/PearTNhat/narwhal/internal/logging"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// Protocol and topic names fixed by spec §6.
const (
	ProtocolIDReqRes protocol.ID = "/narwhal/req-res/1.0.0"

	TopicPrimaryConsensus = "narwhal-primary-consensus"
	TopicWorkerSync       = "narwhal-worker-sync"

	// firstPort/portAttempts implement "ports probed upward from 9000 for
	// 15 attempts until one binds" (spec §6).
	firstPort    = 9000
	portAttempts = 15

	defaultHeartbeatInterval = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// Config configures one overlay instance, i.e. one libp2p host for either
// the node's Primary or one of its Workers.
type Config struct {
	NodeKey       ncrypto.PublicKey
	ComponentTag  committee.ComponentTag
	ListenHost    string // defaults to "0.0.0.0"
	Rendezvous    string // DHT/mDNS discovery rendezvous string, typically the chain/committee id

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration

	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.New()
	}
}

// Overlay is one component's (Primary or Worker) P2P presence.
type Overlay struct {
	cfg  Config
	log  *logging.Logger
	host host.Host
	ps   *pubsub.PubSub
	dht  *dht.IpfsDHT

	topicsMu sync.Mutex
	topics   map[string]*joinedTopic

	events chan Event

	nextReqID atomic.Uint64

	waitersMu sync.Mutex
	waiters   map[uint64]chan Event

	metrics *overlayMetrics

	disc *discovery

	closeOnce sync.Once
}

type joinedTopic struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// New brings up a libp2p host for the given component identity and starts
// gossipsub with strict validation. The returned Overlay is not yet
// discoverable by others until Start is called.
func New(ctx context.Context, cfg Config) (*Overlay, error) {
	cfg.setDefaults()

	identity, err := committee.IdentityKey(cfg.NodeKey, cfg.ComponentTag)
	if err != nil {
		return nil, fmt.Errorf("overlay: derive identity: %w", err)
	}

	h, boundPort, err := newHostOnFirstFreePort(cfg.ListenHost, identity)
	if err != nil {
		return nil, fmt.Errorf("overlay: bind listener: %w", err)
	}
	cfg.Logger.Info("overlay bound", "component", cfg.ComponentTag, "port", boundPort, "peer", h.ID())

	msgIDFn := func(pmsg *pubsubpb.Message) string {
		sum := sha256.Sum256(pmsg.Data)
		return string(sum[:])
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageIdFn(msgIDFn),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithValidateQueueSize(256),
	)
	if err != nil {
		return nil, fmt.Errorf("overlay: gossipsub: %w", err)
	}

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		return nil, fmt.Errorf("overlay: dht: %w", err)
	}

	o := &Overlay{
		cfg:     cfg,
		log:     cfg.Logger,
		host:    h,
		ps:      ps,
		dht:     kadDHT,
		topics:  make(map[string]*joinedTopic),
		events:  make(chan Event, 1000), // bounded capacity 1000, spec §5
		waiters: make(map[uint64]chan Event),
		metrics: newOverlayMetrics(),
	}

	h.SetStreamHandler(ProtocolIDReqRes, o.reqResStreamHandler)

	o.disc = newDiscovery(o)

	return o, nil
}

// Start connects to bootstrap peers and begins mDNS + DHT discovery.
func (o *Overlay) Start(ctx context.Context, bootstrap []multiaddr.Multiaddr) error {
	for _, addr := range bootstrap {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			o.log.Warnf("overlay: bad bootstrap addr %s: %v", addr, err)
			continue
		}
		if err := o.host.Connect(ctx, *info); err != nil {
			o.log.Warnf("overlay: connect bootstrap %s: %v", info.ID, err)
		}
	}
	return o.disc.start(ctx)
}

// Host exposes the underlying libp2p host (needed by components that must
// register their own stream handlers, e.g. none currently, kept for
// extension per §9).
func (o *Overlay) Host() host.Host { return o.host }

// ID returns this overlay's own PeerId.
func (o *Overlay) ID() peer.ID { return o.host.ID() }

// Events returns the channel of overlay events. Exactly one consumer per
// Overlay is expected, matching "single-owner task; all other components
// interact via command/event channels" (spec §5).
func (o *Overlay) Events() <-chan Event { return o.events }

func (o *Overlay) emit(ev Event) {
	o.waitersMu.Lock()
	waiter, ok := o.waiters[ev.RequestID]
	if ok && (ev.Kind == EventResponseReceived || ev.Kind == EventRequestFailed) {
		delete(o.waiters, ev.RequestID)
	}
	o.waitersMu.Unlock()

	if ok && waiter != nil {
		select {
		case waiter <- ev:
		default:
		}
	}

	select {
	case o.events <- ev:
	default:
		o.log.Warnf("overlay: events channel full, dropping %s event for request %d", ev.Kind, ev.RequestID)
	}
}

// joinTopic lazily joins and subscribes to a gossip topic.
func (o *Overlay) joinTopic(name string) (*joinedTopic, error) {
	o.topicsMu.Lock()
	defer o.topicsMu.Unlock()

	if jt, ok := o.topics[name]; ok {
		return jt, nil
	}

	topic, err := o.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("overlay: join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("overlay: subscribe topic %s: %w", name, err)
	}
	jt := &joinedTopic{topic: topic, sub: sub}
	o.topics[name] = jt
	return jt, nil
}

// Publish broadcasts payload on topic. Delivery is best-effort,
// at-least-once, with duplicate suppression via the content-derived
// message id configured in New (spec §4.1).
func (o *Overlay) Publish(ctx context.Context, topic string, payload []byte) error {
	jt, err := o.joinTopic(topic)
	if err != nil {
		return err
	}
	o.metrics.published.WithLabelValues(topic).Inc()
	return jt.topic.Publish(ctx, payload)
}

// Subscribe returns the raw pubsub.Subscription for a topic so a component
// can run its own single-owner read loop (mirrors kwil-db's
// startAckGossip/startDiscoveryRequestGossip pattern, where each gossip
// concern owns its own subscribe goroutine instead of a generic dispatcher
// racing to claim messages).
func (o *Overlay) Subscribe(topic string) (*pubsub.Subscription, error) {
	jt, err := o.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	return jt.sub, nil
}

// SelfPeerID reports whether msgFrom is this overlay's own PeerId, the
// check every gossip consumer loop needs to ignore its own publications.
func (o *Overlay) SelfPeerID(id peer.ID) bool { return id == o.host.ID() }

// Close tears down the host, DHT, and discovery services.
func (o *Overlay) Close() error {
	var err error
	o.closeOnce.Do(func() {
		if o.disc != nil {
			o.disc.close()
		}
		if o.dht != nil {
			err = o.dht.Close()
		}
		if cerr := o.host.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
