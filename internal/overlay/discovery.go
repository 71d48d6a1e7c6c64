package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
)

// mdnsServiceTag is the multicast service name mDNS peers discover each
// other under (grounded on the colibri gossip.go example's mDNS wiring).
const mdnsServiceTag = "narwhal-mdns"

const rendezvousRepublishInterval = time.Hour

// discovery wires together local multicast discovery (mDNS, for nodes on
// the same LAN) and DHT rendezvous discovery (for nodes that must find
// each other over the open network), matching spec §4.1's "local mDNS
// plus a DHT-based rendezvous discovery mechanism".
type discovery struct {
	o        *Overlay
	mdnsSvc  mdns.Service
	routingD *drouting.RoutingDiscovery
	cancel   context.CancelFunc
}

func newDiscovery(o *Overlay) *discovery {
	return &discovery{o: o, routingD: drouting.NewRoutingDiscovery(o.dht)}
}

func (d *discovery) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.mdnsSvc = mdns.NewMdnsService(d.o.host, mdnsServiceTag, &mdnsNotifee{o: d.o})
	if err := d.mdnsSvc.Start(); err != nil {
		return fmt.Errorf("overlay: start mdns: %w", err)
	}

	if err := d.o.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("overlay: dht bootstrap: %w", err)
	}

	rendezvous := d.o.cfg.Rendezvous
	if rendezvous == "" {
		rendezvous = "narwhal"
	}

	go func() {
		ticker := time.NewTicker(rendezvousRepublishInterval)
		defer ticker.Stop()
		for {
			util.Advertise(ctx, d.routingD, rendezvous)
			d.findPeers(ctx, rendezvous)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return nil
}

func (d *discovery) findPeers(ctx context.Context, rendezvous string) {
	peerChan, err := d.routingD.FindPeers(ctx, rendezvous)
	if err != nil {
		d.o.log.Warnf("overlay: dht find peers: %v", err)
		return
	}
	for p := range peerChan {
		if p.ID == d.o.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		d.connect(ctx, p)
	}
}

func (d *discovery) connect(ctx context.Context, p peer.AddrInfo) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.o.host.Connect(connCtx, p); err != nil {
		d.o.log.Debugf("overlay: connect discovered peer %s: %v", p.ID, err)
		return
	}
	d.o.log.Info("overlay: connected discovered peer", "peer", p.ID)
}

func (d *discovery) close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.mdnsSvc != nil {
		d.mdnsSvc.Close()
	}
}

// mdnsNotifee bridges mdns.Notifee callbacks into the same connect path
// used by DHT-discovered peers.
type mdnsNotifee struct{ o *Overlay }

func (n *mdnsNotifee) HandlePeerFound(p peer.AddrInfo) {
	if p.ID == n.o.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.o.host.Connect(ctx, p); err != nil {
		n.o.log.Debugf("overlay: connect mdns peer %s: %v", p.ID, err)
		return
	}
	n.o.log.Info("overlay: connected mdns peer", "peer", p.ID)
}
