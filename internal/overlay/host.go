package overlay

import (
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
)

// newHostOnFirstFreePort builds a libp2p host listening on the first of
// portAttempts consecutive TCP ports starting at firstPort that is free to
// bind (spec §6: "the node probes ports upward from 9000, 15 attempts,
// before giving up").
func newHostOnFirstFreePort(listenHost string, identity libp2pcrypto.PrivKey) (host.Host, int, error) {
	var lastErr error
	for i := 0; i < portAttempts; i++ {
		port := firstPort + i
		addr := fmt.Sprintf("/ip4/%s/tcp/%d", listenHost, port)
		h, err := libp2p.New(
			libp2p.Identity(identity),
			libp2p.ListenAddrStrings(addr),
			libp2p.DefaultTransports,
			libp2p.DefaultMuxers,
			libp2p.DefaultSecurity,
		)
		if err == nil {
			return h, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in [%d, %d]: %w", firstPort, firstPort+portAttempts-1, lastErr)
}
