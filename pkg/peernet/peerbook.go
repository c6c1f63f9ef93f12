package peernet

import (
	"context"
	"strings"
	"time"

	"github.com/function61/holvi/pkg/holdb"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.etcd.io/bbolt"
)

// the peer book persists who we have met, so a restarted node can reconnect
// without waiting for discovery to re-find everyone

func (n *Node) loadPeerBook() error {
	known := []holtypes.Peer{}
	if err := n.db.View(func(tx *bbolt.Tx) error {
		return holdb.PeerRepository.Each(holdb.PeerAppender(&known), tx)
	}); err != nil {
		return err
	}

	for _, knownPeer := range known {
		peerID, err := peer.Decode(knownPeer.ID)
		if err != nil {
			n.logl.Error.Printf("peer book has bad peer ID %q", knownPeer.ID)
			continue
		}

		addrs := []ma.Multiaddr{}
		for _, addr := range knownPeer.Addrs {
			parsed, err := parseMultiaddr(addr)
			if err != nil {
				continue
			}

			addrs = append(addrs, parsed)
		}

		n.host.Peerstore().AddAddrs(peerID, addrs, peerAddressTTL)
	}

	n.logl.Info.Printf("peer book: %d known peer(s)", len(known))

	return nil
}

// records peers as identify handshakes complete, capturing their advertised
// addresses and software version
func (n *Node) PeerBookTask() func(context.Context) error {
	return func(ctx context.Context) error {
		identifies, err := n.host.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
		if err != nil {
			return err
		}
		defer identifies.Close()

		for {
			select {
			case <-ctx.Done():
				return nil
			case evt := <-identifies.Out():
				identified := evt.(event.EvtPeerIdentificationCompleted)

				if err := n.rememberPeer(identified); err != nil {
					n.logl.Error.Printf("remember peer %s: %v", identified.Peer, err)
				}
			}
		}
	}
}

func (n *Node) rememberPeer(identified event.EvtPeerIdentificationCompleted) error {
	addrs := []string{}
	for _, addr := range identified.ListenAddrs {
		addrs = append(addrs, addr.String())
	}

	return n.db.Update(func(tx *bbolt.Tx) error {
		record := &holtypes.Peer{}
		if err := holdb.PeerRepository.OpenByPrimaryKey([]byte(identified.Peer.String()), record, tx); err != nil {
			if err != holdb.ErrNotFound {
				return err
			}

			record = &holtypes.Peer{
				ID: identified.Peer.String(),
				// peers speaking other software don't declare a mode.
				// assume steady.
				Mode: holtypes.NodeModeServer,
			}
		}

		record.Addrs = addrs
		record.Version = identified.AgentVersion
		if mode, declared := modeFromAgentVersion(identified.AgentVersion); declared {
			record.Mode = mode
		}
		record.LastSeen = time.Now()

		return holdb.PeerRepository.Update(record, tx)
	})
}

// the declared mode travels in the agent version string ("holvi/<ver>/<mode>")
// because identify carries no other free-form field
func modeFromAgentVersion(agent string) (holtypes.NodeMode, bool) {
	parts := strings.Split(agent, "/")
	if len(parts) != 3 || parts[0] != "holvi" {
		return "", false
	}

	switch mode := holtypes.NodeMode(parts[2]); mode {
	case holtypes.NodeModeServer, holtypes.NodeModeClient:
		return mode, true
	default:
		return "", false
	}
}

// drops peers not seen within the retention window. prolonged silence means
// their addresses are stale anyway, and rediscovery re-adds the live ones.
func (n *Node) PruneStalePeers(retention time.Duration) (int, error) {
	return pruneStalePeers(n.db, time.Now().Add(-retention))
}

func pruneStalePeers(db *bbolt.DB, cutoff time.Time) (int, error) {
	pruned := 0

	if err := db.Update(func(tx *bbolt.Tx) error {
		known := []holtypes.Peer{}
		if err := holdb.PeerRepository.Each(holdb.PeerAppender(&known), tx); err != nil {
			return err
		}

		for _, knownPeer := range known {
			if !knownPeer.LastSeen.Before(cutoff) {
				continue
			}

			stale := knownPeer
			if err := holdb.PeerRepository.Delete(&stale, tx); err != nil {
				return err
			}

			pruned++
		}

		return nil
	}); err != nil {
		return 0, err
	}

	return pruned, nil
}

// peers seen within the retention window, for the operator's benefit
func (n *Node) Peers() ([]holtypes.Peer, error) {
	known := []holtypes.Peer{}
	if err := n.db.View(func(tx *bbolt.Tx) error {
		return holdb.PeerRepository.Each(holdb.PeerAppender(&known), tx)
	}); err != nil {
		return nil, err
	}

	return known, nil
}
