package peernet

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// all holvi nodes announce under the same mDNS service so any node on the
// LAN finds the others with zero configuration
const mdnsServiceTag = "holvi"

// a LAN peer that stops announcing is considered gone after this
const mdnsPeerTTL = 10 * time.Minute

// bridges mDNS announcements (delivered on the announcer's goroutine) to the
// discovery task's own loop
type discoveryStream struct {
	found chan peer.AddrInfo
}

func newDiscoveryStream() *discoveryStream {
	return &discoveryStream{
		found: make(chan peer.AddrInfo, 16),
	}
}

// mdns.Notifee
func (d *discoveryStream) HandlePeerFound(info peer.AddrInfo) {
	select {
	case d.found <- info:
	default: // discovery is advisory - losing an announcement only delays it
	}
}

// announces us on the local network and connects to peers it hears about.
// re-announcements keep a liveness TTL fresh; silence expires the peer.
func (n *Node) MdnsDiscoveryTask() func(context.Context) error {
	return func(ctx context.Context) error {
		if !n.conf.EnableMdns {
			<-ctx.Done()
			return nil
		}

		liveness := ttlcache.New[string, peer.AddrInfo](
			ttlcache.WithTTL[string, peer.AddrInfo](mdnsPeerTTL))
		liveness.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, peer.AddrInfo]) {
			if reason == ttlcache.EvictionReasonExpired {
				n.logl.Info.Printf("LAN peer %s went silent", item.Key())
			}
		})
		go liveness.Start()
		defer liveness.Stop()

		service := mdns.NewMdnsService(n.host, mdnsServiceTag, n.discovery)
		if err := service.Start(); err != nil {
			return err
		}
		defer service.Close()

		for {
			select {
			case <-ctx.Done():
				return nil
			case info := <-n.discovery.found:
				n.mdnsPeerFound(ctx, info, liveness)
			}
		}
	}
}

func (n *Node) mdnsPeerFound(
	ctx context.Context,
	info peer.AddrInfo,
	liveness *ttlcache.Cache[string, peer.AddrInfo],
) {
	if info.ID == n.host.ID() {
		return // our own announcement
	}

	firstSighting := liveness.Get(info.ID.String()) == nil
	liveness.Set(info.ID.String(), info, ttlcache.DefaultTTL)

	n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerAddressTTL)

	if !firstSighting {
		return
	}

	n.logl.Info.Printf("LAN peer %s discovered", info.ID)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := n.host.Connect(connectCtx, info); err != nil {
		n.logl.Debug.Printf("connect to LAN peer %s: %v", info.ID, err)
	}
}
