// Peer transport & discovery: libp2p host with local (mDNS) and wide-area
// (Kademlia DHT) discovery, plus the node-to-node wire protocols.
package peernet

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/holvi/pkg/blobstore"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/function61/holvi/pkg/syncengine"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.etcd.io/bbolt"
)

type Config struct {
	// multiaddrs to listen on, e.g. "/ip4/0.0.0.0/tcp/4001"
	ListenAddrs []string
	// multiaddrs (with peer IDs) used to seed the DHT
	BootstrapPeers []string
	// server mode stores and answers DHT routing queries for others; client
	// mode only queries. think steady infrastructure vs. a laptop.
	Mode holtypes.NodeMode
	// zero-config discovery for peers on the same local network
	EnableMdns bool
	// where the node's stable Ed25519 identity key lives
	IdentityFile string
	// budget for one outbound request (probe, fetch setup, sync exchange)
	RequestTimeout time.Duration
}

func DefaultConfig(dataDir string) Config {
	return Config{
		ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/4001"},
		Mode:           holtypes.NodeModeServer,
		EnableMdns:     true,
		IdentityFile:   dataDir + "/identity.key",
		RequestTimeout: 30 * time.Second,
	}
}

// advertised in the identify exchange, so peers learn both our software
// version and our declared mode
func agentVersion(mode holtypes.NodeMode) string {
	return "holvi/" + dynversion.Version + "/" + string(mode)
}

// answers incoming sync exchanges. implemented by syncengine.Engine.
type SyncResponder interface {
	ReceiveRemoteDelta(peerID string, delta *syncengine.Document) error
	DeltaSince(clock uint64) *syncengine.Document
}

type Node struct {
	host      host.Host
	dht       *dht.IpfsDHT
	store     *blobstore.Store
	sync      SyncResponder
	db        *bbolt.DB
	conf      Config
	discovery *discoveryStream
	// invoked before dialing a peer we have no direct route to. extension
	// point for relay/hole-punching - a no-op in this core.
	connectionUpgradeHook func(ctx context.Context, peerID peer.ID) error
	logl                  *logex.Leveled
}

func New(
	ctx context.Context,
	conf Config,
	store *blobstore.Store,
	syncResponder SyncResponder,
	db *bbolt.DB,
	logger *log.Logger,
) (*Node, error) {
	identity, err := loadOrCreateIdentity(conf.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("peer identity: %w", err)
	}

	libp2pHost, err := libp2p.New(
		libp2p.Identity(identity),
		libp2p.ListenAddrStrings(conf.ListenAddrs...),
		libp2p.UserAgent(agentVersion(conf.Mode)))
	if err != nil {
		return nil, err
	}

	dhtMode := dht.ModeClient
	if conf.Mode == holtypes.NodeModeServer {
		dhtMode = dht.ModeServer
	}

	bootstrapPeers, err := parseBootstrapPeers(conf.BootstrapPeers)
	if err != nil {
		libp2pHost.Close()
		return nil, err
	}

	kademlia, err := dht.New(ctx, libp2pHost,
		dht.Mode(dhtMode),
		dht.BootstrapPeers(bootstrapPeers...))
	if err != nil {
		libp2pHost.Close()
		return nil, err
	}

	node := &Node{
		host:      libp2pHost,
		dht:       kademlia,
		store:     store,
		sync:      syncResponder,
		db:        db,
		conf:      conf,
		discovery: newDiscoveryStream(),
		logl:      logex.Levels(logex.NonNil(logger)),
	}

	node.registerProtocolHandlers()

	if err := node.loadPeerBook(); err != nil {
		libp2pHost.Close()
		return nil, err
	}

	return node, nil
}

func (n *Node) ID() string {
	return n.host.ID().String()
}

func (n *Node) ListenAddrs() []string {
	addrs := []string{}
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, addr.String())
	}

	return addrs
}

// seeds the DHT from bootstrap peers and keeps its routing table healthy.
// safe to run with zero bootstrap peers (mDNS-only cluster).
func (n *Node) DHTBootstrapTask() func(context.Context) error {
	return func(ctx context.Context) error {
		if err := n.dht.Bootstrap(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return n.dht.Close()
	}
}

// peers whose routing distance to the key is smallest - the candidates most
// likely to know about the content behind it
func (n *Node) FindClosestPeers(ctx context.Context, key []byte) ([]string, error) {
	found, err := n.dht.GetClosestPeers(ctx, string(key))
	if err != nil {
		return nil, err
	}

	peerIDs := []string{}
	for _, peerID := range found {
		peerIDs = append(peerIDs, peerID.String())
	}

	return peerIDs, nil
}

// advertises locally held blobs on the DHT so remote peers can route to us.
// re-announces periodically because provider records expire.
func (n *Node) ProvideTask(interval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := n.provideLocalBlobs(ctx); err != nil {
					n.logl.Debug.Printf("provide: %v", err)
				}
			}
		}
	}
}

func (n *Node) provideLocalBlobs(ctx context.Context) error {
	blobs, err := n.store.Blobs()
	if err != nil {
		return err
	}

	for _, blob := range blobs {
		if err := n.dht.Provide(ctx, blob.Ref.AsCid(), true); err != nil {
			// expected when the routing table is still empty
			n.logl.Debug.Printf("provide %s: %v", blob.Ref.AsHex(), err)
		}
	}

	return nil
}

// teaches the node an address for a peer (e.g. from a shard hint)
func (n *Node) AddKnownAddress(peerID string, address string) error {
	decoded, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPeerID, err)
	}

	addr, err := parseMultiaddr(address)
	if err != nil {
		return err
	}

	n.host.Peerstore().AddAddr(decoded, addr, peerAddressTTL)

	return nil
}

// part of syncengine.Exchanger
func (n *Node) ConnectedPeers() []string {
	peerIDs := []string{}
	for _, peerID := range n.host.Network().Peers() {
		peerIDs = append(peerIDs, peerID.String())
	}

	return peerIDs
}

func (n *Node) Close() error {
	return n.host.Close()
}

// resolves (creating if needed) the node's stable peer ID without starting a
// host. the sync engine needs the ID as its actor name before the network
// side comes up.
func IdentityID(identityFile string) (string, error) {
	identity, err := loadOrCreateIdentity(identityFile)
	if err != nil {
		return "", err
	}

	peerID, err := peer.IDFromPrivateKey(identity)
	if err != nil {
		return "", err
	}

	return peerID.String(), nil
}

func loadOrCreateIdentity(identityFile string) (crypto.PrivKey, error) {
	existing, err := os.ReadFile(identityFile)
	if err == nil {
		return crypto.UnmarshalPrivateKey(existing)
	}

	if !os.IsNotExist(err) {
		return nil, err
	}

	identity, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	marshaled, err := crypto.MarshalPrivateKey(identity)
	if err != nil {
		return nil, err
	}

	if err := atomicfilewrite.Write(identityFile, func(writer io.Writer) error {
		_, err := writer.Write(marshaled)
		return err
	}); err != nil {
		return nil, err
	}

	return identity, nil
}

func parseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	infos := []peer.AddrInfo{}

	for _, addr := range addrs {
		parsed, err := parseMultiaddr(addr)
		if err != nil {
			return nil, err
		}

		info, err := peer.AddrInfoFromP2pAddr(parsed)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %s: %w", addr, err)
		}

		infos = append(infos, *info)
	}

	return infos, nil
}
