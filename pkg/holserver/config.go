package holserver

import (
	"path/filepath"

	"github.com/function61/gokit/jsonfile"
)

const configFilename = "config.json"

type ServerConfigFile struct {
	// blobs, metadata DB and the peer identity key all live under here
	DataDir     string `json:"data_dir"`
	GatewayAddr string `json:"gateway_addr"`
	// "server" answers DHT routing queries for others, "client" only asks
	Mode               string   `json:"mode"`
	PeerListenAddrs    []string `json:"peer_listen_addrs"`
	BootstrapPeers     []string `json:"bootstrap_peers"`
	DisableMdns        bool     `json:"disable_mdns"`
	ProbeSweepSchedule string   `json:"probe_sweep_schedule"`
}

func defaultServerConfig() *ServerConfigFile {
	return &ServerConfigFile{
		DataDir:            "holvidata",
		GatewayAddr:        ":8066",
		Mode:               "server",
		PeerListenAddrs:    []string{"/ip4/0.0.0.0/tcp/4001"},
		ProbeSweepSchedule: "@every 5m",
	}
}

func readServerConfigFile() (*ServerConfigFile, error) {
	scf := &ServerConfigFile{}
	if err := jsonfile.Read(configFilename, scf, true); err != nil {
		return nil, err
	}

	if scf.GatewayAddr == "" {
		scf.GatewayAddr = ":8066"
	}
	if scf.ProbeSweepSchedule == "" {
		scf.ProbeSweepSchedule = "@every 5m"
	}
	if len(scf.PeerListenAddrs) == 0 {
		scf.PeerListenAddrs = []string{"/ip4/0.0.0.0/tcp/4001"}
	}

	return scf, nil
}

func writeDefaultServerConfigFile() error {
	return jsonfile.Write(configFilename, defaultServerConfig())
}

func (c *ServerConfigFile) dbLocation() string {
	return filepath.Join(c.DataDir, "holvi.db")
}

func (c *ServerConfigFile) blobsPath() string {
	return filepath.Join(c.DataDir, "blobs")
}

func (c *ServerConfigFile) identityFile() string {
	return filepath.Join(c.DataDir, "identity.key")
}
