// Client for accessing a Holvi gateway
package holclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/function61/gokit/ezhttp"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/holvi/pkg/holtypes"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

const transferTimeout = 15 * time.Minute

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		putEntrypoint(),
		getEntrypoint(),
		peersEntrypoint(),
	}
}

func putEntrypoint() *cobra.Command {
	server := defaultServer()

	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Uploads a file to the gateway, prints its manifest",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(wrapWithStopSupport(func(ctx context.Context) error {
				return put(ctx, server, args[0])
			}))
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", server, "Gateway base URL")

	return cmd
}

func getEntrypoint() *cobra.Command {
	server := defaultServer()
	output := "-"
	hint := ""

	cmd := &cobra.Command{
		Use:   "get [address]",
		Short: "Downloads content by address (CID, sha256-<hex> or raw hex)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(wrapWithStopSupport(func(ctx context.Context) error {
				return get(ctx, server, args[0], hint, output)
			}))
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", server, "Gateway base URL")
	cmd.Flags().StringVarP(&output, "output", "o", output, `Output file ("-" = stdout)`)
	cmd.Flags().StringVarP(&hint, "hint", "", hint, "Shard hint: peer ID to try if resolution misses")

	return cmd
}

func peersEntrypoint() *cobra.Command {
	server := defaultServer()

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Lists peers the node has met",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(wrapWithStopSupport(func(ctx context.Context) error {
				return peers(ctx, server)
			}))
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", server, "Gateway base URL")

	return cmd
}

func put(ctx context.Context, server string, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	manifest := holtypes.Manifest{}
	if _, err := ezhttp.Post(
		ctx,
		server+"/store",
		ezhttp.SendBody(file, "application/octet-stream"),
		ezhttp.RespondsJson(&manifest, true),
	); err != nil {
		return fmt.Errorf("put: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(manifest)
}

func get(ctx context.Context, server string, address string, hint string, output string) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	url := server + "/store/" + address
	if hint != "" {
		url += "?hint=" + hint
	}

	res, err := ezhttp.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	defer res.Body.Close()

	destination := io.Writer(os.Stdout)
	if output != "-" {
		file, err := os.Create(output)
		if err != nil {
			return err
		}
		defer file.Close()

		destination = file
	}

	_, err = io.Copy(destination, res.Body)
	return err
}

func peers(ctx context.Context, server string) error {
	ctx, cancel := context.WithTimeout(ctx, ezhttp.DefaultTimeout10s)
	defer cancel()

	known := []holtypes.Peer{}
	if _, err := ezhttp.Get(
		ctx,
		server+"/api/peers",
		ezhttp.RespondsJson(&known, true),
	); err != nil {
		return fmt.Errorf("peers: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Peer", "Mode", "Version", "Last seen"})
	table.SetBorder(false)
	table.AppendBulk(lo.Map(known, func(knownPeer holtypes.Peer, _ int) []string {
		return []string{
			knownPeer.ID,
			string(knownPeer.Mode),
			knownPeer.Version,
			knownPeer.LastSeen.Format(time.RFC822Z),
		}
	}))
	table.Render()

	return nil
}

func defaultServer() string {
	if fromEnv := os.Getenv("HOLVI_SERVER"); fromEnv != "" {
		return fromEnv
	}

	return "http://localhost:8066"
}

func wrapWithStopSupport(fn func(ctx context.Context) error) error {
	return fn(osutil.CancelOnInterruptOrTerminate(logex.StandardLogger()))
}
