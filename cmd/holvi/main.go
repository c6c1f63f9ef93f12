package main

import (
	"os"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/osutil"
	"github.com/function61/holvi/pkg/holclient"
	"github.com/function61/holvi/pkg/holserver"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   `Holvi: content-addressed custodian network & retrieval gateway`,
		Version: dynversion.Version,
		// hide the default "completion" subcommand from polluting UX (it can still be used)
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	// client's commands are at the root level for convenience's sake, since
	// they are used most often
	for _, entrypoint := range holclient.Entrypoints() {
		rootCmd.AddCommand(entrypoint)
	}

	rootCmd.AddCommand(holserver.Entrypoint())

	osutil.ExitIfError(rootCmd.Execute())
}
