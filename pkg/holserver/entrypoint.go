package holserver

import (
	"fmt"
	"os"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/systemdinstaller"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Starts the server component",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			osutil.ExitIfError(runServer(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				rootLogger))
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init-config",
		Short: "Writes a default " + configFilename + " to the working directory",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(func() error {
				if _, err := os.Stat(configFilename); err == nil {
					return fmt.Errorf("refusing to overwrite existing %s", configFilename)
				}

				return writeDefaultServerConfigFile()
			}())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs systemd unit file to make the server start on system boot",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			serviceFile := systemdinstaller.SystemdServiceFile(
				"holvi",
				"Holvi custodian node",
				systemdinstaller.Args("server"),
				systemdinstaller.Docs("https://github.com/function61/holvi"),
				systemdinstaller.RequireNetworkOnline)

			osutil.ExitIfError(systemdinstaller.Install(serviceFile))

			fmt.Println(systemdinstaller.GetHints(serviceFile))
		},
	})

	return cmd
}
