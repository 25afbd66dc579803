// Command sockctl drives netsock sockets from the command line over a set
// of NICs described in a YAML file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newApp().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sockctl:", err)
		os.Exit(1)
	}
}

func newApp() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sockctl",
		Short: "Open sockets over netsock NICs",
		Example: `  List the configured interfaces:
  $ sockctl ifaces --config nics.yaml

  Resolve a host name:
  $ sockctl resolve example.org

  Talk to a TCP server:
  $ sockctl connect 127.0.0.1:8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML file describing the interfaces (default: loopback and host)")
	rootCmd.PersistentFlags().Bool("debug", false, "Debug mode")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Socket timeout, 0 blocks indefinitely")
	rootCmd.AddCommand(
		newIfacesCommand(),
		newResolveCommand(),
		newConnectCommand(),
		newListenCommand(),
		newSendCommand(),
	)
	return rootCmd
}

// newLogger returns the logger for --debug, or nil to keep components silent.
func newLogger(cmd *cobra.Command) *slog.Logger {
	if debug, _ := cmd.Flags().GetBool("debug"); !debug {
		return nil
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug - 1}))
}
