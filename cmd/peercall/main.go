// Command peercall is the terminal client for a peercall relay: it
// joins a room, negotiates a peer connection with every other member
// and bridges room chat to the terminal.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagName     string
	flagVerbose  bool
	flagSTUN     []string
	flagTURN     []string
	flagTURNUser string
	flagTURNPass string
)

var rootCmd = &cobra.Command{
	Use:           "peercall",
	Short:         "Terminal client for a peercall relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, args []string) {
		version := "devel"
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
			version = bi.Main.Version
		}
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "ws://localhost:8080/ws", "relay websocket URL")
	rootCmd.PersistentFlags().StringVarP(&flagName, "name", "n", "", "display name shown to other members")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringSliceVar(&flagSTUN, "stun", nil, "STUN server URLs, overriding the relay's ICE config")
	rootCmd.PersistentFlags().StringSliceVar(&flagTURN, "turn", nil, "TURN server URLs, overriding the relay's ICE config")
	rootCmd.PersistentFlags().StringVar(&flagTURNUser, "turn-username", "", "TURN username for --turn servers")
	rootCmd.PersistentFlags().StringVar(&flagTURNPass, "turn-credential", "", "TURN credential for --turn servers")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(joinCmd)
}

func newLogger() *slog.Logger {
	if !flagVerbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
