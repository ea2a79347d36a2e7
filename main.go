package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"socketretarder/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "socket-retarder",
		Short: "Transparent network latency and fault injection for sockets",
		Long: `socket-retarder delays outbound TCP connections and UDP datagrams and can
drop, damage or duplicate UDP traffic, without changes to the application:
TCP connects are rewritten through a loopback indirection proxy and UDP
datagrams pass through a deadline-ordered egress queue.

Configuration comes from SOCKET_RETARDER_* environment variables, optionally
overridden by a YAML scenario file.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cli.PrintBanner()
		},
	}

	rootCmd.AddCommand(cli.CreateCommands()...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
