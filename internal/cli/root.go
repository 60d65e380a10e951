// Package cli holds the outlineserver command tree.
package cli

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"outlineserver/internal/server"
)

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "outlineserver",
		Short:         "Remote control server for outline documents",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			glog.Flush()
		},
	}
	root.AddCommand(
		newServeCommand(),
		newCallCommand(),
		newTokenCommand(),
		newDiscoverCommand(),
	)
	return root
}

func Execute() {
	// glog registers -v, -logtostderr and friends on the go flag set
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	flag.CommandLine.Parse(nil)
	root := NewRootCommand()
	root.PersistentFlags().AddFlagSet(pflag.CommandLine)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red.Sprint(err))
		glog.Flush()
		os.Exit(1)
	}
}
