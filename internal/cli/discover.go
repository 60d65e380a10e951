package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"outlineserver/internal/discovery"
)

func newDiscoverCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List outline servers advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			peers, err := discovery.Browse(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				dim.Fprintln(out, "no servers found")
				return nil
			}
			bold := color.New(color.Bold)
			for _, peer := range peers {
				bold.Fprint(out, peer.Instance)
				fmt.Fprintf(out, "  %s  %s\n", peer.URL(), strings.Join(peer.Text, " "))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to listen for answers")
	return cmd
}
