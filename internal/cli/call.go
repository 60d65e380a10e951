package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"outlineserver/pkg/client"
)

var (
	red  = color.New(color.FgRed)
	cyan = color.New(color.FgCyan)
	dim  = color.New(color.Faint)
)

func newCallCommand() *cobra.Command {
	var (
		url     string
		token   string
		timeout time.Duration
		listen  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <action> [param-json]",
		Short: "Send one request and print the reply",
		Example: `  outlineserver call '!open_file' '{"filename":"notes.leo"}'
  outlineserver call -- -insert-node`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var param json.RawMessage
			if len(args) == 2 {
				var err error
				if param, err = parseParam(args[1]); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+listen)
			defer cancel()

			opts := []client.Option{client.WithRetry(timeout)}
			if token != "" {
				opts = append(opts, client.WithToken(token))
			}
			c, err := client.Dial(ctx, url, opts...)
			if err != nil {
				return err
			}
			defer c.Close()

			var p any
			if param != nil {
				p = param
			}
			reply, err := c.Call(ctx, args[0], p)
			var serverErr *client.ServerError
			if errors.As(err, &serverErr) {
				return fmt.Errorf("server error: %s", serverErr.Message)
			}
			if err != nil {
				return err
			}
			if err := printJson(cmd, cyan, reply); err != nil {
				return err
			}

			if listen <= 0 {
				return nil
			}
			deadline := time.After(listen)
			for {
				select {
				case message := <-c.Async():
					if err := printJson(cmd, dim, message); err != nil {
						return err
					}
				case <-deadline:
					return nil
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&url, "url", "ws://localhost:32125/ws", "server websocket URL")
	flags.StringVar(&token, "token", "", "bearer token")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "dial and reply timeout")
	flags.DurationVar(&listen, "listen", 0, "keep printing async messages for this long")
	return cmd
}

// parseParam accepts a JSON object.
func parseParam(arg string) (json.RawMessage, error) {
	var probe map[string]any
	if err := json.Unmarshal([]byte(arg), &probe); err != nil {
		return nil, fmt.Errorf("param must be a JSON object: %w", err)
	}
	return json.RawMessage(arg), nil
}

func printJson(cmd *cobra.Command, c *color.Color, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	c.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
