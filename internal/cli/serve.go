package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"outlineserver/internal/server"
)

func newServeCommand() *cobra.Command {
	config := server.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve outlines to websocket clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := resolveConfig(cmd.Flags(), config)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := server.New(ctx, config)
			if err != nil {
				return err
			}
			defer s.Close()
			glog.Infof("[serve]version %s db=%q redis=%q\n", server.Version, config.DatabaseURL, config.RedisAddr)
			return s.Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&config.Addr, "addr", config.Addr, "listen address")
	flags.StringVar(&config.DatabaseURL, "db", config.DatabaseURL, "SQLite path or postgres:// URL, empty to disable")
	flags.StringVar(&config.RedisAddr, "redis", "", "Redis address for relaying broadcasts")
	flags.StringVar(&config.RedisChannel, "redis-channel", "", "Redis channel name")
	flags.StringVar(&config.AuthSecret, "secret", "", "HMAC secret for bearer tokens")
	flags.DurationVar(&config.IdleInterval, "idle", config.IdleInterval, "external file check interval")
	flags.DurationVar(&config.AnswerTTL, "answer-ttl", config.AnswerTTL, "how long a yes-all or no-all answer is remembered")
	flags.BoolVar(&config.Advertise, "advertise", false, "advertise over mDNS")
	flags.StringVar(&config.Instance, "instance", "", "mDNS instance name")
	return cmd
}

// resolveConfig lets the environment fill settings not given as flags.
func resolveConfig(flags *pflag.FlagSet, config server.Config) server.Config {
	env := config
	env.ApplyEnv()
	if !flags.Changed("addr") {
		config.Addr = env.Addr
	}
	if !flags.Changed("db") {
		config.DatabaseURL = env.DatabaseURL
	}
	if !flags.Changed("redis") {
		config.RedisAddr = env.RedisAddr
	}
	if !flags.Changed("secret") {
		config.AuthSecret = env.AuthSecret
	}
	return config
}
