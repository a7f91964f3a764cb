// Package cmd wires the command line to the server.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rafaelvchaves/respkv/lib/ctxlog"
	"github.com/rafaelvchaves/respkv/lib/optional"
	"github.com/rafaelvchaves/respkv/redis"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	settings = redis.Settings{}
	logCfg   = ctxlog.Config{}

	// RootCmd starts the server.
	RootCmd = &cobra.Command{
		Use:   "respkv",
		Short: "in-memory key-value server speaking RESP",
		Long: fmt.Sprintf(`respkv (redis %s compatible subset)

An in-memory key-value server that speaks the Redis serialization protocol.
Flags can also be set through environment variables named RESPKV_<FLAG>
(e.g. RESPKV_REPLICAOF="127.0.0.1 6379"), including from .env files.`, redis.Version),
		SilenceUsage: true,
		PreRunE:      processConfig,
		RunE:         run,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	addFlags(RootCmd.Flags())
}

func addFlags(flags *pflag.FlagSet) {
	flags.String("host", "0.0.0.0", "address to listen on")
	flags.Int("port", 6379, "port to listen on")
	flags.String("replicaof", "", `leader to replicate from, as "<host> <port>"`)
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("metrics-addr", "", "address serving /metrics; empty disables it")
	flags.Int("rate-limit", 0, "commands per second accepted per connection; 0 disables the limit")
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("respkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// processConfig reads flags and environment variables into the server
// settings.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	logCfg.Level = viper.GetString("log-level")
	logCfg.Format = viper.GetString("log-format")

	settings.Host = viper.GetString("host")
	settings.Port = viper.GetInt("port")
	settings.MetricsAddr = viper.GetString("metrics-addr")
	settings.RateLimit = viper.GetInt("rate-limit")
	settings.ReplicaOf = optional.None[redis.Address]()
	if replicaOf := viper.GetString("replicaof"); replicaOf != "" {
		leader, err := redis.ParseReplicaOf(replicaOf)
		if err != nil {
			return err
		}
		settings.ReplicaOf = optional.Some(leader)
	}
	return settings.Validate()
}

func run(_ *cobra.Command, _ []string) error {
	ctxlog.Setup(logCfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := redis.NewServer(settings)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
