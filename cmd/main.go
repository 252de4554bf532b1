// Main package for the LinkHub cache service CLI
package main

import (
	"os"

	"github.com/linkhub/linkhub/serv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfig = "./config/dev.yml"

var (
	log   *zap.SugaredLogger
	conf  *serv.Config
	cpath string
)

func main() {
	log = serv.NewLogger(serv.DefaultConfig(), os.Stderr).Sugar()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "linkhub",
		Short: "LinkHub cache, warmup and rate limiting service",
		Long: `LinkHub serves public profiles and creator analytics through a
read-through cache backed by Redis (or an in-memory fallback).`,
		SilenceUsage: true,
	}

	c.PersistentFlags().StringVar(&cpath, "config", defaultConfig, "path to the config file")

	c.AddCommand(serveCmd())
	c.AddCommand(warmupCmd())
	c.AddCommand(checkCmd())
	return c
}

// setup loads the config and rebuilds the CLI logger from it
func setup(cpath string) {
	c, err := serv.ReadInConfig(cpath)
	if err != nil {
		log.Fatalf("failed to read config: %s", err)
	}
	conf = c
	log = serv.NewLogger(conf, os.Stderr).Sugar()
}

func fatalInit(what string, err error) {
	log.Fatalf("%s: %s", what, err)
}
