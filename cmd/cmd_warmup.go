package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/linkhub/linkhub/core"
	"github.com/linkhub/linkhub/serv"
	"github.com/spf13/cobra"
)

var warmupLimit int

var errWarmupNeedsRedis = errors.New("warmup needs Redis; entries in the in-memory store are lost when the command exits")

func warmupCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "warmup",
		Short: "Warm the profile cache once and exit",
		Long: `Load the most viewed profiles of the warmup window into the Redis cache.
Fails when Redis is not configured or unreachable. Prints the result as JSON.`,
		Run: cmdWarmup,
	}
	c.Flags().IntVar(&warmupLimit, "limit", 0, "number of profiles to warm (defaults to warmup.limit)")
	return c
}

func cmdWarmup(cmd *cobra.Command, args []string) {
	setup(cpath)

	s, err := serv.NewService(conf, serv.OptionSetLogOutput(os.Stderr))
	if err != nil {
		fatalInit("failed to initialize service", err)
	}

	res, err := warmOnce(context.Background(), s, warmupLimit)
	s.Shutdown(context.Background()) //nolint:errcheck
	if err != nil {
		fatalInit("warmup failed", err)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}

// warmOnce runs one warmup against a shared store
func warmOnce(ctx context.Context, s *serv.Service, limit int) (core.WarmupResult, error) {
	if s.StoreKind() != serv.StoreRedis {
		return core.WarmupResult{}, errWarmupNeedsRedis
	}
	return s.Warmer().RunLimit(ctx, limit)
}
