package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/linkhub/linkhub/serv"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the LinkHub HTTP API. The cache warmer runs on its schedule when
warmup is enabled (the default in production).`,
		Run: cmdServe,
	}
}

func cmdServe(cmd *cobra.Command, args []string) {
	setup(cpath)

	s, err := serv.NewService(conf)
	if err != nil {
		fatalInit("failed to initialize service", err)
	}

	idle := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		log.Info("shutting down")
		if err := s.Shutdown(context.Background()); err != nil {
			log.Errorf("shutdown: %s", err)
		}
		close(idle)
	}()

	if err := s.Start(); err != nil {
		fatalInit("failed to start service", err)
	}
	<-idle
}
