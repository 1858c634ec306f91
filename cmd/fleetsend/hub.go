package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fleetsend/fleetsend/hub"
	"github.com/fleetsend/fleetsend/internal/hub/config"
)

func runHub(args []string) error {
	fs := flag.NewFlagSet("hub", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (default from FLEETSEND_ADDR or :4501)")
	dataDir := fs.String("data-dir", "", "data directory (default from FLEETSEND_DATA_DIR)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*addr, *dataDir)
	if err != nil {
		return err
	}

	server, err := hub.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
