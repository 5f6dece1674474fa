package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ghalamif/calibflow"
)

func main() {
	cfg, err := calibflow.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	rt, err := calibflow.NewRuntime(cfg)
	if err != nil {
		log.Fatalf("open instruments: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("run ended: %v", err)
	}
}
