package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/calibflow"
)

func main() {
	cfg, err := calibflow.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sink, batches, closeBatches := calibflow.NewChannelSink("fanout", 32)
	defer closeBatches()

	go fanoutWorker("plot", batches)

	rt, err := calibflow.NewRuntime(cfg, calibflow.WithSink(sink))
	if err != nil {
		log.Fatalf("open instruments: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("run ended: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []*calibflow.Sample) {
	for batch := range batches {
		last := batch[len(batch)-1]
		fmt.Printf("[%s] %d samples up to cycle %d at %s\n", name, len(batch), last.CycleIndex, time.Now().Format(time.RFC3339))
	}
}
