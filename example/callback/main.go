package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/calibflow/pkg/calibflow"
)

func main() {
	cfg, err := calibflow.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	callback := func(batch []*calibflow.Sample) error {
		for _, s := range batch {
			fmt.Printf("%s cycle=%d logger=%+v bath=%+v mux=%v\n",
				s.Timestamp.Format(time.RFC3339Nano),
				s.CycleIndex,
				s.Logger,
				s.BathInternal,
				s.Mux,
			)
		}
		return nil
	}

	rt, err := calibflow.NewRuntime(cfg, calibflow.WithSink(calibflow.NewCallbackSink("stdout", callback)))
	if err != nil {
		log.Fatalf("open instruments: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("run ended: %v", err)
	}
}
