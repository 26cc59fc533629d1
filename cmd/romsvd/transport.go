package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/yyyoichi/romsvd/comm"
	"github.com/yyyoichi/romsvd/comm/natscomm"
	"github.com/yyyoichi/romsvd/internal/config"
	"golang.org/x/sync/errgroup"
)

type workerFunc func(ctx context.Context, c comm.Communicator) error

// runWorkers runs fn once per worker this process hosts and waits for all of
// them.
func runWorkers(ctx context.Context, cfg config.TransportConfig, workers int, fn workerFunc) error {
	switch {
	case cfg.Kind == "local":
		members, err := comm.NewGroup(workers)
		if err != nil {
			return err
		}
		eg, ctx := errgroup.WithContext(ctx)
		for _, c := range members {
			eg.Go(func() error { return fn(ctx, c) })
		}
		return eg.Wait()

	case cfg.Embedded:
		ns, err := natscomm.StartEmbedded(nil, 0)
		if err != nil {
			return err
		}
		defer ns.Shutdown()
		eg, ctx := errgroup.WithContext(ctx)
		for rank := range workers {
			eg.Go(func() error {
				return joinAndRun(ctx, ns.ClientURL(), cfg, rank, workers, fn)
			})
		}
		return eg.Wait()

	default:
		return joinAndRun(ctx, cfg.URL, cfg, cfg.Rank, workers, fn)
	}
}

func joinAndRun(ctx context.Context, url string, cfg config.TransportConfig, rank, size int, fn workerFunc) error {
	nc, err := nats.Connect(url, nats.Name(fmt.Sprintf("romsvd-%s-%d", cfg.Group, rank)))
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer nc.Close()

	jctx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	c, err := natscomm.Join(jctx, nc, natscomm.Config{Group: cfg.Group, Rank: rank, Size: size})
	cancel()
	if err != nil {
		return fmt.Errorf("join group %s as rank %d: %w", cfg.Group, rank, err)
	}
	defer c.Close()
	return fn(ctx, c)
}
