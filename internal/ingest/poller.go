package ingest

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Poller drains the message source on a fixed interval, fanning each batch
// out to a bounded number of concurrent pipeline runs. Concurrent runs over
// the same message are safe: the idempotency gate lets exactly one win.
type Poller struct {
	source    MessageSource
	processor *Processor
	batchSize int
	interval  time.Duration
	workers   int
}

func NewPoller(source MessageSource, processor *Processor, batchSize int, interval time.Duration, workers int) *Poller {
	if workers < 1 {
		workers = 1
	}
	return &Poller{
		source:    source,
		processor: processor,
		batchSize: batchSize,
		interval:  interval,
		workers:   workers,
	}
}

// Run polls until the context is canceled. A zero interval means one
// drain pass and return, which is what the tests and one-shot runs use.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return p.drain(ctx)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if err := p.drain(ctx); err != nil {
		log.Printf("Poll failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.drain(ctx); err != nil {
				log.Printf("Poll failed: %v", err)
			}
		}
	}
}

func (p *Poller) drain(ctx context.Context) error {
	batch, err := p.source.Fetch(ctx, p.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	log.Printf("Fetched %d messages", len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, in := range batch {
		in := in
		g.Go(func() error {
			if _, err := p.processor.Process(gctx, in); err != nil {
				// Processing errors are per-message; log and move on so one
				// bad message cannot wedge the batch.
				log.Printf("Failed to process message %s: %v", in.ExternalID, err)
				return nil
			}
			if err := p.source.Ack(gctx, in.ExternalID); err != nil {
				log.Printf("Failed to ack message %s: %v", in.ExternalID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
