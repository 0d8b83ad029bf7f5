package processor

import (
	"context"
	"time"
)

// Run processes batches every interval until ctx is cancelled. A full batch
// is followed immediately by another one so a backlog drains without
// waiting for the ticker. The batch in flight when ctx is cancelled runs to
// completion.
func (p *EventProcessor) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "processor started", "batch_size", batchSize, "interval", interval, "concurrency", p.concurrency)
	for {
		p.drain(ctx, batchSize)

		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "processor stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *EventProcessor) drain(ctx context.Context, batchSize int) {
	for ctx.Err() == nil {
		result, err := p.RunBatch(context.WithoutCancel(ctx), batchSize)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to fetch events", "error", err)
			return
		}
		if result.Claimed < batchSize {
			return
		}
	}
}
