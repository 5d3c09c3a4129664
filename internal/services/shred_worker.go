package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Cohort/internal/queue"
)

// ShredWorkerPool feeds queued tasks to a fixed number of shredder workers.
// Tasks for different rows run in parallel; the shredder's row locks and
// status guard keep a single row to one worker.
type ShredWorkerPool struct {
	queue         queue.Queue
	shredder      *ResponseShredder
	workers       int
	sweepInterval time.Duration
	logger        *zap.Logger
}

func NewShredWorkerPool(q queue.Queue, shredder *ResponseShredder, workers int, sweepInterval time.Duration, logger *zap.Logger) *ShredWorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShredWorkerPool{queue: q, shredder: shredder, workers: workers, sweepInterval: sweepInterval, logger: logger}
}

// Run blocks until ctx is cancelled and all in-flight tasks have finished.
func (p *ShredWorkerPool) Run(ctx context.Context) error {
	if n, err := p.shredder.Recover(ctx); err != nil {
		p.logger.Error("startup recovery failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("re-enqueued pending responses", zap.Int("count", n))
	}

	tasks := make(chan queue.Task)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for t := range tasks {
				p.handle(ctx, worker, t)
			}
		}(i)
	}

	if p.sweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.sweep(ctx)
		}()
	}

	p.logger.Info("shred worker pool started", zap.Int("workers", p.workers))
	p.receive(ctx, tasks)
	close(tasks)
	wg.Wait()
	p.logger.Info("shred worker pool stopped")
	return nil
}

func (p *ShredWorkerPool) receive(ctx context.Context, tasks chan<- queue.Task) {
	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Error("failed to receive shred tasks", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		for _, t := range batch {
			select {
			case tasks <- t:
			case <-ctx.Done():
				// Dropped tasks leave their rows Pending for the startup sweep.
				return
			}
		}
	}
}

func (p *ShredWorkerPool) handle(ctx context.Context, worker int, t queue.Task) {
	// Finish the task even if shutdown started; Process never blocks on I/O
	// beyond the stores.
	taskCtx := context.WithoutCancel(ctx)
	actor := t.Actor
	if actor == "" {
		actor = "shredder"
	}
	if err := p.shredder.Process(taskCtx, t.RowID, actor); err != nil {
		p.logger.Error("failed to process response",
			zap.Int("worker", worker),
			zap.Int64("row_id", t.RowID),
			zap.Error(err),
		)
		// Ack anyway: the stream never redelivers a pending entry, and the
		// row is still Pending or leased, so the recovery sweep retries it.
	}
	if err := p.queue.Ack(taskCtx, t); err != nil {
		p.logger.Warn("failed to ack shred task", zap.Int64("row_id", t.RowID), zap.Error(err))
	}
}

func (p *ShredWorkerPool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.shredder.RecoverOlderThan(ctx, p.sweepInterval); err != nil {
				p.logger.Error("recovery sweep failed", zap.Error(err))
			}
		}
	}
}
