package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"textdetect-service/internal/logger"
	"textdetect-service/internal/metrics"
	"textdetect-service/internal/service"
)

type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimWait  time.Duration
	errBackoff time.Duration
}

func NewPool(queue service.Queue, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimWait:  5 * time.Second,
		errBackoff: time.Second,
	}
}

// Run claims deliveries and hands them to the workers until ctx is done.
// Each worker runs one job at a time, start to finish.
func (p *Pool) Run(ctx context.Context) {
	logger.Logger.Info().Int("workers", p.workers).Msg("worker pool started")
	metrics.ActiveWorkers.Set(float64(p.workers))
	defer metrics.ActiveWorkers.Set(0)

	jobCh := make(chan *service.Delivery)
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for d := range jobCh {
				p.handle(ctx, n, d)
			}
		}(i + 1)
	}

	defer func() {
		close(jobCh)
		wg.Wait()
		logger.Logger.Info().Msg("worker pool stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, err := p.queue.Claim(ctx, p.claimWait)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Logger.Error().Err(err).Msg("claim delivery")
			select {
			case <-time.After(p.errBackoff):
			case <-ctx.Done():
			}
			continue
		}

		select {
		case jobCh <- d:
		case <-ctx.Done():
			// left in flight; the reaper hands it back after the timeout
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, n int, d *service.Delivery) {
	attemptCtx := ctx
	if d.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.Policy.Timeout)
		defer cancel()
	}

	err := p.processor.Process(attemptCtx, Attempt{
		JobID:  d.JobID,
		Number: d.Attempt,
		Final:  d.Final(),
	})

	// settle even when shutting down, so the delivery does not wait for the reaper
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	log := logger.WithJobID(d.JobID)
	if err == nil {
		if ackErr := p.queue.Ack(settleCtx, d); ackErr != nil {
			log.Error().Int("worker", n).Err(ackErr).Msg("ack delivery")
		}
		return
	}

	log.Error().Int("worker", n).Int("attempt", d.Attempt).Err(err).Msg("process job")
	if nackErr := p.queue.Nack(settleCtx, d, err, IsRetryable(err)); nackErr != nil {
		log.Error().Int("worker", n).Err(nackErr).Msg("nack delivery")
	}
}

// RunReaper periodically expires timed-out attempts and purges old failures.
func (p *Pool) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap(ctx)
		}
	}
}

// Reap runs one reaper pass. Jobs whose last attempt expired are marked
// FAILED, since no worker is left to do it.
func (p *Pool) Reap(ctx context.Context) {
	res, err := p.queue.ReapExpired(ctx)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("reap expired attempts")
	}
	if n := res.Total(); n > 0 {
		logger.Logger.Info().Int("count", n).Int("dead", len(res.Dead)).Msg("expired attempts handed back")
	}
	for _, d := range res.Dead {
		cause := fmt.Errorf("attempt %d expired after %s", d.Attempt, d.Policy.Timeout)
		if err := p.processor.Abandon(ctx, d.JobID, cause); err != nil {
			logger.WithJobID(d.JobID).Error().Err(err).Msg("mark abandoned job failed")
		}
	}

	purged, err := p.queue.PurgeFailed(ctx)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("purge failed deliveries")
	} else if purged > 0 {
		logger.Logger.Info().Int64("count", purged).Msg("failed deliveries purged")
	}
}
