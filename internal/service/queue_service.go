package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"textdetect-service/internal/logger"
	"textdetect-service/internal/metrics"
)

var (
	// ErrDeliveryGone means the delivery record expired or was acked elsewhere.
	ErrDeliveryGone = errors.New("delivery not found")
	// ErrNotInFlight means the delivery was already settled, usually by the reaper.
	ErrNotInFlight = errors.New("delivery not in flight")

	errAttemptTimeout = errors.New("attempt timed out")
)

// RetryPolicy is recorded on every delivery at enqueue time.
type RetryPolicy struct {
	// MaxRetries is how many times a failed attempt is redelivered.
	MaxRetries int
	// Intervals[i] is the wait before retry i+1; the last value repeats.
	Intervals  []time.Duration
	Timeout    time.Duration
	FailureTTL time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Intervals:  []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
		Timeout:    600 * time.Second,
		FailureTTL: 86400 * time.Second,
	}
}

// Backoff is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if len(p.Intervals) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Intervals) {
		i = len(p.Intervals) - 1
	}
	return p.Intervals[i]
}

// Delivery is one attempt at running a job.
type Delivery struct {
	Handle    string
	JobID     string
	Attempt   int
	Policy    RetryPolicy
	StartedAt time.Time
	LastError string
}

// Final reports whether a failure of this attempt exhausts the retries.
func (d *Delivery) Final() bool {
	return d.Attempt > d.Policy.MaxRetries
}

func (d *Delivery) Deadline() time.Time {
	return d.StartedAt.Add(d.Policy.Timeout)
}

// FailedDelivery is a dead delivery kept for inspection.
type FailedDelivery struct {
	Delivery
	FailedAt time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string) (string, error)
	Claim(ctx context.Context, wait time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, cause error, retryable bool) error
	ReapExpired(ctx context.Context) (ReapResult, error)
	PurgeFailed(ctx context.Context) (int64, error)
}

// DeadLetters is the inspection/replay side of the broker.
type DeadLetters interface {
	Failed(ctx context.Context, limit int64) ([]FailedDelivery, error)
	Replay(ctx context.Context, handle string) error
}

// RedisBroker is a reliable queue over Redis lists:
//
//	Claim:  RPOP queue, HINCRBY attempt, LPUSH processing
//	Ack:    LREM processing, DEL delivery record
//	Nack:   LREM processing, ZADD delayed (retry) or ZADD failed (dead)
//
// Each step is one Lua script. Ack and Nack only apply when the attempt they
// carry is still the delivery's current attempt. Delayed entries are promoted
// back into the queue by Claim once due. Every delivery keeps its state in a
// hash under delivery:<handle>.
type RedisBroker struct {
	rdb    *redis.Client
	policy RetryPolicy
	now    func() time.Time
	poll   time.Duration

	queueKey      string
	processingKey string
	delayedKey    string
	failedKey     string
	deliveryKey   string
}

type BrokerOption func(*RedisBroker)

func WithPolicy(p RetryPolicy) BrokerOption {
	return func(b *RedisBroker) { b.policy = p }
}

func WithClock(now func() time.Time) BrokerOption {
	return func(b *RedisBroker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithPollInterval sets how often Claim looks for work while waiting.
func WithPollInterval(d time.Duration) BrokerOption {
	return func(b *RedisBroker) {
		if d > 0 {
			b.poll = d
		}
	}
}

func NewRedisBroker(rdb *redis.Client, prefix string, opts ...BrokerOption) *RedisBroker {
	if prefix == "" {
		prefix = "jobs"
	}
	b := &RedisBroker{
		rdb:           rdb,
		policy:        DefaultRetryPolicy(),
		now:           time.Now,
		poll:          200 * time.Millisecond,
		queueKey:      prefix + ":queue",
		processingKey: prefix + ":processing",
		delayedKey:    prefix + ":delayed",
		failedKey:     prefix + ":failed",
		deliveryKey:   prefix + ":delivery:",
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (q *RedisBroker) key(handle string) string {
	return q.deliveryKey + handle
}

// Enqueue schedules jobID for execution and returns the delivery handle.
func (q *RedisBroker) Enqueue(ctx context.Context, jobID string) (string, error) {
	handle := uuid.NewString()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key(handle), map[string]any{
		"job_id":        jobID,
		"attempt":       0,
		"max_retries":   q.policy.MaxRetries,
		"intervals_ms":  formatIntervals(q.policy.Intervals),
		"timeout_ms":    q.policy.Timeout.Milliseconds(),
		"failure_ttl_s": int64(q.policy.FailureTTL / time.Second),
		"enqueued_at":   q.now().UnixMilli(),
	})
	pipe.LPush(ctx, q.queueKey, handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return handle, nil
}

// Policy returns the retry policy recorded for a delivery.
func (q *RedisBroker) Policy(ctx context.Context, handle string) (RetryPolicy, error) {
	d, err := q.load(ctx, handle)
	if err != nil {
		return RetryPolicy{}, err
	}
	return d.Policy, nil
}

// Claim promotes due retries, then takes the next delivery, polling for up to
// wait. It returns redis.Nil when nothing arrived in time.
//
// The pop, the attempt increment and the started_at stamp happen in one
// script, so an entry in the processing list always carries its attempt.
func (q *RedisBroker) Claim(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		handle, attempt, err := q.claimNext(ctx)
		switch {
		case err == nil && attempt == 0:
			// record expired while queued; the handle was dropped
			continue
		case err == nil:
			d, err := q.load(ctx, handle)
			if err != nil {
				return nil, err
			}
			d.Attempt = attempt
			return d, nil
		case !errors.Is(err, redis.Nil):
			return nil, err
		}

		left := time.Until(deadline)
		if left <= 0 {
			return nil, redis.Nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(q.poll, left)):
		}
	}
}

func (q *RedisBroker) claimNext(ctx context.Context) (string, int, error) {
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.queueKey, q.processingKey, q.delayedKey},
		q.now().UnixMilli(), q.deliveryKey,
	).Slice()
	if err != nil {
		return "", 0, err
	}
	if len(res) != 2 {
		return "", 0, fmt.Errorf("claim: unexpected reply %v", res)
	}
	handle, _ := res[0].(string)
	attempt, _ := res[1].(int64)
	return handle, int(attempt), nil
}

// Ack settles a successful attempt. It fails with ErrNotInFlight when d is
// not the current attempt of its delivery, e.g. after the reaper handed it on.
func (q *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	ok, err := ackScript.Run(ctx, q.rdb,
		[]string{q.processingKey, q.key(d.Handle)},
		d.Handle, d.Attempt,
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotInFlight
	}
	return nil
}

// Nack settles a failed attempt: a retryable failure with retries left goes to
// the delayed set, anything else to the failed set for FailureTTL. Like Ack it
// only settles the current attempt.
func (q *RedisBroker) Nack(ctx context.Context, d *Delivery, cause error, retryable bool) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := q.now()
	dead := !retryable || d.Final()

	score := now
	var delay time.Duration
	if !dead {
		delay = d.Policy.Backoff(d.Attempt)
		score = now.Add(delay)
	}
	ttl := d.Policy.FailureTTL
	if ttl <= 0 {
		ttl = q.policy.FailureTTL
	}
	deadFlag := 0
	if dead {
		deadFlag = 1
	}

	ok, err := nackScript.Run(ctx, q.rdb,
		[]string{q.processingKey, q.key(d.Handle), q.delayedKey, q.failedKey},
		d.Handle, d.Attempt, msg, deadFlag, score.UnixMilli(), int64(ttl/time.Second),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotInFlight
	}

	log := logger.WithJobID(d.JobID)
	if !dead {
		metrics.DeliveriesRetriedTotal.Inc()
		log.Info().
			Str("handle", d.Handle).
			Int("attempt", d.Attempt).
			Dur("backoff", delay).
			Str("error", msg).
			Msg("delivery scheduled for retry")
		return nil
	}

	metrics.DeliveriesDeadTotal.Inc()
	log.Warn().
		Str("handle", d.Handle).
		Int("attempt", d.Attempt).
		Bool("retryable", retryable).
		Str("error", msg).
		Msg("delivery moved to failed set")
	return nil
}

// ReapResult reports what ReapExpired did. Dead holds the expired attempts
// that had no retries left and went to the failed set.
type ReapResult struct {
	Retried int
	Dead    []*Delivery
}

func (r ReapResult) Total() int {
	return r.Retried + len(r.Dead)
}

// ReapExpired fails in-flight attempts past their timeout, e.g. after a
// worker crash, so they are retried like any other transient failure.
//
// An entry without started_at was moved into processing outside Claim. It
// gets one timeout counted from the first reap that sees it.
func (q *RedisBroker) ReapExpired(ctx context.Context) (ReapResult, error) {
	var res ReapResult

	handles, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return res, err
	}

	now := q.now()
	for _, h := range handles {
		d, err := q.load(ctx, h)
		if errors.Is(err, ErrDeliveryGone) {
			_ = q.rdb.LRem(ctx, q.processingKey, 1, h).Err()
			continue
		}
		if err != nil {
			return res, err
		}

		started := d.StartedAt
		if started.IsZero() {
			started, err = q.orphanSince(ctx, h, now)
			if err != nil {
				return res, err
			}
		}
		if !now.After(started.Add(d.Policy.Timeout)) {
			continue
		}

		if err := q.Nack(ctx, d, errAttemptTimeout, true); err != nil {
			if errors.Is(err, ErrNotInFlight) {
				continue
			}
			return res, err
		}
		if d.Final() {
			res.Dead = append(res.Dead, d)
		} else {
			res.Retried++
		}
	}
	return res, nil
}

func (q *RedisBroker) orphanSince(ctx context.Context, handle string, now time.Time) (time.Time, error) {
	if err := q.rdb.HSetNX(ctx, q.key(handle), "orphaned_at", now.UnixMilli()).Err(); err != nil {
		return time.Time{}, err
	}
	ms, err := q.rdb.HGet(ctx, q.key(handle), "orphaned_at").Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Failed lists dead deliveries, newest first.
func (q *RedisBroker) Failed(ctx context.Context, limit int64) ([]FailedDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.rdb.ZRevRangeWithScores(ctx, q.failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]FailedDelivery, 0, len(entries))
	for _, z := range entries {
		handle, _ := z.Member.(string)
		d, err := q.load(ctx, handle)
		if errors.Is(err, ErrDeliveryGone) {
			// record expired with its TTL
			_ = q.rdb.ZRem(ctx, q.failedKey, handle).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, FailedDelivery{Delivery: *d, FailedAt: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}

// Replay puts a dead delivery back on the queue with a fresh attempt count.
func (q *RedisBroker) Replay(ctx context.Context, handle string) error {
	removed, err := q.rdb.ZRem(ctx, q.failedKey, handle).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrDeliveryGone
	}
	if _, err := q.load(ctx, handle); err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.Persist(ctx, q.key(handle))
	pipe.HSet(ctx, q.key(handle), "attempt", 0)
	pipe.HDel(ctx, q.key(handle), "started_at", "orphaned_at")
	pipe.LPush(ctx, q.queueKey, handle)
	_, err = pipe.Exec(ctx)
	return err
}

// PurgeFailed drops failed-set entries older than the retention window.
func (q *RedisBroker) PurgeFailed(ctx context.Context) (int64, error) {
	cutoff := q.now().Add(-q.policy.FailureTTL).UnixMilli()
	return q.rdb.ZRemRangeByScore(ctx, q.failedKey, "-inf", strconv.FormatInt(cutoff, 10)).Result()
}

func (q *RedisBroker) load(ctx context.Context, handle string) (*Delivery, error) {
	fields, err := q.rdb.HGetAll(ctx, q.key(handle)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields["job_id"] == "" {
		return nil, ErrDeliveryGone
	}

	d := &Delivery{
		Handle:    handle,
		JobID:     fields["job_id"],
		Attempt:   atoi(fields["attempt"]),
		LastError: fields["last_error"],
		Policy: RetryPolicy{
			MaxRetries: atoi(fields["max_retries"]),
			Intervals:  parseIntervals(fields["intervals_ms"]),
			Timeout:    time.Duration(atoi64(fields["timeout_ms"])) * time.Millisecond,
			FailureTTL: time.Duration(atoi64(fields["failure_ttl_s"])) * time.Second,
		},
	}
	if ms := atoi64(fields["started_at"]); ms > 0 {
		d.StartedAt = time.UnixMilli(ms)
	}
	return d, nil
}

func formatIntervals(ds []time.Duration) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = strconv.FormatInt(d.Milliseconds(), 10)
	}
	return strings.Join(parts, ",")
}

func parseIntervals(s string) []time.Duration {
	if s == "" {
		return nil
	}
	var out []time.Duration
	for _, p := range strings.Split(s, ",") {
		out = append(out, time.Duration(atoi64(p))*time.Millisecond)
	}
	return out
}

func atoi(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}

func atoi64(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}
