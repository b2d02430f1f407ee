// Package queue is the durable, at-least-once job queue backing the delivery
// pipeline. Jobs live in Redis: a pending list feeding workers, an active
// list holding claimed jobs, a delayed sorted set for retry backoff, and one
// hash per job carrying payload and state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"CertMailer/internal/models"
)

const (
	keyPending = "jobs:pending"
	keyActive  = "jobs:active"
	keyDelayed = "jobs:delayed"
)

func jobKey(id string) string { return "job:" + id }

// ErrUnavailable wraps infrastructure failures at the queue boundary. Jobs
// are never lost to it: an unreported job stays claimable.
var ErrUnavailable = errors.New("queue: unavailable")

// ErrJobNotFound is returned for ids whose job hash no longer exists
// (expired past retention or never enqueued).
var ErrJobNotFound = errors.New("queue: job not found")

// ErrJobMalformed is returned for ids whose job hash exists but whose
// payload cannot be parsed. Like a missing job, a malformed one is skipped
// by status queries rather than surfaced.
var ErrJobMalformed = errors.New("queue: job malformed")

// Outcome classifies a finished attempt. Requeue is the no-attempt outcome:
// the dispatch never started (limiter unreachable or shutdown), so the job
// goes back to pending without being charged an attempt.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	FatalFailure
	Requeue
)

type Queue struct {
	rdb         *redis.Client
	log         *zap.Logger
	maxAttempts int
	backoffBase time.Duration
	retention   time.Duration
}

// New builds a queue client. maxAttempts bounds retries per job, backoffBase
// seeds the exponential retry delay, retention is how long terminal job
// hashes stay readable for status queries.
func New(rdb *redis.Client, log *zap.Logger, maxAttempts int, backoffBase, retention time.Duration) *Queue {
	return &Queue{
		rdb:         rdb,
		log:         log,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		retention:   retention,
	}
}

// EnqueueBulk makes all jobs durable and visible to consumers in a single
// MULTI/EXEC round trip; consumers never observe a partial batch. Transient
// Redis errors are retried before surfacing as ErrUnavailable.
func (q *Queue) EnqueueBulk(ctx context.Context, specs []models.JobSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(specs))
	payloads := make([][]byte, len(specs))
	for i, spec := range specs {
		ids[i] = uuid.NewString()
		b, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal job payload: %w", err)
		}
		payloads[i] = b
	}

	op := func() error {
		pipe := q.rdb.TxPipeline()
		for i, id := range ids {
			pipe.HSet(ctx, jobKey(id), map[string]interface{}{
				"payload":  payloads[i],
				"state":    string(models.StateQueued),
				"attempts": 0,
			})
			pipe.Expire(ctx, jobKey(id), q.retention)
		}
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.RPush(ctx, keyPending, members...)
		_, err := pipe.Exec(ctx)
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// Dequeue blocks until a job is available or ctx is cancelled. The atomic
// pending->active move is the sole mutual-exclusion point: a job lands in
// exactly one worker. The attempt counter increments on claim.
func (q *Queue) Dequeue(ctx context.Context) (*models.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, err := q.rdb.BLMove(ctx, keyPending, keyActive, "LEFT", "RIGHT", 2*time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: dequeue: %v", ErrUnavailable, err)
		}

		job, err := q.claim(ctx, id)
		if errors.Is(err, ErrJobMalformed) {
			// The payload can never execute; park it as failed so it does
			// not linger unowned in the active list.
			q.quarantine(ctx, id, err)
			continue
		}
		if err != nil {
			// Claim failed on infrastructure; hand the id back so a later
			// dequeue can claim it instead of leaving it unowned.
			q.handBack(ctx, id)
			return nil, err
		}
		if job == nil {
			// Hash expired while the id sat in the list; drop the stale id.
			q.rdb.LRem(ctx, keyActive, 1, id)
			continue
		}
		return job, nil
	}
}

func (q *Queue) claim(ctx context.Context, id string) (*models.Job, error) {
	pipe := q.rdb.TxPipeline()
	exists := pipe.Exists(ctx, jobKey(id))
	attempts := pipe.HIncrBy(ctx, jobKey(id), "attempts", 1)
	pipe.HSet(ctx, jobKey(id), "state", string(models.StateActive))
	fields := pipe.HGetAll(ctx, jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, id, err)
	}
	if exists.Val() == 0 {
		// HIncrBy resurrected an empty hash; clean it up.
		q.rdb.Del(ctx, jobKey(id))
		return nil, nil
	}

	job, err := parseJob(id, fields.Val())
	if err != nil {
		return nil, err
	}
	job.State = models.StateActive
	job.Attempts = int(attempts.Val())
	return job, nil
}

// ReportOutcome records an attempt's result and drives the state machine:
// success and fatal failure are terminal; a retryable failure schedules the
// job into the delayed set with delay backoffBase * 2^(attempt-1), until the
// attempt cap turns it into a terminal failure; a requeue hands the job back
// to pending and refunds the attempt the claim charged. Terminal hashes keep
// their retention TTL so status queries still resolve them; completed jobs
// leave the working set immediately.
//
// The returned Outcome is what was actually applied, which differs from the
// reported one when retry exhaustion converts a retryable failure into a
// terminal one. Callers log and count from the applied outcome.
func (q *Queue) ReportOutcome(ctx context.Context, job *models.Job, outcome Outcome, reason string) (Outcome, error) {
	now := time.Now()

	if outcome == RetryableFailure && job.Attempts >= q.maxAttempts {
		outcome = FatalFailure
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyActive, 1, job.ID)

	switch outcome {
	case Success:
		pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
			"state":       string(models.StateCompleted),
			"finished_on": now.UnixMilli(),
		})
	case FatalFailure:
		pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
			"state":         string(models.StateFailed),
			"failed_reason": reason,
			"finished_on":   now.UnixMilli(),
		})
	case RetryableFailure:
		delay := q.backoffBase << uint(job.Attempts-1)
		readyAt := now.Add(delay)
		pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
			"state":         string(models.StateDelayed),
			"failed_reason": reason,
		})
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	case Requeue:
		pipe.HSet(ctx, jobKey(job.ID), "state", string(models.StateQueued))
		pipe.HIncrBy(ctx, jobKey(job.ID), "attempts", -1)
		pipe.RPush(ctx, keyPending, job.ID)
	}

	pipe.Expire(ctx, jobKey(job.ID), q.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return outcome, fmt.Errorf("%w: report outcome %s: %v", ErrUnavailable, job.ID, err)
	}
	return outcome, nil
}

// quarantine parks a job whose payload cannot be parsed as terminally
// failed. It would fail the same way on every claim, so it leaves the
// working set immediately; status queries omit it like a missing job.
func (q *Queue) quarantine(ctx context.Context, id string, cause error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	pipe := q.rdb.TxPipeline()
	pipe.LRem(qctx, keyActive, 1, id)
	pipe.HSet(qctx, jobKey(id), map[string]interface{}{
		"state":         string(models.StateFailed),
		"failed_reason": cause.Error(),
		"finished_on":   time.Now().UnixMilli(),
	})
	pipe.Expire(qctx, jobKey(id), q.retention)
	if _, err := pipe.Exec(qctx); err != nil {
		q.log.Warn("failed to quarantine malformed job",
			zap.String("job_id", id),
			zap.Error(err),
		)
	}
}

// handBack returns an id whose claim failed to the front of the pending
// list. Detached from ctx so a shutdown-cancelled claim still restores the
// job instead of stranding it in the active list.
func (q *Queue) handBack(ctx context.Context, id string) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	pipe := q.rdb.TxPipeline()
	pipe.LRem(hctx, keyActive, 1, id)
	pipe.LPush(hctx, keyPending, id)
	if _, err := pipe.Exec(hctx); err != nil {
		q.log.Warn("failed to hand back unclaimed job",
			zap.String("job_id", id),
			zap.Error(err),
		)
	}
}

// PromoteDue moves delayed jobs whose backoff has elapsed back to pending.
// The ZRem return value guards against a concurrent promoter in another
// process pushing the same id twice.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: promote: %v", ErrUnavailable, err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("%w: promote %s: %v", ErrUnavailable, id, err)
		}
		if removed == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "state", string(models.StateQueued))
		pipe.RPush(ctx, keyPending, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("%w: promote %s: %v", ErrUnavailable, id, err)
		}
		promoted++
	}
	return promoted, nil
}

// RunPromoter drives PromoteDue on a ticker until ctx is cancelled.
func (q *Queue) RunPromoter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn("delayed job promotion failed", zap.Error(err))
			}
		}
	}
}

// GetState returns a job's current state.
func (q *Queue) GetState(ctx context.Context, id string) (models.JobState, error) {
	s, err := q.rdb.HGet(ctx, jobKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get state %s: %v", ErrUnavailable, id, err)
	}
	return models.JobState(s), nil
}

// StatusView projects a job into the read-only shape returned by batch
// status queries. Delayed reads as queued.
func (q *Queue) StatusView(ctx context.Context, id string) (*models.JobStatusView, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: status %s: %v", ErrUnavailable, id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job, err := parseJob(id, fields)
	if err != nil {
		return nil, err
	}

	email, ok := job.Recipient.EmailAddress()
	if !ok {
		email = "Unknown"
	}
	return &models.JobStatusView{
		ID:           id,
		Email:        email,
		Status:       job.State.Public(),
		FailedReason: job.FailedReason,
		FinishedOn:   job.FinishedOn,
	}, nil
}

// Depth is the number of jobs waiting in the pending list.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, keyPending).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: depth: %v", ErrUnavailable, err)
	}
	return n, nil
}

func parseJob(id string, fields map[string]string) (*models.Job, error) {
	job := &models.Job{ID: id}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.JobSpec); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrJobMalformed, id, err)
	}
	job.State = models.JobState(fields["state"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.FailedReason = fields["failed_reason"]
	if ms, err := strconv.ParseInt(fields["finished_on"], 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms)
		job.FinishedOn = &t
	}
	return job, nil
}
