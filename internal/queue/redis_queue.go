// Package queue implements durable, retryable sync jobs on Redis. Each data
// domain owns one named queue holding a ready list, a scheduled set for
// deferred retries, an in-flight set with visibility deadlines, a repeating
// (cron) registry, and a bounded retention list of finished job outcomes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"marketsync/internal/models"
)

// Policy is the per-queue retry and retention contract.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Visibility  time.Duration
	Retention   int
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = 5 * time.Second
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = 5 * time.Minute
	}
	if p.Visibility == 0 {
		p.Visibility = 2 * time.Minute
	}
	if p.Retention == 0 {
		p.Retention = 50
	}
	return p
}

// Redis manages every named queue on one Redis client.
type Redis struct {
	client   *redis.Client
	def      Policy
	policies map[string]Policy
}

// New builds the queue manager with a default policy.
func New(client *redis.Client, def Policy) *Redis {
	return &Redis{
		client:   client,
		def:      def.withDefaults(),
		policies: make(map[string]Policy),
	}
}

// SetPolicy overrides the policy for one queue (e.g. a longer visibility
// timeout for report-style jobs that wait on an external batch process).
func (r *Redis) SetPolicy(queue string, p Policy) {
	r.policies[queue] = p.withDefaults()
}

func (r *Redis) policy(queue string) Policy {
	if p, ok := r.policies[queue]; ok {
		return p
	}
	return r.def
}

// Queue returns the handle for one named queue.
func (r *Redis) Queue(name string) *Queue {
	return &Queue{r: r, name: name, policy: r.policy(name)}
}

func readyKey(q string) string    { return "sync:ready:" + q }
func schedKey(q string) string    { return "sync:sched:" + q }
func inflightKey(q string) string { return "sync:inflight:" + q }
func repeatKey(q string) string   { return "sync:repeat:" + q }
func cronKey(q string) string     { return "sync:repeatcron:" + q }
func recentKey(q string) string   { return "sync:recent:" + q }
func jobKey(id string) string     { return "sync:job:" + id }

const stopKey = "sync:stopall"

// RegisterRepeating binds a cron expression to a repeating job on the queue.
// The registration is keyed by job name, so re-registering replaces rather
// than accumulates: at most one repeating entry per (queue, job name).
func (r *Redis) RegisterRepeating(ctx context.Context, queue, jobName, cronExpr string) error {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for %s/%s: %w", cronExpr, queue, jobName, err)
	}
	next := sched.Next(time.Now())
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, cronKey(queue), jobName, cronExpr)
	pipe.ZAdd(ctx, repeatKey(queue), redis.Z{Score: float64(next.UnixMilli()), Member: jobName})
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveRepeating deletes the repeating registration for a job name.
func (r *Redis) RemoveRepeating(ctx context.Context, queue, jobName string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, cronKey(queue), jobName)
	pipe.ZRem(ctx, repeatKey(queue), jobName)
	_, err := pipe.Exec(ctx)
	return err
}

// RepeatingJobs lists the registered repeating job names for a queue.
func (r *Redis) RepeatingJobs(ctx context.Context, queue string) ([]string, error) {
	return r.client.ZRange(ctx, repeatKey(queue), 0, -1).Result()
}

// SignalStop raises the advisory stop-all flag. Processors that expose a
// stop point check it between batches; in-flight external calls finish and
// their results are discarded by the already-terminal sync log.
func (r *Redis) SignalStop(ctx context.Context, ttl time.Duration) error {
	return r.client.Set(ctx, stopKey, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// StopRequested reports whether the stop-all flag is raised.
func (r *Redis) StopRequested(ctx context.Context) bool {
	n, err := r.client.Exists(ctx, stopKey).Result()
	return err == nil && n > 0
}

// Queue is the handle for one named queue.
type Queue struct {
	r      *Redis
	name   string
	policy Policy
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds a one-shot job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobName string, payload map[string]any) (string, error) {
	id := uuid.New().String()
	if err := q.createJob(ctx, id, jobName, payload); err != nil {
		return "", err
	}
	if err := q.r.client.RPush(ctx, readyKey(q.name), id).Err(); err != nil {
		return "", fmt.Errorf("push job %s: %w", id, err)
	}
	return id, nil
}

func (q *Queue) createJob(ctx context.Context, id, jobName string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return q.r.client.HSet(ctx, jobKey(id), map[string]any{
		"queue":        q.name,
		"name":         jobName,
		"payload":      string(raw),
		"attempts":     0,
		"max_attempts": q.policy.MaxAttempts,
		"enqueued_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

// PromoteDue fires due repeating registrations and moves due scheduled
// retries into the ready list. Repeating jobs re-arm themselves: the next
// fire time is recomputed from the stored cron expression.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	promoted := 0

	names, err := q.r.client.ZRangeByScore(ctx, repeatKey(q.name), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range repeating: %w", err)
	}
	for _, jobName := range names {
		expr, err := q.r.client.HGet(ctx, cronKey(q.name), jobName).Result()
		if err != nil {
			// Orphaned registration; drop it rather than fire forever.
			_ = q.r.client.ZRem(ctx, repeatKey(q.name), jobName).Err()
			continue
		}
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			_ = q.r.client.ZRem(ctx, repeatKey(q.name), jobName).Err()
			continue
		}
		id := uuid.New().String()
		if err := q.createJob(ctx, id, jobName, nil); err != nil {
			return promoted, err
		}
		pipe := q.r.client.TxPipeline()
		pipe.RPush(ctx, readyKey(q.name), id)
		pipe.ZAdd(ctx, repeatKey(q.name), redis.Z{Score: float64(sched.Next(now).UnixMilli()), Member: jobName})
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("fire repeating %s: %w", jobName, err)
		}
		promoted++
	}

	ids, err := q.r.client.ZRangeByScore(ctx, schedKey(q.name), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return promoted, fmt.Errorf("range scheduled: %w", err)
	}
	for _, id := range ids {
		pipe := q.r.client.TxPipeline()
		pipe.ZRem(ctx, schedKey(q.name), id)
		pipe.RPush(ctx, readyKey(q.name), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("promote scheduled %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue pops the next ready job and leases it with the queue's visibility
// timeout. Returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*models.Job, error) {
	res, err := dequeueScript.Run(ctx, q.r.client,
		[]string{readyKey(q.name), inflightKey(q.name)},
		time.Now().Add(q.policy.Visibility).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.loadJob(ctx, id)
	if err != nil {
		// Meta vanished (retention raced); drop the lease entry.
		_ = q.r.client.ZRem(ctx, inflightKey(q.name), id).Err()
		return nil, err
	}
	return job, nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*models.Job, error) {
	fields, err := q.r.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s has no metadata", id)
	}
	job := &models.Job{
		ID:    id,
		Queue: fields["queue"],
		Name:  fields["name"],
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ts := fields["enqueued_at"]; ts != "" {
		job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if raw := fields["payload"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for %s: %w", id, err)
		}
	}
	return job, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.r.client.ZAdd(ctx, inflightKey(q.name), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Complete acknowledges a successful job and retains its outcome.
func (q *Queue) Complete(ctx context.Context, job *models.Job, counts models.Counts) error {
	if err := q.remove(ctx, job.ID); err != nil {
		return err
	}
	return q.recordOutcome(ctx, models.JobOutcome{
		JobID:      job.ID,
		Name:       job.Name,
		Status:     models.OutcomeSucceeded,
		Counts:     counts,
		Attempts:   job.Attempts + 1,
		FinishedAt: time.Now().UTC(),
	})
}

// Retry schedules the job for a backed-off re-attempt, or finalizes it as
// failed once attempts are exhausted. Returns whether a retry was scheduled.
func (q *Queue) Retry(ctx context.Context, job *models.Job, reason string) (bool, error) {
	attempts, err := q.r.client.HIncrBy(ctx, jobKey(job.ID), "attempts", 1).Result()
	if err != nil {
		return false, fmt.Errorf("bump attempts for %s: %w", job.ID, err)
	}
	if int(attempts) >= q.policy.MaxAttempts {
		if err := q.remove(ctx, job.ID); err != nil {
			return false, err
		}
		return false, q.recordOutcome(ctx, models.JobOutcome{
			JobID:      job.ID,
			Name:       job.Name,
			Status:     models.OutcomeFailed,
			Error:      reason,
			Attempts:   int(attempts),
			FinishedAt: time.Now().UTC(),
		})
	}
	next := time.Now().Add(backoffWithJitter(q.policy.BackoffBase, q.policy.BackoffMax, int(attempts)))
	pipe := q.r.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(q.name), job.ID)
	pipe.ZAdd(ctx, schedKey(q.name), redis.Z{Score: float64(next.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("schedule retry for %s: %w", job.ID, err)
	}
	return true, q.recordOutcome(ctx, models.JobOutcome{
		JobID:      job.ID,
		Name:       job.Name,
		Status:     models.OutcomeRetrying,
		Error:      reason,
		Attempts:   int(attempts),
		FinishedAt: time.Now().UTC(),
	})
}

// Discard finalizes a job without retrying, for failures that re-running
// cannot fix (bad configuration, unknown job name).
func (q *Queue) Discard(ctx context.Context, job *models.Job, reason string) error {
	if err := q.remove(ctx, job.ID); err != nil {
		return err
	}
	return q.recordOutcome(ctx, models.JobOutcome{
		JobID:      job.ID,
		Name:       job.Name,
		Status:     models.OutcomeFailed,
		Error:      reason,
		Attempts:   job.Attempts + 1,
		FinishedAt: time.Now().UTC(),
	})
}

func (q *Queue) remove(ctx context.Context, jobID string) error {
	pipe := q.r.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(q.name), jobID)
	pipe.Del(ctx, jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.r.client.ZRangeByScore(ctx, inflightKey(q.name), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		pipe := q.r.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(q.name), id)
		pipe.RPush(ctx, readyKey(q.name), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Depth returns ready and scheduled counts for the queue.
func (q *Queue) Depth(ctx context.Context) (ready, scheduled int64, err error) {
	pipe := q.r.client.Pipeline()
	readyCmd := pipe.LLen(ctx, readyKey(q.name))
	schedCmd := pipe.ZCard(ctx, schedKey(q.name))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return readyCmd.Val(), schedCmd.Val(), nil
}

// RecentOutcomes returns up to n retained job outcomes, newest first.
func (q *Queue) RecentOutcomes(ctx context.Context, n int64) ([]models.JobOutcome, error) {
	raws, err := q.r.client.LRange(ctx, recentKey(q.name), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.JobOutcome, 0, len(raws))
	for _, raw := range raws {
		var o models.JobOutcome
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (q *Queue) recordOutcome(ctx context.Context, o models.JobOutcome) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	pipe := q.r.client.TxPipeline()
	pipe.LPush(ctx, recentKey(q.name), raw)
	pipe.LTrim(ctx, recentKey(q.name), 0, int64(q.policy.Retention)-1)
	_, err = pipe.Exec(ctx)
	return err
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
