// Package broker implements the Job Broker (C1): durable FIFO queues keyed
// by stage with a high-priority band, dependency tracking for fan-in, and
// lease-based crash recovery, backed by Redis.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
)

// Broker is the contract stage workers, coordinators, and the CLI consume.
// It never blocks longer than the Reserve caller's chosen timeout, and
// every state transition is a single Redis command or a pipelined batch -
// there is no Go-level read-modify-write race across processes.
type Broker interface {
	Enqueue(ctx context.Context, queue string, payload map[string]any, opts domain.EnqueueOptions) (string, error)
	Reserve(ctx context.Context, queues []string, timeout time.Duration) (*domain.Job, error)
	Ack(ctx context.Context, jobID string, outcome domain.Outcome) error
	Cancel(ctx context.Context, jobID string) error
	Purge(ctx context.Context, site string) error
	Failed(ctx context.Context, queue string, limit int64) ([]domain.FailedJobRecord, error)

	// QueueDepth reports how many jobs currently sit in (queue, priority),
	// for the Observability Surface's per-queue depth gauges.
	QueueDepth(ctx context.Context, queue string, priority domain.Priority) (int64, error)
	// RegisterWorker heartbeats a worker's presence on a stage with a TTL;
	// callers re-invoke it periodically. ActiveWorkers reports the count of
	// workers whose heartbeat hasn't expired.
	RegisterWorker(ctx context.Context, stage string, workerID string, ttl time.Duration) error
	UnregisterWorker(ctx context.Context, stage string, workerID string) error
	ActiveWorkers(ctx context.Context, stage string) (int64, error)

	Close() error
}

// Options configures a Broker's Redis connection and lease/retention
// behavior.
type Options struct {
	Addr     string
	LeaseTTL time.Duration // how long a reserved job may run before it is considered abandoned
	FailedRetention time.Duration
	FailedCap       int64
}

func defaultOptions(o Options) Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Minute
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = 7 * 24 * time.Hour
	}
	if o.FailedCap <= 0 {
		o.FailedCap = 1000
	}
	return o
}

type redisBroker struct {
	rdb  *goredis.Client
	log  *logging.Logger
	opts Options
}

// New connects to Redis at addr and returns a ready Broker.
func New(addr string, logg *logging.Logger, opts Options) (Broker, error) {
	opts = defaultOptions(opts)
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("broker: redis ping: %w", err)
	}

	return &redisBroker{
		rdb:  rdb,
		log:  logg.With("component", "broker.Broker"),
		opts: opts,
	}, nil
}

func (b *redisBroker) Close() error {
	return b.rdb.Close()
}

// --- key conventions -------------------------------------------------------

func queueKey(queue string, priority domain.Priority) string {
	return fmt.Sprintf("jobs:%s:%s", queue, priority)
}
func jobKey(jobID string) string       { return "job:" + jobID }
func depsKey(jobID string) string      { return "job:" + jobID + ":deps" }
func waitingOnKey(depID string) string { return "waiting_on:" + depID }
func deferredKey() string              { return "deferred" }
func leaseKey(jobID string) string     { return "lease:" + jobID }
func leaseIndexKey() string            { return "leases" }
func failedKey(queue string) string    { return "failed:" + queue }
func siteJobsKey(site string) string   { return "site_jobs:" + site }
func workersKey(stage string) string   { return "workers:" + stage }

// Enqueue admits a new job. A job with unsatisfied depends_on is held in the
// deferred set instead of being pushed to its queue list.
func (b *redisBroker) Enqueue(ctx context.Context, queue string, payload map[string]any, opts domain.EnqueueOptions) (string, error) {
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	jobID := uuid.NewString()
	job := domain.Job{
		ID:          jobID,
		Queue:       queue,
		Payload:     payload,
		DependsOn:   opts.DependsOn,
		Priority:    priority,
		Timeout:     opts.Timeout,
		CreatedAt:   time.Now(),
		MaxAttempts: opts.MaxAttempts,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("broker: marshal job: %w", err)
	}

	site, _ := payload["site"].(string)

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(jobID), raw, 0)
	if site != "" {
		pipe.SAdd(ctx, siteJobsKey(site), jobID)
	}

	if len(job.DependsOn) == 0 {
		pipe.LPush(ctx, queueKey(queue, priority), jobID)
	} else {
		pipe.SAdd(ctx, depsKey(jobID), toInterfaceSlice(job.DependsOn)...)
		for _, dep := range job.DependsOn {
			pipe.SAdd(ctx, waitingOnKey(dep), jobID)
		}
		pipe.ZAdd(ctx, deferredKey(), goredis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: jobID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("broker: enqueue %s: %w", queue, err)
	}
	return jobID, nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Reserve blocks up to timeout and returns the next runnable job across the
// listed queues. It checks every listed queue's high-priority list before
// any normal-priority list, and within each band honors the listed order.
// Before blocking it sweeps expired leases so crashed workers' jobs become
// reservable again.
func (b *redisBroker) Reserve(ctx context.Context, queues []string, timeout time.Duration) (*domain.Job, error) {
	if err := b.sweepExpiredLeases(ctx); err != nil {
		b.log.Warn("lease sweep failed", "error", err)
	}
	if err := b.releaseSatisfiedDeferred(ctx); err != nil {
		b.log.Warn("deferred release sweep failed", "error", err)
	}

	keys := make([]string, 0, len(queues)*2)
	for _, q := range queues {
		keys = append(keys, queueKey(q, domain.PriorityHigh))
	}
	for _, q := range queues {
		keys = append(keys, queueKey(q, domain.PriorityNormal))
	}

	res, err := b.rdb.BRPop(ctx, timeout, keys...).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: reserve: %w", err)
	}
	jobID := res[1]

	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// the hash vanished (purged mid-flight); treat as no job available
		return nil, nil
	}

	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal job on reserve: %w", err)
	}
	ttl := job.Timeout
	if ttl <= 0 {
		ttl = b.opts.LeaseTTL
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(jobID), raw, 0)
	pipe.Set(ctx, leaseKey(jobID), res[0], ttl)
	pipe.ZAdd(ctx, leaseIndexKey(), goredis.Z{Score: float64(time.Now().Add(ttl).UnixNano()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("broker: lease job %s: %w", jobID, err)
	}

	return job, nil
}

func (b *redisBroker) loadJob(ctx context.Context, jobID string) (*domain.Job, error) {
	raw, err := b.rdb.Get(ctx, jobKey(jobID)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: load job %s: %w", jobID, err)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("broker: decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// sweepExpiredLeases requeues jobs whose lease TTL has passed - this is
// the broker's half of "if a worker dies the job returns to the queue
// after its timeout."
func (b *redisBroker) sweepExpiredLeases(ctx context.Context) error {
	now := float64(time.Now().UnixNano())
	expired, err := b.rdb.ZRangeByScore(ctx, leaseIndexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("sweep: scan lease index: %w", err)
	}
	for _, jobID := range expired {
		job, err := b.loadJob(ctx, jobID)
		if err != nil || job == nil {
			// job gone (acked/cancelled); just drop the stale lease entries
			pipe := b.rdb.TxPipeline()
			pipe.ZRem(ctx, leaseIndexKey(), jobID)
			pipe.Del(ctx, leaseKey(jobID))
			_, _ = pipe.Exec(ctx)
			continue
		}
		priority := job.Priority
		if priority == "" {
			priority = domain.PriorityNormal
		}
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, leaseIndexKey(), jobID)
		pipe.Del(ctx, leaseKey(jobID))
		pipe.LPush(ctx, queueKey(job.Queue, priority), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("sweep: requeue %s: %w", jobID, err)
		}
	}
	return nil
}

// releaseSatisfiedDeferred scans the deferred set for jobs whose
// dependency set is now empty (every dependency has terminated) and pushes
// them onto their queue.
func (b *redisBroker) releaseSatisfiedDeferred(ctx context.Context) error {
	ids, err := b.rdb.ZRange(ctx, deferredKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("deferred: scan: %w", err)
	}
	for _, jobID := range ids {
		n, err := b.rdb.SCard(ctx, depsKey(jobID)).Result()
		if err != nil {
			return fmt.Errorf("deferred: card %s: %w", jobID, err)
		}
		if n > 0 {
			continue
		}
		job, err := b.loadJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			_, _ = b.rdb.ZRem(ctx, deferredKey(), jobID).Result()
			continue
		}
		priority := job.Priority
		if priority == "" {
			priority = domain.PriorityNormal
		}
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, deferredKey(), jobID)
		pipe.LPush(ctx, queueKey(job.Queue, priority), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("deferred: release %s: %w", jobID, err)
		}
	}
	return nil
}

// Ack records a job's terminal outcome. Dependencies are considered
// satisfied on termination regardless of success/failure - "decouples
// coordinator triggering from per-job outcomes."
func (b *redisBroker) Ack(ctx context.Context, jobID string, outcome domain.Outcome) error {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, leaseKey(jobID))
	pipe.ZRem(ctx, leaseIndexKey(), jobID)

	if !outcome.OK && job != nil {
		rec := domain.FailedJobRecord{Job: *job, FailedAt: time.Now()}
		if outcome.Err != nil {
			rec.Error = outcome.Err.Error()
		}
		raw, merr := json.Marshal(rec)
		if merr == nil {
			fk := failedKey(job.Queue)
			pipe.LPush(ctx, fk, raw)
			pipe.LTrim(ctx, fk, 0, b.opts.FailedCap-1)
		}
	}

	// release every waiter of this job, decrementing its dependency set
	waiters, werr := b.rdb.SMembers(ctx, waitingOnKey(jobID)).Result()
	if werr != nil && werr != goredis.Nil {
		return fmt.Errorf("broker: ack %s: list waiters: %w", jobID, werr)
	}
	for _, waiter := range waiters {
		pipe.SRem(ctx, depsKey(waiter), jobID)
	}
	pipe.Del(ctx, waitingOnKey(jobID))
	pipe.Del(ctx, jobKey(jobID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: ack %s: %w", jobID, err)
	}

	// a dependent job may now be satisfied; release it eagerly rather than
	// waiting for the next Reserve's sweep so fan-in coordinators don't
	// idle an extra poll interval.
	if err := b.releaseSatisfiedDeferred(ctx); err != nil {
		b.log.Warn("post-ack deferred release failed", "error", err)
	}
	return nil
}

// Cancel removes a pending job from wherever it currently sits (its queue
// list, the deferred set, or an active lease) without running it.
func (b *redisBroker) Cancel(ctx context.Context, jobID string) error {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	priority := job.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, queueKey(job.Queue, priority), 0, jobID)
	pipe.ZRem(ctx, deferredKey(), jobID)
	pipe.ZRem(ctx, leaseIndexKey(), jobID)
	pipe.Del(ctx, leaseKey(jobID))
	pipe.Del(ctx, depsKey(jobID))
	pipe.Del(ctx, waitingOnKey(jobID))
	pipe.Del(ctx, jobKey(jobID))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("broker: cancel %s: %w", jobID, err)
	}
	return nil
}

// Purge cancels every job tracked against site, across every queue and
// registry it may be sitting in, and drops the site's entries from each
// queue's failed registry.
func (b *redisBroker) Purge(ctx context.Context, site string) error {
	ids, err := b.rdb.SMembers(ctx, siteJobsKey(site)).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("broker: purge %s: list jobs: %w", site, err)
	}
	for _, jobID := range ids {
		if err := b.Cancel(ctx, jobID); err != nil {
			return err
		}
	}
	for _, q := range []string{domain.QueueFetch, domain.QueueOCR, domain.QueueCompilation, domain.QueueExtraction, domain.QueueDeploy} {
		raws, err := b.rdb.LRange(ctx, failedKey(q), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("broker: purge %s: failed registry %s: %w", site, q, err)
		}
		for _, raw := range raws {
			var rec domain.FailedJobRecord
			if json.Unmarshal([]byte(raw), &rec) == nil && rec.Job.Payload["site"] == site {
				if err := b.rdb.LRem(ctx, failedKey(q), 0, raw).Err(); err != nil {
					return fmt.Errorf("broker: purge %s: failed registry %s: %w", site, q, err)
				}
			}
		}
	}
	return b.rdb.Del(ctx, siteJobsKey(site)).Err()
}

// Failed returns up to limit entries from queue's failed registry, newest
// first.
func (b *redisBroker) Failed(ctx context.Context, queue string, limit int64) ([]domain.FailedJobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := b.rdb.LRange(ctx, failedKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: failed registry for %s: %w", queue, err)
	}
	out := make([]domain.FailedJobRecord, 0, len(raws))
	for _, raw := range raws {
		var rec domain.FailedJobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// QueueDepth reports the length of the (queue, priority) Redis list.
func (b *redisBroker) QueueDepth(ctx context.Context, queue string, priority domain.Priority) (int64, error) {
	n, err := b.rdb.LLen(ctx, queueKey(queue, priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: queue depth %s/%s: %w", queue, priority, err)
	}
	return n, nil
}

// RegisterWorker heartbeats workerID's presence on stage, scored by its
// expiry time - the same expiring-sorted-set shape as the lease index, so a
// crashed worker's heartbeat ages out of ActiveWorkers without an explicit
// unregister.
func (b *redisBroker) RegisterWorker(ctx context.Context, stage string, workerID string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	err := b.rdb.ZAdd(ctx, workersKey(stage), goredis.Z{
		Score: float64(time.Now().Add(ttl).UnixNano()), Member: workerID,
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: register worker %s/%s: %w", stage, workerID, err)
	}
	return nil
}

func (b *redisBroker) UnregisterWorker(ctx context.Context, stage string, workerID string) error {
	if err := b.rdb.ZRem(ctx, workersKey(stage), workerID).Err(); err != nil {
		return fmt.Errorf("broker: unregister worker %s/%s: %w", stage, workerID, err)
	}
	return nil
}

// ActiveWorkers first evicts expired heartbeats, then counts what remains.
func (b *redisBroker) ActiveWorkers(ctx context.Context, stage string) (int64, error) {
	now := float64(time.Now().UnixNano())
	if err := b.rdb.ZRemRangeByScore(ctx, workersKey(stage), "-inf", fmt.Sprintf("%f", now)).Err(); err != nil {
		return 0, fmt.Errorf("broker: evict expired workers for %s: %w", stage, err)
	}
	n, err := b.rdb.ZCard(ctx, workersKey(stage)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: active workers for %s: %w", stage, err)
	}
	return n, nil
}
