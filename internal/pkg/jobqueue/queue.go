package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis keys
	JobKeyPrefix      = "procmon:job:"
	JobQueueKey       = "procmon:delivery:pending"
	JobProcessingKey  = "procmon:delivery:processing"
	JobRetryKey       = "procmon:delivery:retry"
	JobStatsKey       = "procmon:delivery:stats"
	JobEventKeyPrefix = "procmon:delivery:event:" // + event ID, holds the live job ID

	// Job settings
	DefaultMaxAttempts = 5
	DefaultWorkers     = 3
	JobTTL             = 24 * time.Hour
	dispatchTimeout    = 30 * time.Second
)

// Handler performs the work behind a job.
type Handler interface {
	// Dispatch makes one attempt. Errors implementing IsPermanent() bool that return true stop retries.
	Dispatch(ctx context.Context, eventID uint) error
	// GiveUp is called once when a job will not be attempted again.
	GiveUp(ctx context.Context, eventID uint, reason string) error
}

// releaseEventScript drops the event marker only while it still names the finishing job.
var releaseEventScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type permanentError interface{ IsPermanent() bool }

type retryAfterError interface{ RetryAfter() time.Duration }

// Options configures a Queue.
type Options struct {
	Workers     int
	MaxAttempts int
	Retry       RetryPolicy
}

// Queue manages delivery jobs using Redis
type Queue struct {
	client     *redis.Client
	handler    Handler
	opts       Options
	now        func() time.Time
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new delivery job queue
func NewQueue(client *redis.Client, handler Handler, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Queue{
		client:     client,
		handler:    handler,
		opts:       opts,
		now:        time.Now,
		workerPool: make(chan struct{}, opts.Workers),
		stopCh:     make(chan struct{}),
	}
}

// WithClock replaces the time source used for retry scheduling.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Start starts the queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.opts.Workers)

	for i := 0; i < q.opts.Workers; i++ {
		q.workerPool <- struct{}{}
	}
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop waits for in-flight jobs and stops the workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	// Drain the slots so a later Start begins from a clean pool.
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool
			_, err := q.ProcessNext(ctx, time.Second)
			q.workerPool <- struct{}{}
			if err != nil {
				log.Errorf("[JobQueue] Worker %d: %v", id, err)
				time.Sleep(time.Second)
			}
		}
	}
}

// Enqueue adds a delivery job for eventID
func (q *Queue) Enqueue(ctx context.Context, eventID uint) error {
	_, err := q.EnqueueJob(ctx, eventID)
	return err
}

// EnqueueJob adds a delivery job and returns it. An event has at most one live job; if one
// exists it is returned and nothing is added.
func (q *Queue) EnqueueJob(ctx context.Context, eventID uint) (*Job, error) {
	job, _, err := q.enqueue(ctx, eventID)
	return job, err
}

func (q *Queue) enqueue(ctx context.Context, eventID uint) (*Job, bool, error) {
	now := q.now()
	job := &Job{
		ID:          uuid.New().String(),
		EventID:     eventID,
		Status:      JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxAttempts: q.opts.MaxAttempts,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job: %w", err)
	}

	existing, err := q.claimEvent(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		log.Debugf("[JobQueue] Event %d already has job %s", eventID, existing.ID)
		return existing, false, nil
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.releaseEvent(ctx, job)
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Debugf("[JobQueue] Enqueued job %s for event %d", job.ID, eventID)
	return job, true, nil
}

// claimEvent records job as the live job of its event. If another job still holds the
// event, that job is returned instead.
func (q *Queue) claimEvent(ctx context.Context, job *Job) (*Job, error) {
	key := eventJobKey(job.EventID)
	claimed, err := q.client.SetNX(ctx, key, job.ID, JobTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim event %d: %w", job.EventID, err)
	}
	if claimed {
		return nil, nil
	}

	holder, err := q.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read job of event %d: %w", job.EventID, err)
	}
	if holder != "" {
		existing, err := q.GetJob(ctx, holder)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}

	// The holder expired or was lost; take the event over.
	if err := q.client.Set(ctx, key, job.ID, JobTTL).Err(); err != nil {
		return nil, fmt.Errorf("claim event %d: %w", job.EventID, err)
	}
	return nil, nil
}

func (q *Queue) releaseEvent(ctx context.Context, job *Job) {
	if err := releaseEventScript.Run(ctx, q.client, []string{eventJobKey(job.EventID)}, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to release event %d from job %s: %v", job.EventID, job.ID, err)
	}
}

func eventJobKey(eventID uint) string {
	return JobEventKeyPrefix + strconv.FormatUint(uint64(eventID), 10)
}

// ProcessNext moves one job into the processing list and runs it. A non-positive wait
// polls without blocking. It reports whether a job was taken.
func (q *Queue) ProcessNext(ctx context.Context, wait time.Duration) (bool, error) {
	var (
		jobID string
		err   error
	)
	if wait > 0 {
		jobID, err = q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, wait).Result()
	} else {
		jobID, err = q.client.RPopLPush(ctx, JobQueueKey, JobProcessingKey).Result()
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.removeFromProcessing(ctx, jobID)
		return true, fmt.Errorf("job data not found for ID %s: %w", jobID, err)
	}

	q.processJob(ctx, job)
	return true, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing(q.now())
	q.updateJob(ctx, job)

	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	err := q.handler.Dispatch(dctx, job.EventID)
	cancel()

	if err == nil {
		job.MarkAsCompleted(q.now())
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.removeFromProcessing(ctx, job.ID)
		q.removeJob(ctx, job)
		return
	}

	job.MarkAsFailed(q.now(), err.Error())

	var pe permanentError
	if errors.As(err, &pe) && pe.IsPermanent() {
		// The handler has already settled the event.
		log.Warnf("[JobQueue] Job %s (event %d) failed permanently: %v", job.ID, job.EventID, err)
		q.finishFailed(ctx, job, false)
		return
	}

	if job.IsRetryable() {
		delay := q.opts.Retry.Delay(job.Attempts)
		var ra retryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > delay {
			delay = ra.RetryAfter()
		}
		at := q.now().Add(delay)
		job.MarkAsRetrying(q.now(), at)
		q.updateJob(ctx, job)

		pipe := q.client.TxPipeline()
		pipe.ZAdd(ctx, JobRetryKey, redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
		if _, perr := pipe.Exec(ctx); perr != nil {
			log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, perr)
			return
		}
		log.Infof("[JobQueue] Retrying job %s for event %d in %s (attempt %d/%d)", job.ID, job.EventID, delay, job.Attempts, job.MaxAttempts)
		return
	}

	log.Errorf("[JobQueue] Job %s (event %d) exhausted %d attempts", job.ID, job.EventID, job.Attempts)
	q.finishFailed(ctx, job, true)
}

func (q *Queue) finishFailed(ctx context.Context, job *Job, giveUp bool) {
	if giveUp {
		if err := q.handler.GiveUp(ctx, job.EventID, job.ErrorMsg); err != nil {
			// Leave the job in processing; the stuck sweeper will hand it back.
			log.Errorf("[JobQueue] GiveUp for event %d failed: %v", job.EventID, err)
			q.updateJob(ctx, job)
			return
		}
	}
	q.updateJobStats(ctx, JobStatusFailed, 1)
	q.removeFromProcessing(ctx, job.ID)
	q.removeJob(ctx, job)
}

// PromoteDueRetries moves retries whose time has come back to the pending list.
func (q *Queue) PromoteDueRetries(ctx context.Context) (int, error) {
	until := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, JobRetryKey, &redis.ZRangeBy{Min: "-inf", Max: until, Count: 500}).Result()
	if err != nil {
		return 0, fmt.Errorf("read retry schedule: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		// Only the process that wins the ZREM pushes the job.
		removed, err := q.client.ZRem(ctx, JobRetryKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim retry %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			return promoted, fmt.Errorf("requeue retry %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// RecoverStuck returns jobs that have sat in the processing list longer than maxAge to pending.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}

	now := q.now()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper could not read job %s: %v", id, err)
			}
			q.removeFromProcessing(ctx, id)
			continue
		}

		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck job %s (event %d), age=%s", job.ID, job.EventID, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job)

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, JobProcessingKey, 1, id)
		pipe.RPush(ctx, JobQueueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("requeue stuck job %s: %w", id, err)
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.Expire(ctx, eventJobKey(job.EventID), JobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

func (q *Queue) removeJob(ctx context.Context, job *Job) {
	if err := q.client.Del(ctx, JobKeyPrefix+job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from Redis: %v", job.ID, err)
	}
	q.releaseEvent(ctx, job)
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns counters per terminal status
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[JobStatus]int64, len(stats))
	for status, count := range stats {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[JobStatus(status)] = n
		}
	}
	return result, nil
}

// Sizes reports the length of the pending, processing and retry collections.
func (q *Queue) Sizes(ctx context.Context) (pending, processing, retrying int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, JobQueueKey)
	pr := pipe.LLen(ctx, JobProcessingKey)
	r := pipe.ZCard(ctx, JobRetryKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return p.Val(), pr.Val(), r.Val(), nil
}
