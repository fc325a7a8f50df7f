package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/procmon/procmon/internal/pkg/metrics"
)

const (
	DefaultPromoteInterval = time.Second
	DefaultSweepInterval   = time.Minute
	StuckJobAge            = 10 * time.Minute
	StalePendingAge        = 15 * time.Minute
	stalePendingBatch      = 200
)

// staleEventSource finds PENDING events that no job is carrying anymore.
type staleEventSource interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]uint, error)
	Touch(ctx context.Context, ids []uint, at time.Time) error
}

// Manager runs the queue workers and the background tasks that keep the queue honest
type Manager struct {
	queue           *Queue
	events          staleEventSource
	promoteInterval time.Duration
	sweepInterval   time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager wires a manager around queue. events may be nil, which disables the pending sweeper.
func NewManager(queue *Queue, events staleEventSource) *Manager {
	return &Manager{
		queue:           queue,
		events:          events,
		promoteInterval: DefaultPromoteInterval,
		sweepInterval:   DefaultSweepInterval,
		stopCh:          make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.wg.Add(2)
	go m.loop("retry promoter", m.promoteInterval, m.promoteOnce)
	go m.loop("sweeper", m.sweepInterval, m.sweepOnce)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the background tasks and then the workers
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) loop(name string, interval time.Duration, task func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Infof("[JobQueue Manager] Started %s (interval: %s)", name, interval)

	for {
		select {
		case <-m.stopCh:
			log.Infof("[JobQueue Manager] %s stopping", name)
			return
		case <-ticker.C:
			task(context.Background())
		}
	}
}

func (m *Manager) promoteOnce(ctx context.Context) {
	n, err := m.queue.PromoteDueRetries(ctx)
	if err != nil {
		log.Errorf("[JobQueue Manager] Retry promotion error: %v", err)
		return
	}
	if n > 0 {
		log.Debugf("[JobQueue Manager] Promoted %d due retries", n)
	}
	m.reportDepth(ctx)
}

func (m *Manager) sweepOnce(ctx context.Context) {
	if n, err := m.queue.RecoverStuck(ctx, StuckJobAge); err != nil {
		log.Errorf("[JobQueue Manager] Stuck job recovery error: %v", err)
	} else if n > 0 {
		log.Warnf("[JobQueue Manager] Recovered %d stuck jobs", n)
	}
	if _, err := m.RequeueStalePending(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Stale pending sweep error: %v", err)
	}
}

// RequeueStalePending enqueues PENDING events that have not been touched for StalePendingAge,
// covering enqueues lost after the event row was committed. Events that still have a live
// job are left to it. Checked events wait another full window before they are considered again.
func (m *Manager) RequeueStalePending(ctx context.Context) (int, error) {
	if m.events == nil {
		return 0, nil
	}
	now := m.queue.now()
	ids, err := m.events.ListStalePending(ctx, now.Add(-StalePendingAge), stalePendingBatch)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	checked := make([]uint, 0, len(ids))
	requeued := 0
	for _, id := range ids {
		_, created, err := m.queue.enqueue(ctx, id)
		if err != nil {
			log.Errorf("[JobQueue Manager] Failed to requeue event %d: %v", id, err)
			continue
		}
		checked = append(checked, id)
		if created {
			requeued++
		}
	}
	if len(checked) > 0 {
		if err := m.events.Touch(ctx, checked, now); err != nil {
			return requeued, err
		}
	}
	if requeued > 0 {
		log.Warnf("[JobQueue Manager] Requeued %d stale pending events", requeued)
	}
	return requeued, nil
}

func (m *Manager) reportDepth(ctx context.Context) {
	pending, processing, retrying, err := m.queue.Sizes(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	metrics.QueueDepth.WithLabelValues("retry").Set(float64(retrying))
}
