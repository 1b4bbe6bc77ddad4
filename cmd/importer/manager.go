package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager defaults
const (
	DefaultWorkers   = 4
	defaultQueueSize = 256
	// retainedJobs bounds how many finished jobs stay queryable.
	retainedJobs = 200
)

var (
	ErrManagerClosed = errors.New("job manager is shut down")
	ErrQueueFull     = errors.New("import queue is full")
	ErrJobNotFound   = errors.New("job not found")
)

// Manager runs submitted jobs on a fixed pool of workers. Submit returns
// immediately; callers follow a job through Get or its Done channel.
type Manager struct {
	engine *Engine
	logger *slog.Logger
	queue  chan *Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	closed bool
}

// NewManager starts workers goroutines (DefaultWorkers when <= 0).
func NewManager(engine *Engine, workers int, logger *slog.Logger) *Manager {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine: engine,
		logger: logger,
		queue:  make(chan *Job, defaultQueueSize),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for job := range m.queue {
		if job.State() != StatePending {
			continue
		}
		m.logger.Debug(fmt.Sprintf("Worker %d picked up job %s", id, job.ID))
		// Run records failures itself, including panics.
		_ = m.engine.Run(m.ctx, job)
	}
}

// Submit queues a pending job and returns its ID.
func (m *Manager) Submit(job *Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrManagerClosed
	}
	if job.State() != StatePending {
		return "", fmt.Errorf("%w: %s", ErrJobNotPending, job.ID)
	}

	select {
	case m.queue <- job:
	default:
		return "", ErrQueueFull
	}

	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	m.prune()
	return job.ID, nil
}

// prune forgets the oldest finished jobs beyond retainedJobs. Callers hold mu.
func (m *Manager) prune() {
	excess := len(m.order) - retainedJobs
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.jobs[id].State().Terminal() {
			delete(m.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Job returns the live job for id.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// Get returns a snapshot of job id.
func (m *Manager) Get(id string) (Snapshot, bool) {
	job, ok := m.Job(id)
	if !ok {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// List returns snapshots of the known jobs, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		jobs = append(jobs, m.jobs[m.order[i]])
	}
	m.mu.RUnlock()

	out := make([]Snapshot, len(jobs))
	for i, job := range jobs {
		out[i] = job.Snapshot()
	}
	return out
}

// Cancel stops job id. A queued job fails right away; a running one fails at
// its next page boundary or retry wait.
func (m *Manager) Cancel(id string) error {
	job, ok := m.Job(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.cancelPending() {
		m.engine.record(job, m.logger.With("job_id", job.ID))
		job.markDone()
		return nil
	}
	job.Cancel()
	return nil
}

// Shutdown stops accepting jobs and waits for queued and running ones. When
// ctx ends first, running jobs are cancelled and ctx's error is returned
// once the workers exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-finished
		return ctx.Err()
	}
}
