package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"triage_server/pkg/metrics"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	MaxWorkers       int
	PriorityWorkers  int // push lane; 0 derives MaxWorkers/4+1
	WorkerChanSize   int
	JobTimeout       time.Duration
	JobTimeoutByType map[JobType]time.Duration
	RatePerSecond    int
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers:     20,
		WorkerChanSize: 100,
		JobTimeout:     60 * time.Second,
		RatePerSecond:  100,
		JobTimeoutByType: map[JobType]time.Duration{
			JobScanBatch: 5 * time.Minute, // a batch is up to ~50 fetch+classify rounds
			JobPush:      2 * time.Minute, // history deltas are usually a handful of messages
		},
	}
}

// Pool executes tasks on two go-pkgz/pool worker groups: a main lane for
// scan batches and a smaller priority lane that keeps push notifications
// responsive while a bulk scan saturates the main lane. Task outcomes are
// reported through Task.finish; retry and dead-lettering belong to the
// stream transport, not the pool.
type Pool struct {
	handler *Handler
	config  *PoolConfig

	pool         *pool.WorkerGroup[*Task]
	priorityPool *pool.WorkerGroup[*Task]

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
	log     zerolog.Logger

	rateLimiter *RateLimiter

	started bool
	mu      sync.Mutex
}

// PoolMetrics holds pool counters.
type PoolMetrics struct {
	JobsProcessed  int64
	JobsFailed     int64
	JobsDropped    int64
	AvgProcessTime int64 // milliseconds
	InFlight       int32
}

// taskWorker implements the pool.Worker interface.
type taskWorker struct {
	pool *Pool
}

func (w *taskWorker) Do(ctx context.Context, task *Task) error {
	return w.pool.processTask(ctx, task)
}

// NewPool creates the worker pool. Start must be called before Submit.
func NewPool(handler *Handler, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 20
	}
	if config.PriorityWorkers <= 0 {
		config.PriorityWorkers = config.MaxWorkers/4 + 1
	}
	if config.WorkerChanSize <= 0 {
		config.WorkerChanSize = 100
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 60 * time.Second
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		handler:     handler,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		metrics:     &PoolMetrics{},
		log:         log.With().Str("component", "worker_pool").Logger(),
		rateLimiter: NewRateLimiter(config.RatePerSecond, time.Second),
	}
}

// Start starts both worker lanes.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.pool = pool.New[*Task](p.config.MaxWorkers, &taskWorker{pool: p}).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	p.priorityPool = pool.New[*Task](p.config.PriorityWorkers, &taskWorker{pool: p}).
		WithWorkerChanSize(p.config.WorkerChanSize/2 + 1).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start main pool")
		return
	}
	if err := p.priorityPool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start priority pool")
		return
	}

	p.started = true

	go p.metricsReporter()

	p.log.Info().
		Int("max_workers", p.config.MaxWorkers).
		Int("priority_workers", p.config.PriorityWorkers).
		Msg("worker pool started")
}

// Stop closes both lanes and waits up to 30s for queued tasks to drain.
// Deliveries whose handler already gave up waiting stay unacked and replay
// after restart; the pipelines are idempotent under replay.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if p.pool != nil {
		if err := p.pool.Close(closeCtx); err != nil {
			p.log.Warn().Err(err).Msg("error closing main pool")
		}
	}
	if p.priorityPool != nil {
		if err := p.priorityPool.Close(closeCtx); err != nil {
			p.log.Warn().Err(err).Msg("error closing priority pool")
		}
	}

	p.cancel()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Submit queues a task on the main lane. Returns false when the pool is not
// running or the rate limiter rejects the task; the caller reports that to
// the delivery so the transport redelivers later.
func (p *Pool) Submit(task *Task) bool {
	return p.submit(task, false)
}

// SubmitPriority queues a task on the priority lane.
func (p *Pool) SubmitPriority(task *Task) bool {
	return p.submit(task, true)
}

func (p *Pool) submit(task *Task, priority bool) bool {
	p.mu.Lock()
	started := p.started
	group := p.pool
	if priority {
		group = p.priorityPool
	}
	p.mu.Unlock()

	if !started || group == nil {
		return false
	}

	if !p.rateLimiter.Allow() {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().
			Str("job_id", task.ID).
			Str("job_type", string(task.Type)).
			Msg("task rejected by rate limiter")
		return false
	}

	group.Submit(task)
	atomic.AddInt32(&p.metrics.InFlight, 1)
	return true
}

func (p *Pool) jobTimeout(jobType JobType) time.Duration {
	if timeout, ok := p.config.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

// processTask runs one task under its type's deadline and reports the
// outcome to the waiting delivery.
func (p *Pool) processTask(ctx context.Context, task *Task) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.InFlight, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout(task.Type))
	defer cancel()

	err := p.handler.Process(jobCtx, task)

	elapsed := time.Since(start).Milliseconds()
	p.updateAvgProcessTime(elapsed)
	metrics.RecordLatency("task."+string(task.Type), time.Since(start))

	if err != nil {
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
		p.log.Error().
			Err(err).
			Str("job_id", task.ID).
			Str("job_type", string(task.Type)).
			Int64("elapsed_ms", elapsed).
			Msg("task failed")
	} else {
		atomic.AddInt64(&p.metrics.JobsProcessed, 1)
	}

	task.finish(err)
	return err
}

func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
	} else {
		newAvg := (current*9 + elapsed) / 10
		atomic.StoreInt64(&p.metrics.AvgProcessTime, newAvg)
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.log.Info().
				Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
				Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
				Int64("dropped", atomic.LoadInt64(&p.metrics.JobsDropped)).
				Int64("avg_process_ms", atomic.LoadInt64(&p.metrics.AvgProcessTime)).
				Int32("in_flight", atomic.LoadInt32(&p.metrics.InFlight)).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns a snapshot of the pool counters.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:    atomic.LoadInt64(&p.metrics.JobsDropped),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		InFlight:       atomic.LoadInt32(&p.metrics.InFlight),
	}
}

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter is a lock-free token bucket.
type RateLimiter struct {
	tokens       int64 // atomic
	maxTokens    int64 // atomic
	refillRate   int64 // atomic
	intervalNs   int64 // atomic
	lastRefillNs int64 // atomic (UnixNano)
}

// NewRateLimiter creates a limiter allowing ratePerInterval tokens per
// interval.
func NewRateLimiter(ratePerInterval int, interval time.Duration) *RateLimiter {
	tokens := int64(ratePerInterval)
	return &RateLimiter{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	now := time.Now().UnixNano()
	intervalNs := atomic.LoadInt64(&r.intervalNs)
	lastRefill := atomic.LoadInt64(&r.lastRefillNs)

	elapsed := now - lastRefill
	if elapsed >= intervalNs {
		intervals := elapsed / intervalNs
		refillRate := atomic.LoadInt64(&r.refillRate)
		maxTokens := atomic.LoadInt64(&r.maxTokens)
		tokensToAdd := intervals * refillRate

		if atomic.CompareAndSwapInt64(&r.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&r.tokens)
				newTokens := current + tokensToAdd
				if newTokens > maxTokens {
					newTokens = maxTokens
				}
				if atomic.CompareAndSwapInt64(&r.tokens, current, newTokens) {
					break
				}
			}
		}
	}

	for {
		current := atomic.LoadInt64(&r.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.tokens, current, current-1) {
			return true
		}
	}
}

// SetRate updates the rate limit.
func (r *RateLimiter) SetRate(ratePerInterval int) {
	atomic.StoreInt64(&r.maxTokens, int64(ratePerInterval))
	atomic.StoreInt64(&r.refillRate, int64(ratePerInterval))
}
