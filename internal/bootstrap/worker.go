package bootstrap

import (
	"context"
	"os"
	"sync"
	"time"

	"triage_server/adapter/in/worker"
	"triage_server/adapter/out/messaging"
	"triage_server/config"
	"triage_server/pkg/logger"

	"github.com/rs/zerolog"
)

// Worker consumes the job streams and executes scan batches and push
// deltas on the pool. Without Redis it starts, logs a warning and idles;
// the HTTP surface stays up either way.
type Worker struct {
	pool       *worker.Pool
	consumer   *messaging.Consumer
	deps       *Dependencies
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	zlog       zerolog.Logger
	watchRenew *worker.WatchRenewScheduler
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	scanProcessor := worker.NewScanProcessor(deps.ScanRunner, cfg.ScanMaxConcurrent)
	pushProcessor := worker.NewPushProcessor(deps.PushProcessor)
	handler := worker.NewHandler(scanProcessor, pushProcessor)

	defaults := worker.DefaultPoolConfig()
	poolConfig := &worker.PoolConfig{
		MaxWorkers:       cfg.WorkerMax,
		PriorityWorkers:  cfg.WorkerMin, // push lane stays responsive while scans saturate the main lane
		WorkerChanSize:   cfg.WorkerQueueSize,
		JobTimeout:       defaults.JobTimeout,
		JobTimeoutByType: defaults.JobTimeoutByType,
		RatePerSecond:    defaults.RatePerSecond,
	}

	pool := worker.NewPool(handler, poolConfig, zlog)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if deps.Redis != nil {
		dispatcher := worker.NewStreamDispatcher(pool, zlog)
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:      "triage-workers",
			Consumer:   cfg.WorkerID,
			Streams:    messaging.JobStreams,
			Handler:    dispatcher,
			Logger:     zlog,
			BatchSize:  cfg.ConsumerBatchSize,
			BlockTime:  time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
			MaxRetries: cfg.ConsumerMaxRetries,
		})
		logger.Info("Stream consumer configured for %d streams", len(messaging.JobStreams))
	} else {
		logger.Warn("Redis not available, worker has no job source")
	}

	// Watch renewal sweeps keep Gmail subscriptions from lapsing. Zero
	// disables the ticker (single-shot environments, tests).
	if cfg.WatchRenewEvery > 0 {
		w.watchRenew = worker.NewWatchRenewScheduler(deps.Subscriptions, cfg.WatchRenewEvery)
	}

	return w, cleanup, nil
}

func (w *Worker) Start() {
	w.pool.Start()

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("starting stream consumer")
			if err := w.consumer.Run(w.ctx); err != nil && err != context.Canceled {
				w.zlog.Error().Err(err).Msg("stream consumer error")
			}
		}()
	}

	if w.watchRenew != nil {
		w.watchRenew.Start()
		w.zlog.Info().Msg("started watch renew scheduler")
	}

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()

	if w.watchRenew != nil {
		w.watchRenew.Stop()
	}

	w.pool.Stop()
	w.wg.Wait()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
