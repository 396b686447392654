package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fraudflow/internal/cache"
	"fraudflow/internal/channel"
	"fraudflow/internal/faults"
	"fraudflow/internal/feature"
	"fraudflow/internal/metrics"
	"fraudflow/internal/optimizer"
	"fraudflow/internal/recovery"
	"fraudflow/internal/scorer"
	"fraudflow/logger"
	"fraudflow/models"
)

// Config holds the orchestrator's tunables.
type Config struct {
	PredictionTTL    time.Duration
	ProfileTTL       time.Duration
	EvictionInterval time.Duration
}

// Deps are the collaborators the orchestrator coordinates.
type Deps struct {
	Features  *feature.Processor
	Cache     cache.Store
	Scorer    scorer.Scorer
	Optimizer *optimizer.Optimizer
	Recovery  *recovery.Coordinator
	Metrics   *metrics.Collector
	Channels  *channel.Channels
}

// Orchestrator runs the per-transaction pipeline: feature extraction, cached
// prediction lookup, scoring, cache refresh. One transaction's failure is
// contained in its own result and never aborts neighbours in a batch.
type Orchestrator struct {
	cfg  Config
	deps Deps

	ctx     context.Context
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	// Metrics
	processedCount int64
	errorCount     int64
	cacheHitCount  int64
}

// NewOrchestrator wires the pipeline stages together. Zero TTLs fall back to
// the cache package defaults; a zero eviction interval defaults to one hour.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.PredictionTTL <= 0 {
		cfg.PredictionTTL = cache.DefaultPredictionTTL
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = cache.DefaultProfileTTL
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = time.Hour
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  logger.GetLogger(),
	}
}

// Start launches the consuming workers and the history eviction loop. The
// worker count is taken from the optimizer's current snapshot.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.ctx = ctx
	o.quit = make(chan struct{})
	o.mu.Unlock()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"operation": "start"})

	numWorkers := o.deps.Optimizer.Snapshot().WorkerCount
	if numWorkers < 1 {
		numWorkers = 1
	}
	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting pipeline workers")

	for i := 0; i < numWorkers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	o.wg.Add(1)
	go o.evictionLoop()

	go o.metricsReporter(ctx)

	log.Info("orchestrator started successfully")
	return nil
}

// Stop waits for the workers to drain the raw channel and exit. The ingest
// side must have closed the channel first.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.running {
		o.running = false
		close(o.quit)
	}
	o.mu.Unlock()

	o.log.WithComponent("orchestrator").Info("stopping orchestrator")
	o.wg.Wait()
	o.log.WithComponent("orchestrator").Info("orchestrator stopped")
}

func (o *Orchestrator) worker(workerID int) {
	defer o.wg.Done()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "pipeline",
	})
	log.Info("starting pipeline worker")

	for {
		select {
		case <-o.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case rawMsg, ok := <-o.deps.Channels.Raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}
			o.handleRaw(rawMsg)
		}
	}
}

func (o *Orchestrator) handleRaw(rawMsg models.RawTransactionMessage) {
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"source":    rawMsg.Source,
		"operation": "handle_raw",
	})

	var tx models.Transaction
	if err := json.Unmarshal(rawMsg.Data, &tx); err != nil {
		o.mu.Lock()
		o.errorCount++
		o.mu.Unlock()
		o.deps.Metrics.RecordError(faults.ClassData.String())
		log.WithError(err).Warn("failed to unmarshal transaction, skipping")
		return
	}

	result := o.ProcessOne(o.ctx, tx)
	if !o.deps.Channels.SendResult(o.ctx, result) {
		log.WithFields(logger.Fields{"transaction_id": result.TransactionID}).Warn("result channel is full, result not sent")
	}
}

// ProcessOne runs a single transaction through the full pipeline and always
// returns a result: failures are captured in the result's status and error
// fields, never propagated.
func (o *Orchestrator) ProcessOne(ctx context.Context, tx models.Transaction) models.PipelineResult {
	start := time.Now()
	o.deps.Metrics.RecordTransactionStart()

	features, err := o.deps.Features.Process(tx)
	if err != nil {
		return o.failResult(ctx, tx, nil, start, err)
	}

	prediction, cacheHit := o.lookupPrediction(ctx, tx.ID)
	o.deps.Metrics.RecordCacheLookup(cacheHit)

	if !cacheHit {
		scoreStart := time.Now()
		prediction, err = o.deps.Scorer.Score(ctx, features)
		if err != nil {
			return o.failResult(ctx, tx, features, start, err)
		}
		o.deps.Metrics.RecordPrediction(time.Since(scoreStart), prediction.FraudProbability)
		o.storePrediction(ctx, tx.ID, prediction)
	}

	o.refreshProfile(ctx, tx)

	duration := time.Since(start)
	o.deps.Metrics.RecordTransactionEnd(duration)

	o.mu.Lock()
	o.processedCount++
	if cacheHit {
		o.cacheHitCount++
	}
	o.mu.Unlock()

	return models.PipelineResult{
		TransactionID: tx.ID,
		EntityID:      tx.EntityID,
		Features:      features,
		Prediction:    prediction,
		Duration:      duration,
		Status:        models.StatusSuccess,
		ProcessedAt:   time.Now(),
		CacheHit:      cacheHit,
	}
}

// ProcessBatch scores the transactions concurrently, capped at the
// optimizer's current worker count. Results arrive in completion order, one
// per input transaction.
func (o *Orchestrator) ProcessBatch(ctx context.Context, txs []models.Transaction) []models.PipelineResult {
	if len(txs) == 0 {
		return nil
	}

	state := o.deps.Optimizer.Snapshot()
	workers := state.WorkerCount
	if workers < 1 {
		workers = 1
	}

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"batch_size": len(txs),
		"workers":    workers,
		"operation":  "process_batch",
	})
	log.Info("processing batch")

	start := time.Now()
	sem := make(chan struct{}, workers)
	resultCh := make(chan models.PipelineResult, len(txs))
	var wg sync.WaitGroup

	for _, tx := range txs {
		wg.Add(1)
		sem <- struct{}{}
		go func(tx models.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			resultCh <- o.ProcessOne(ctx, tx)
		}(tx)
	}
	wg.Wait()
	close(resultCh)

	results := make([]models.PipelineResult, 0, len(txs))
	success, failure := 0, 0
	for res := range resultCh {
		if res.Status == models.StatusSuccess {
			success++
		} else {
			failure++
		}
		results = append(results, res)
	}

	o.deps.Metrics.RecordBatchOutcome(success, failure)
	log.WithFields(logger.Fields{
		"success":  success,
		"failed":   failure,
		"duration": time.Since(start).String(),
	}).Info("batch processed")

	return results
}

// failResult classifies the failure, hands it to the recovery coordinator and
// builds the error-status result.
func (o *Orchestrator) failResult(ctx context.Context, tx models.Transaction, features models.FeatureVector, start time.Time, err error) models.PipelineResult {
	duration := time.Since(start)
	o.deps.Metrics.RecordTransactionEnd(duration)

	class := faults.Classify(err)
	o.deps.Metrics.RecordError(class.String())

	o.mu.Lock()
	o.errorCount++
	o.mu.Unlock()

	recovered := o.deps.Recovery.Recover(ctx, class, failureFor(class, err))

	o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
		"transaction_id": tx.ID,
		"entity_id":      tx.EntityID,
		"failure_class":  class.String(),
		"recovered":      recovered,
	}).Warn("transaction processing failed")

	return models.PipelineResult{
		TransactionID: tx.ID,
		EntityID:      tx.EntityID,
		Features:      features,
		Duration:      duration,
		Status:        models.StatusError,
		Error:         err.Error(),
		ProcessedAt:   time.Now(),
	}
}

// failureFor maps a classified error onto the recovery coordinator's failure
// context.
func failureFor(class faults.FailureClass, err error) recovery.Failure {
	fc := recovery.Failure{Err: err}
	switch class {
	case faults.ClassConnection:
		fc.Service = "scorer"
	case faults.ClassTimeout:
		fc.Operation = "score"
	case faults.ClassResource:
		fc.Resource = "memory"
	case faults.ClassData:
		fc.DataKind = "corrupt"
	}
	return fc
}

func (o *Orchestrator) lookupPrediction(ctx context.Context, transactionID string) (models.Prediction, bool) {
	var prediction models.Prediction

	data, found, err := o.deps.Cache.Get(ctx, cache.PredictionKey(transactionID))
	if err != nil {
		o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
			"transaction_id": transactionID,
		}).Warn("prediction cache lookup failed, treating as miss")
		return prediction, false
	}
	if !found {
		return prediction, false
	}
	if err := json.Unmarshal(data, &prediction); err != nil {
		o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
			"transaction_id": transactionID,
		}).Warn("cached prediction is corrupt, treating as miss")
		return models.Prediction{}, false
	}
	return prediction, true
}

// storePrediction caches the scorer output. Cache write failures degrade to
// uncached operation.
func (o *Orchestrator) storePrediction(ctx context.Context, transactionID string, prediction models.Prediction) {
	data, err := json.Marshal(prediction)
	if err != nil {
		return
	}
	if err := o.deps.Cache.Put(ctx, cache.PredictionKey(transactionID), data, o.cfg.PredictionTTL); err != nil {
		o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
			"transaction_id": transactionID,
		}).Warn("failed to cache prediction")
	}
}

// refreshProfile rebuilds and caches the entity's statistical snapshot after
// its history gained the processed transaction.
func (o *Orchestrator) refreshProfile(ctx context.Context, tx models.Transaction) {
	profile := o.deps.Features.Profile(tx.EntityID, tx.Timestamp)
	data, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := o.deps.Cache.Put(ctx, cache.ProfileKey(tx.EntityID), data, o.cfg.ProfileTTL); err != nil {
		o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
			"entity_id": tx.EntityID,
		}).Warn("failed to cache entity profile")
	}
}

func (o *Orchestrator) evictionLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.EvictionInterval)
	defer ticker.Stop()

	log := o.log.WithComponent("orchestrator")

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.quit:
			return
		case <-ticker.C:
			evicted := o.deps.Features.EvictExpired(time.Now())
			if evicted > 0 {
				log.WithFields(logger.Fields{"evicted_entries": evicted}).Info("evicted expired history")
			}
		}
	}
}

func (o *Orchestrator) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reportMetrics()
		}
	}
}

func (o *Orchestrator) reportMetrics() {
	o.mu.RLock()
	processedCount := o.processedCount
	errorCount := o.errorCount
	cacheHitCount := o.cacheHitCount
	o.mu.RUnlock()

	errorRate := float64(0)
	if processedCount+errorCount > 0 {
		errorRate = float64(errorCount) / float64(processedCount+errorCount)
	}

	state := o.deps.Optimizer.Snapshot()

	o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"processed_count": processedCount,
		"error_count":     errorCount,
		"cache_hit_count": cacheHitCount,
		"error_rate":      errorRate,
		"batch_size":      state.BatchSize,
		"worker_count":    state.WorkerCount,
	}).Info("orchestrator metrics")
}
