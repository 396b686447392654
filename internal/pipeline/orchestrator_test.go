package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fraudflow/internal/cache"
	"fraudflow/internal/channel"
	"fraudflow/internal/faults"
	"fraudflow/internal/feature"
	"fraudflow/internal/history"
	"fraudflow/internal/metrics"
	"fraudflow/internal/optimizer"
	"fraudflow/internal/recovery"
	"fraudflow/models"
)

type stubScorer struct {
	prediction models.Prediction
	err        error

	calls        atomic.Int64
	inFlight     atomic.Int64
	maxInFlight  atomic.Int64
	perCallDelay time.Duration
}

func (s *stubScorer) Score(ctx context.Context, features models.FeatureVector) (models.Prediction, error) {
	s.calls.Add(1)
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	for {
		peak := s.maxInFlight.Load()
		if current <= peak || s.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	if s.perCallDelay > 0 {
		time.Sleep(s.perCallDelay)
	}
	if s.err != nil {
		return models.Prediction{}, s.err
	}
	return s.prediction, nil
}

func newTestOrchestrator(t *testing.T, sc *stubScorer, workers int) (*Orchestrator, *cache.MemoryStore, *channel.Channels) {
	t.Helper()

	store := cache.NewMemoryStore()
	ch := channel.NewChannels(16, 16)

	deps := Deps{
		Features:  feature.NewProcessor(history.NewStore(), 30),
		Cache:     store,
		Scorer:    sc,
		Optimizer: optimizer.New(optimizer.DefaultLimits(), optimizer.State{BatchSize: 100, WorkerCount: workers}, nil, time.Minute),
		Recovery:  recovery.NewCoordinator(recovery.DefaultConfig(), recovery.Actions{}),
		Metrics:   metrics.NewCollector(),
		Channels:  ch,
	}
	return NewOrchestrator(Config{}, deps), store, ch
}

func sampleTransaction() models.Transaction {
	return models.Transaction{
		ID:        "TX1",
		EntityID:  7,
		Amount:    250.0,
		Currency:  "USD",
		Category:  "grocery",
		Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Location:  models.Location{Latitude: 40.0, Longitude: -74.0},
	}
}

func TestProcessOneSuccess(t *testing.T) {
	sc := &stubScorer{prediction: models.Prediction{IsFraud: true, FraudProbability: 0.93, AnomalyScore: -0.2}}
	o, store, _ := newTestOrchestrator(t, sc, 2)

	res := o.ProcessOne(context.Background(), sampleTransaction())

	if res.Status != models.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", res.Status, res.Error)
	}
	if res.TransactionID != "TX1" || res.EntityID != 7 {
		t.Errorf("identity fields wrong: %+v", res)
	}
	if !res.Features.Complete() {
		t.Errorf("feature vector incomplete: %v", res.Features)
	}
	if res.Prediction.FraudProbability != 0.93 {
		t.Errorf("prediction not propagated: %+v", res.Prediction)
	}
	if res.CacheHit {
		t.Error("first scoring must be a cache miss")
	}

	if _, found, _ := store.Get(context.Background(), cache.PredictionKey("TX1")); !found {
		t.Error("prediction not cached")
	}
	data, found, _ := store.Get(context.Background(), cache.ProfileKey(7))
	if !found {
		t.Fatal("entity profile not cached")
	}
	var profile models.EntityProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.EntityID != 7 || profile.MaxAmount != 250.0 {
		t.Errorf("profile = %+v", profile)
	}
}

func TestProcessOneCacheHitSkipsScorer(t *testing.T) {
	sc := &stubScorer{prediction: models.Prediction{FraudProbability: 0.5}}
	o, _, _ := newTestOrchestrator(t, sc, 2)

	first := o.ProcessOne(context.Background(), sampleTransaction())
	if first.CacheHit {
		t.Fatal("first call must miss")
	}

	second := o.ProcessOne(context.Background(), sampleTransaction())
	if !second.CacheHit {
		t.Fatal("second call must hit the prediction cache")
	}
	if second.Prediction.FraudProbability != 0.5 {
		t.Errorf("cached prediction = %+v", second.Prediction)
	}
	if got := sc.calls.Load(); got != 1 {
		t.Errorf("scorer called %d times, want 1", got)
	}
}

func TestProcessOneScorerFailure(t *testing.T) {
	sc := &stubScorer{err: &faults.ScoringError{Err: errors.New("connection refused")}}
	o, store, _ := newTestOrchestrator(t, sc, 2)

	res := o.ProcessOne(context.Background(), sampleTransaction())

	if res.Status != models.StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if res.Error == "" {
		t.Error("error field must carry the failure")
	}
	if res.Features == nil {
		t.Error("features computed before the failure must be kept")
	}
	if _, found, _ := store.Get(context.Background(), cache.PredictionKey("TX1")); found {
		t.Error("failed scoring must not populate the prediction cache")
	}
}

func TestProcessOneMalformedTransaction(t *testing.T) {
	sc := &stubScorer{}
	o, _, _ := newTestOrchestrator(t, sc, 2)

	tx := sampleTransaction()
	tx.Amount = -5.0
	res := o.ProcessOne(context.Background(), tx)

	if res.Status != models.StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if sc.calls.Load() != 0 {
		t.Error("malformed input must never reach the scorer")
	}
}

func TestProcessBatchBoundsConcurrency(t *testing.T) {
	sc := &stubScorer{
		prediction:   models.Prediction{FraudProbability: 0.1},
		perCallDelay: 10 * time.Millisecond,
	}
	o, _, _ := newTestOrchestrator(t, sc, 3)

	txs := make([]models.Transaction, 12)
	for i := range txs {
		tx := sampleTransaction()
		tx.ID = string(rune('A' + i))
		tx.EntityID = int64(i + 1)
		txs[i] = tx
	}

	results := o.ProcessBatch(context.Background(), txs)

	if len(results) != len(txs) {
		t.Fatalf("got %d results, want %d", len(results), len(txs))
	}
	for _, res := range results {
		if res.Status != models.StatusSuccess {
			t.Errorf("transaction %s failed: %s", res.TransactionID, res.Error)
		}
	}
	if got := sc.maxInFlight.Load(); got > 3 {
		t.Errorf("observed %d concurrent scorings, worker cap is 3", got)
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	sc := &stubScorer{prediction: models.Prediction{FraudProbability: 0.2}}
	o, _, _ := newTestOrchestrator(t, sc, 2)

	good := sampleTransaction()
	bad := sampleTransaction()
	bad.ID = "TX2"
	bad.EntityID = 0

	results := o.ProcessBatch(context.Background(), []models.Transaction{good, bad})

	byID := map[string]models.PipelineResult{}
	for _, res := range results {
		byID[res.TransactionID] = res
	}
	if byID["TX1"].Status != models.StatusSuccess {
		t.Errorf("good transaction failed: %s", byID["TX1"].Error)
	}
	if byID["TX2"].Status != models.StatusError {
		t.Error("bad transaction must fail in isolation")
	}
}

func TestStartDrainsRawChannel(t *testing.T) {
	sc := &stubScorer{prediction: models.Prediction{FraudProbability: 0.3}}
	o, _, ch := newTestOrchestrator(t, sc, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(ctx); err == nil {
		t.Error("second start must fail")
	}

	for i := 0; i < 5; i++ {
		tx := sampleTransaction()
		tx.ID = string(rune('a' + i))
		data, _ := json.Marshal(tx)
		if !ch.SendRaw(ctx, models.RawTransactionMessage{Source: "test", Data: data, Timestamp: time.Now()}) {
			t.Fatalf("send raw %d failed", i)
		}
	}

	close(ch.Raw)
	o.Stop()

	close(ch.Results)
	got := 0
	for res := range ch.Results {
		if res.Status != models.StatusSuccess {
			t.Errorf("result %s failed: %s", res.TransactionID, res.Error)
		}
		got++
	}
	if got != 5 {
		t.Errorf("drained %d results, want 5", got)
	}
}
