package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fraudflow/internal/optimizer"
	"fraudflow/models"
)

type fakeRunner struct {
	chunkSizes []int
	failEvery  int
}

func (r *fakeRunner) ProcessBatch(_ context.Context, txs []models.Transaction) []models.PipelineResult {
	r.chunkSizes = append(r.chunkSizes, len(txs))

	results := make([]models.PipelineResult, 0, len(txs))
	for i, tx := range txs {
		res := models.PipelineResult{
			TransactionID: tx.ID,
			Status:        models.StatusSuccess,
			Duration:      10 * time.Millisecond,
			Prediction:    models.Prediction{IsFraud: i%2 == 0},
		}
		if r.failEvery > 0 && i%r.failEvery == 0 {
			res.Status = models.StatusError
			res.Error = "induced failure"
		}
		results = append(results, res)
	}
	return results
}

func makeTransactions(n int) []models.Transaction {
	txs := make([]models.Transaction, n)
	for i := range txs {
		txs[i] = models.Transaction{ID: fmt.Sprintf("TX%d", i)}
	}
	return txs
}

func newOptimizer(batchSize int) *optimizer.Optimizer {
	return optimizer.New(optimizer.DefaultLimits(), optimizer.State{BatchSize: batchSize, WorkerCount: 2}, nil, time.Minute)
}

func TestReplayChunksByBatchSize(t *testing.T) {
	runner := &fakeRunner{}
	p := NewProcessor(runner, newOptimizer(10))

	summary := p.Replay(context.Background(), makeTransactions(25))

	if summary.Total != 25 || summary.Succeeded != 25 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	want := []int{10, 10, 5}
	if len(runner.chunkSizes) != len(want) {
		t.Fatalf("chunks = %v, want %v", runner.chunkSizes, want)
	}
	for i, size := range want {
		if runner.chunkSizes[i] != size {
			t.Errorf("chunk %d size = %d, want %d", i, runner.chunkSizes[i], size)
		}
	}
	if len(summary.Results) != 25 {
		t.Errorf("got %d results, want 25", len(summary.Results))
	}
}

func TestReplayAggregatesOutcomes(t *testing.T) {
	runner := &fakeRunner{failEvery: 5}
	p := NewProcessor(runner, newOptimizer(100))

	summary := p.Replay(context.Background(), makeTransactions(10))

	if summary.Failed != 2 {
		t.Errorf("failed = %d, want 2", summary.Failed)
	}
	if summary.Succeeded != 8 {
		t.Errorf("succeeded = %d, want 8", summary.Succeeded)
	}
	if summary.AvgDuration != 10*time.Millisecond {
		t.Errorf("avg duration = %v, want 10ms", summary.AvgDuration)
	}
	// Even indexes are flagged, minus the ones that failed (0 and 5; only 0 is even).
	if summary.Flagged != 4 {
		t.Errorf("flagged = %d, want 4", summary.Flagged)
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	p := NewProcessor(runner, newOptimizer(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := p.Replay(ctx, makeTransactions(25))
	if len(runner.chunkSizes) != 0 {
		t.Errorf("cancelled replay still ran %v chunks", runner.chunkSizes)
	}
	if summary.Total != 25 || summary.Succeeded != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestReplayEmptyInput(t *testing.T) {
	runner := &fakeRunner{}
	p := NewProcessor(runner, newOptimizer(10))

	summary := p.Replay(context.Background(), nil)
	if summary.Total != 0 || summary.AvgDuration != 0 {
		t.Errorf("summary = %+v", summary)
	}
}
