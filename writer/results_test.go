package writer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"fraudflow/logger"
	"fraudflow/models"
)

func TestGenerateS3Key(t *testing.T) {
	w := &ArchiveWriter{log: logger.GetLogger()}
	batch := models.ResultBatch{
		BatchID:   "0f9a1b2c-3333-4444-5555-666677778888",
		Timestamp: time.Date(2024, 1, 1, 10, 30, 15, 0, time.UTC),
	}

	key := w.generateS3Key(batch)
	want := "results/date=2024-01-01/hour=10/results_20240101103015_0f9a1b2c.parquet"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
	if strings.Contains(key, "\\") {
		t.Error("s3 key must use forward slashes")
	}
}

func TestCreateParquetFile(t *testing.T) {
	w := &ArchiveWriter{
		cfg: Config{Compression: "snappy"},
		log: logger.GetLogger(),
	}

	results := []models.PipelineResult{
		{
			TransactionID: "TX1",
			EntityID:      7,
			Features:      models.FeatureVector{models.FeatureAmount: 250.0},
			Prediction:    models.Prediction{IsFraud: true, FraudProbability: 0.93},
			Status:        models.StatusSuccess,
			Duration:      120 * time.Millisecond,
			ProcessedAt:   time.Now(),
		},
		{
			TransactionID: "TX2",
			EntityID:      9,
			Status:        models.StatusError,
			Error:         "scoring failed",
			ProcessedAt:   time.Now(),
		},
	}

	data, size, err := w.createParquetFile(results)
	if err != nil {
		t.Fatalf("create parquet: %v", err)
	}
	if size == 0 || int64(len(data)) != size {
		t.Errorf("size = %d, data len = %d", size, len(data))
	}
	// Parquet files end with the PAR1 magic bytes.
	if string(data[len(data)-4:]) != "PAR1" {
		t.Error("output does not look like a parquet file")
	}
}

func TestStopReturnsWhileContextLive(t *testing.T) {
	results := make(chan models.PipelineResult)
	w := &ArchiveWriter{
		cfg:     Config{Bucket: "archive", FlushInterval: time.Hour},
		results: results,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Error("second start should fail")
	}

	// Shutdown closes the result channel before stopping the writer and only
	// cancels the context afterwards; Stop must not depend on cancellation.
	close(results)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while the context was still live")
	}
}

func TestFlushBufferSkipsEmpty(t *testing.T) {
	w := &ArchiveWriter{log: logger.GetLogger()}
	w.flushBuffer("interval")

	batches, records, _ := w.Stats()
	if batches != 0 || records != 0 {
		t.Errorf("empty flush must not write: batches=%d records=%d", batches, records)
	}
}
