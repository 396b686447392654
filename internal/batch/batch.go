package batch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fraudflow/internal/optimizer"
	"fraudflow/logger"
	"fraudflow/models"
)

// Runner replays a set of transactions through the pipeline, used for
// historical backfills. Not part of the streaming path.
type Runner interface {
	ProcessBatch(ctx context.Context, txs []models.Transaction) []models.PipelineResult
}

// Summary aggregates a replay run.
type Summary struct {
	RunID       string
	Total       int
	Succeeded   int
	Failed      int
	Flagged     int
	AvgDuration time.Duration
	Results     []models.PipelineResult
}

// Processor chunks transaction slices using the optimizer's current batch
// size, so a replay sheds load together with the streaming pipeline.
type Processor struct {
	runner    Runner
	optimizer *optimizer.Optimizer
	log       *logger.Log
}

// NewProcessor builds a replay processor over the given batch runner.
func NewProcessor(runner Runner, opt *optimizer.Optimizer) *Processor {
	return &Processor{
		runner:    runner,
		optimizer: opt,
		log:       logger.GetLogger(),
	}
}

// Replay runs every transaction through the pipeline in optimizer-sized
// chunks and aggregates the outcome. The chunk size is re-read before each
// chunk, picking up optimizer adjustments mid-run.
func (p *Processor) Replay(ctx context.Context, txs []models.Transaction) Summary {
	summary := Summary{
		RunID:   uuid.New().String(),
		Total:   len(txs),
		Results: make([]models.PipelineResult, 0, len(txs)),
	}

	log := p.log.WithComponent("batch").WithFields(logger.Fields{
		"run_id":       summary.RunID,
		"transactions": len(txs),
		"operation":    "replay",
	})
	log.Info("starting batch replay")

	start := time.Now()
	var totalDuration time.Duration

	for offset := 0; offset < len(txs); {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("replay cancelled")
			break
		}

		size := p.optimizer.Snapshot().BatchSize
		if size < 1 {
			size = 1
		}
		end := offset + size
		if end > len(txs) {
			end = len(txs)
		}

		results := p.runner.ProcessBatch(ctx, txs[offset:end])
		for _, res := range results {
			if res.Status == models.StatusSuccess {
				summary.Succeeded++
				if res.Prediction.IsFraud {
					summary.Flagged++
				}
			} else {
				summary.Failed++
			}
			totalDuration += res.Duration
			summary.Results = append(summary.Results, res)
		}

		offset = end
	}

	if n := summary.Succeeded + summary.Failed; n > 0 {
		summary.AvgDuration = totalDuration / time.Duration(n)
	}

	log.WithFields(logger.Fields{
		"succeeded":    summary.Succeeded,
		"failed":       summary.Failed,
		"flagged":      summary.Flagged,
		"avg_duration": summary.AvgDuration.String(),
		"elapsed":      time.Since(start).String(),
	}).Info("batch replay finished")

	return summary
}
