package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"fraudflow/internal/faults"
	"fraudflow/logger"
	"fraudflow/models"
)

// Scorer is the external anomaly-scoring model, consumed as an opaque
// collaborator: a feature vector in, a prediction out.
type Scorer interface {
	Score(ctx context.Context, features models.FeatureVector) (models.Prediction, error)
}

// HTTPScorer calls a scoring service over HTTP. Each call runs under the
// current timeout budget; the budget can be stretched by the recovery
// coordinator's timeout strategy, so a slow model degrades instead of
// permanently failing.
type HTTPScorer struct {
	url     string
	client  *http.Client
	timeout atomic.Int64 // nanoseconds
	log     *logger.Log
}

type scoreRequest struct {
	Features models.FeatureVector `json:"features"`
}

// NewHTTPScorer creates a scorer client for the given endpoint. A timeout
// of zero defaults to 30 seconds.
func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &HTTPScorer{
		url:    url,
		client: &http.Client{},
		log:    logger.GetLogger(),
	}
	s.timeout.Store(int64(timeout))
	return s
}

// Timeout returns the current per-call budget.
func (s *HTTPScorer) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// ExtendTimeout multiplies the per-call budget, returning whether a change
// was applied. Wired into the recovery coordinator.
func (s *HTTPScorer) ExtendTimeout(operation string, multiplier float64) bool {
	if multiplier <= 1.0 {
		return false
	}
	old := s.Timeout()
	next := time.Duration(float64(old) * multiplier)
	s.timeout.Store(int64(next))

	s.log.WithComponent("scorer").WithFields(logger.Fields{
		"operation":   operation,
		"old_timeout": old.String(),
		"new_timeout": next.String(),
	}).Info("extended scorer timeout budget")
	return true
}

// Score posts the feature vector to the scoring service. A scorer that never
// answers within the budget surfaces as a timeout failure, never as a hang.
func (s *HTTPScorer) Score(ctx context.Context, features models.FeatureVector) (models.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	body, err := json.Marshal(scoreRequest{Features: features})
	if err != nil {
		return models.Prediction{}, &faults.ScoringError{Err: fmt.Errorf("encode features: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return models.Prediction{}, &faults.ScoringError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Prediction{}, &faults.ScoringError{Err: fmt.Errorf("score call: %w", ctxErr)}
		}
		return models.Prediction{}, &faults.ScoringError{Err: fmt.Errorf("score call: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Prediction{}, &faults.ScoringError{Err: fmt.Errorf("scoring service returned status %d", resp.StatusCode)}
	}

	var prediction models.Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return models.Prediction{}, &faults.ScoringError{Err: fmt.Errorf("decode prediction: %w", err)}
	}
	return prediction, nil
}
