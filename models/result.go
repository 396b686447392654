package models

import (
	"time"
)

// Prediction is the opaque output of the external scorer.
type Prediction struct {
	IsFraud          bool    `json:"is_fraud"`
	FraudProbability float64 `json:"fraud_probability"`
	AnomalyScore     float64 `json:"anomaly_score"`
}

// Pipeline result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// PipelineResult is the per-transaction outcome produced by the orchestrator.
// Immutable once returned.
type PipelineResult struct {
	TransactionID string        `json:"transaction_id"`
	EntityID      int64         `json:"entity_id"`
	Features      FeatureVector `json:"features"`
	Prediction    Prediction    `json:"prediction"`
	Duration      time.Duration `json:"processing_time"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	ProcessedAt   time.Time     `json:"processed_at"`
	CacheHit      bool          `json:"cache_hit"`
}

// EntityProfile is the cached statistical snapshot for an entity, refreshed
// after each processed transaction.
type EntityProfile struct {
	EntityID    int64     `json:"entity_id"`
	AvgAmount   float64   `json:"avg_amount"`
	MaxAmount   float64   `json:"max_amount"`
	TxFrequency float64   `json:"transaction_frequency"`
	LastSeen    time.Time `json:"last_seen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ResultBatch groups pipeline results for the archive writer.
type ResultBatch struct {
	BatchID     string           `json:"batch_id"`
	Results     []PipelineResult `json:"results"`
	RecordCount int              `json:"record_count"`
	Timestamp   time.Time        `json:"timestamp"`
}
