package models

// Feature names produced by the feature processor. The schema is fixed and
// versioned: every vector contains exactly these keys.
const (
	FeatureAmount       = "amount"
	FeatureHourOfDay    = "hour_of_day"
	FeatureIsWeekend    = "is_weekend"
	FeatureAvgAmount    = "avg_amount"
	FeatureMaxAmount    = "max_amount"
	FeatureStdAmount    = "std_amount"
	FeatureTxFrequency  = "transaction_frequency"
	FeatureDistanceLast = "distance_from_last_tx"
	FeatureTxCount1h    = "tx_count_1h"
	FeatureTxCount24h   = "tx_count_24h"
	FeatureTxCount7d    = "tx_count_7d"
)

// FeatureSchema lists every feature name in canonical order.
var FeatureSchema = []string{
	FeatureAmount,
	FeatureHourOfDay,
	FeatureIsWeekend,
	FeatureAvgAmount,
	FeatureMaxAmount,
	FeatureStdAmount,
	FeatureTxFrequency,
	FeatureDistanceLast,
	FeatureTxCount1h,
	FeatureTxCount24h,
	FeatureTxCount7d,
}

// FeatureVector maps feature names to numeric values. Booleans are encoded
// as 0/1 so the vector stays uniformly numeric for the scorer.
type FeatureVector map[string]float64

// Complete reports whether the vector carries the full feature schema.
// A partial vector is a contract violation and must never reach the scorer.
func (fv FeatureVector) Complete() bool {
	for _, name := range FeatureSchema {
		if _, ok := fv[name]; !ok {
			return false
		}
	}
	return true
}
