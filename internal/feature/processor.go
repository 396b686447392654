package feature

import (
	"math"
	"time"

	"fraudflow/internal/faults"
	"fraudflow/internal/history"
	"fraudflow/logger"
	"fraudflow/models"
)

const hoursPerDay = 24

// Processor derives the fixed feature schema for each transaction from the
// entity's rolling history window.
//
// The current transaction is excluded from its own aggregates: statistics,
// velocity counts and the last-location distance are computed from prior
// history only, and the transaction's entry is appended afterwards. A
// transaction therefore never inflates its own average, max, std or counts.
type Processor struct {
	lookbackDays int
	store        *history.Store
	log          *logger.Log
}

// NewProcessor creates a feature processor over the given history store.
// lookbackDays values below 1 fall back to the 30 day default.
func NewProcessor(store *history.Store, lookbackDays int) *Processor {
	if lookbackDays < 1 {
		lookbackDays = 30
	}
	return &Processor{
		lookbackDays: lookbackDays,
		store:        store,
		log:          logger.GetLogger(),
	}
}

// LookbackDays exposes the configured window length.
func (p *Processor) LookbackDays() int { return p.lookbackDays }

// Process validates the transaction, computes the full feature vector from
// the entity's prior history and then records the transaction in the store.
// On a validation failure the store is left untouched.
func (p *Processor) Process(tx models.Transaction) (models.FeatureVector, error) {
	if err := validate(tx); err != nil {
		p.log.WithComponent("feature_processor").WithError(err).WithFields(logger.Fields{
			"transaction_id": tx.ID,
		}).Warn("rejecting malformed transaction")
		return nil, err
	}

	lookback := time.Duration(p.lookbackDays) * hoursPerDay * time.Hour
	hist := p.store.Query(tx.EntityID, tx.Timestamp.Add(-lookback))

	fv := models.FeatureVector{
		models.FeatureAmount:    tx.Amount,
		models.FeatureHourOfDay: float64(tx.Timestamp.UTC().Hour()),
		models.FeatureIsWeekend: boolToFloat(isWeekend(tx.Timestamp)),
	}
	p.addUserStatistics(fv, hist)
	p.addLocationFeatures(fv, tx)
	p.addVelocityFeatures(fv, hist, tx.Timestamp)

	p.store.Append(models.HistoryEntryFromTransaction(tx))

	return fv, nil
}

// Profile builds the cacheable statistical snapshot for an entity from its
// current window.
func (p *Processor) Profile(entityID int64, now time.Time) models.EntityProfile {
	lookback := time.Duration(p.lookbackDays) * hoursPerDay * time.Hour
	hist := p.store.Query(entityID, now.Add(-lookback))

	profile := models.EntityProfile{EntityID: entityID, UpdatedAt: now}
	if len(hist) == 0 {
		return profile
	}
	profile.AvgAmount = mean(hist)
	profile.MaxAmount = maxAmount(hist)
	profile.TxFrequency = float64(len(hist)) / float64(p.lookbackDays)
	profile.LastSeen = hist[len(hist)-1].Timestamp
	return profile
}

// EvictExpired removes every history entry that has fallen out of the
// lookback window relative to now. Returns the number of evicted entries.
func (p *Processor) EvictExpired(now time.Time) int {
	lookback := time.Duration(p.lookbackDays) * hoursPerDay * time.Hour
	return p.store.EvictOlderThan(now.Add(-lookback))
}

func (p *Processor) addUserStatistics(fv models.FeatureVector, hist []models.HistoryEntry) {
	if len(hist) == 0 {
		fv[models.FeatureAvgAmount] = 0.0
		fv[models.FeatureMaxAmount] = 0.0
		fv[models.FeatureStdAmount] = 0.0
		fv[models.FeatureTxFrequency] = 0.0
		return
	}

	avg := mean(hist)
	fv[models.FeatureAvgAmount] = avg
	fv[models.FeatureMaxAmount] = maxAmount(hist)
	fv[models.FeatureStdAmount] = populationStd(hist, avg)
	fv[models.FeatureTxFrequency] = float64(len(hist)) / float64(p.lookbackDays)
}

func (p *Processor) addLocationFeatures(fv models.FeatureVector, tx models.Transaction) {
	last, ok := p.store.Last(tx.EntityID)
	if !ok {
		fv[models.FeatureDistanceLast] = 0.0
		return
	}
	// Planar distance in degree space, not geodesic.
	dLat := tx.Location.Latitude - last.Latitude
	dLon := tx.Location.Longitude - last.Longitude
	fv[models.FeatureDistanceLast] = math.Sqrt(dLat*dLat + dLon*dLon)
}

func (p *Processor) addVelocityFeatures(fv models.FeatureVector, hist []models.HistoryEntry, ts time.Time) {
	windows := []struct {
		name string
		span time.Duration
	}{
		{models.FeatureTxCount1h, time.Hour},
		{models.FeatureTxCount24h, 24 * time.Hour},
		{models.FeatureTxCount7d, 7 * 24 * time.Hour},
	}

	for _, w := range windows {
		since := ts.Add(-w.span)
		count := 0
		for _, e := range hist {
			if !e.Timestamp.Before(since) {
				count++
			}
		}
		fv[w.name] = float64(count)
	}
}

func validate(tx models.Transaction) error {
	switch {
	case tx.ID == "":
		return &faults.MalformedInputError{Field: "transaction_id", Reason: "is required"}
	case tx.EntityID <= 0:
		return &faults.MalformedInputError{Field: "entity_id", Reason: "must be a positive identifier"}
	case tx.Amount < 0 || math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0):
		return &faults.MalformedInputError{Field: "amount", Reason: "must be a non-negative number"}
	case tx.Timestamp.IsZero():
		return &faults.MalformedInputError{Field: "timestamp", Reason: "is required"}
	case tx.Location.Latitude < -90 || tx.Location.Latitude > 90:
		return &faults.MalformedInputError{Field: "location", Reason: "latitude out of range"}
	case tx.Location.Longitude < -180 || tx.Location.Longitude > 180:
		return &faults.MalformedInputError{Field: "location", Reason: "longitude out of range"}
	}
	return nil
}

// isWeekend uses the fixed UTC calendar so results do not depend on caller
// locale.
func isWeekend(ts time.Time) bool {
	switch ts.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return true
	default:
		return false
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

func mean(hist []models.HistoryEntry) float64 {
	sum := 0.0
	for _, e := range hist {
		sum += e.Amount
	}
	return sum / float64(len(hist))
}

func maxAmount(hist []models.HistoryEntry) float64 {
	max := hist[0].Amount
	for _, e := range hist[1:] {
		if e.Amount > max {
			max = e.Amount
		}
	}
	return max
}

func populationStd(hist []models.HistoryEntry, avg float64) float64 {
	if len(hist) < 2 {
		return 0.0
	}
	sum := 0.0
	for _, e := range hist {
		d := e.Amount - avg
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(hist)))
}
