package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTransactionDecode(t *testing.T) {
	payload := `{
		"transaction_id": "TX1",
		"entity_id": 42,
		"amount": 120.50,
		"currency": "USD",
		"merchant_category": "grocery",
		"timestamp": "2024-01-01T10:00:00Z",
		"location": {"latitude": 40.7, "longitude": -74.0}
	}`

	var tx Transaction
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if tx.ID != "TX1" || tx.EntityID != 42 || tx.Amount != 120.50 {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if tx.Location.Latitude != 40.7 || tx.Location.Longitude != -74.0 {
		t.Errorf("unexpected location: %+v", tx.Location)
	}
	if !tx.Timestamp.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp: %v", tx.Timestamp)
	}
}

func TestHistoryEntryFromTransaction(t *testing.T) {
	tx := Transaction{
		ID:        "TX2",
		EntityID:  7,
		Amount:    55.0,
		Category:  "travel",
		Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		Location:  Location{Latitude: 51.5, Longitude: -0.1},
	}

	entry := HistoryEntryFromTransaction(tx)
	if entry.EntityID != 7 || entry.Amount != 55.0 || entry.Category != "travel" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Latitude != 51.5 || entry.Longitude != -0.1 {
		t.Errorf("location not projected: %+v", entry)
	}
	if !entry.Timestamp.Equal(tx.Timestamp) {
		t.Errorf("timestamp not carried over: %v", entry.Timestamp)
	}
}

func TestFeatureVectorComplete(t *testing.T) {
	fv := FeatureVector{}
	for _, name := range FeatureSchema {
		fv[name] = 0
	}
	if !fv.Complete() {
		t.Error("full schema should be complete")
	}

	delete(fv, FeatureStdAmount)
	if fv.Complete() {
		t.Error("vector missing a feature should be incomplete")
	}
}

func TestPredictionRoundTrip(t *testing.T) {
	p := Prediction{IsFraud: true, FraudProbability: 0.91, AnomalyScore: 0.4}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Prediction
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != p {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, p)
	}
}

func TestPipelineResultOmitsEmptyError(t *testing.T) {
	res := PipelineResult{TransactionID: "TX1", Status: StatusSuccess}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := m["error"]; ok {
		t.Error("empty error field should be omitted")
	}
}
