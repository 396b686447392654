package models

import (
	"time"
)

// Location is a latitude/longitude pair in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Transaction is a single decoded payment event delivered by the ingest
// transport. It is immutable once constructed.
type Transaction struct {
	ID        string    `json:"transaction_id"`
	EntityID  int64     `json:"entity_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Category  string    `json:"merchant_category"`
	Timestamp time.Time `json:"timestamp"`
	Location  Location  `json:"location"`
}

// HistoryEntry is the projection of a Transaction retained for windowed
// feature computation. Owned by the history store; never mutated after
// insertion.
type HistoryEntry struct {
	EntityID  int64
	Amount    float64
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	Category  string
}

// HistoryEntryFromTransaction builds the store projection of a transaction.
func HistoryEntryFromTransaction(tx Transaction) HistoryEntry {
	return HistoryEntry{
		EntityID:  tx.EntityID,
		Amount:    tx.Amount,
		Timestamp: tx.Timestamp,
		Latitude:  tx.Location.Latitude,
		Longitude: tx.Location.Longitude,
		Category:  tx.Category,
	}
}

// RawTransactionMessage is an undecoded payload from the ingest transport.
type RawTransactionMessage struct {
	Source    string
	Data      []byte
	Timestamp time.Time
}
