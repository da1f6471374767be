package storage

import (
	"time"

	"github.com/google/uuid"
)

// Alert is one persisted anomaly. IDs are assigned client-side before
// persistence so driver rows can reference them without a read-back; rows are
// append-only and never mutated after insert.
type Alert struct {
	AlertID       uuid.UUID
	MetricName    string
	Grain         string
	MetricValue   float64
	ExpectedValue float64
	DeviationPct  float64
	Severity      string
	Method        string
	Explanation   string
	AlertDate     time.Time
	CreatedAt     time.Time
}

// Driver is one dimension segment identified as a significant contributor to
// an alert's deviation. Rank is 1-based within (alert_id, dimension).
type Driver struct {
	AlertID         uuid.UUID
	Dimension       string
	SegmentValue    string
	BaselineValue   float64
	CurrentValue    float64
	Delta           float64
	ContributionPct float64
	Rank            int
	CreatedAt       time.Time
}
