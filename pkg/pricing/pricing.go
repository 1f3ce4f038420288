// Package pricing implements the three-tier pricing pipeline:
// staging snapshots, a consolidation job that dedupes and gap-fills into
// PricingConsolidated, and PricingCanonical carrying derived ML/chart
// fields.
package pricing

import (
	"time"

	"github.com/google/uuid"
)

// DataSource records where a consolidated/canonical point came from.
type DataSource string

const (
	SourceAgent    DataSource = "agent"
	SourceBackfill DataSource = "backfill"
)

// SpotPriceSnapshot is a raw, agent-reported price (staging tier).
type SpotPriceSnapshot struct {
	ID               uuid.UUID
	PoolID           uuid.UUID
	Price            float64
	ObservedAt       time.Time
	SourceInstanceID string
	SourceRole       string
	IsDuplicate      bool
	CreatedAt        time.Time
}

// PricingConsolidated is one deduplicated row per (poolId, observedAt).
type PricingConsolidated struct {
	ID             uuid.UUID
	PoolID         uuid.UUID
	ObservedAt     time.Time
	Price          float64
	IsInterpolated bool
	SourceCount    int
	DataSource     DataSource
}

// PricingCanonical is the read surface for ML training and charts.
type PricingCanonical struct {
	ID              uuid.UUID
	PoolID          uuid.UUID
	ObservedAt      time.Time
	Price           float64
	IsInterpolated  bool
	ConfidenceScore float64
	VolatilityIndex float64
}

// JobStatus is the outcome of one consolidation job execution.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ConsolidationJob is a tracked execution of the consolidation pipeline;
// each run produces a row recording what it processed and repaired.
type ConsolidationJob struct {
	ID                uuid.UUID
	StartedAt         time.Time
	CompletedAt       *time.Time
	Status            JobStatus
	SnapshotsProcessed int
	DuplicatesRemoved int
	GapsFilled        int
	BackfillsAdded    int
	Error             *string
}

// PricingReport is one agent's pricing-report payload.
type PricingReport struct {
	AgentInstanceID string
	AgentRole       string
	Pools           []PoolPrice
	OnDemandPrice   float64
	ObservedAt      *time.Time
}

// PoolPrice is a single pool's reported spot price.
type PoolPrice struct {
	PoolID uuid.UUID
	Price  float64
}
