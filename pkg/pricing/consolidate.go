package pricing

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/telemetry"
	"github.com/wisbric/fleetctl/pkg/cloudapi"
	"github.com/wisbric/fleetctl/pkg/pool"
)

const (
	bucketInterval = time.Minute
	gapThreshold   = 5 * time.Minute
	backfillWindow = 7 * 24 * time.Hour
)

// Consolidator runs the three-step consolidation pipeline (dedup, gap-fill,
// backfill) as a tracked job.
type Consolidator struct {
	staging      *StagingStore
	consolidated *ConsolidatedStore
	canonical    *CanonicalStore
	jobs         *JobStore
	pools        *pool.Store
	cloud        cloudapi.Client
	logger       *slog.Logger
}

// NewConsolidator creates a Consolidator. cloud may be nil, in which case
// the backfill step is skipped.
func NewConsolidator(staging *StagingStore, consolidated *ConsolidatedStore, canonical *CanonicalStore, jobs *JobStore, pools *pool.Store, cloud cloudapi.Client, logger *slog.Logger) *Consolidator {
	return &Consolidator{staging: staging, consolidated: consolidated, canonical: canonical, jobs: jobs, pools: pools, cloud: cloud, logger: logger}
}

// Run executes one consolidation pass over snapshots older than the
// consolidation horizon. On failure the job row records the error; the
// next scheduled run resumes cleanly since consolidation only ever fills
// missing buckets.
func (c *Consolidator) Run(ctx context.Context, horizon time.Duration) (ConsolidationJob, error) {
	jobID, err := c.jobs.Start(ctx)
	if err != nil {
		return ConsolidationJob{}, err
	}

	job := ConsolidationJob{ID: jobID, StartedAt: time.Now(), Status: JobRunning}
	cutoff := time.Now().Add(-horizon)

	poolIDs, err := c.consolidated.PoolsWithPendingSnapshots(ctx, cutoff)
	if err != nil {
		_ = c.jobs.Fail(ctx, jobID, err)
		return job, err
	}

	for _, poolID := range poolIDs {
		if err := c.consolidatePool(ctx, poolID, cutoff, &job); err != nil {
			c.logger.Error("consolidating pool", "pool_id", poolID, "error", err)
			_ = c.jobs.Fail(ctx, jobID, err)
			return job, err
		}
	}

	job.Status = JobCompleted
	if err := c.jobs.Complete(ctx, jobID, job); err != nil {
		return job, err
	}
	telemetry.ConsolidationSnapshotsTotal.WithLabelValues("processed").Add(float64(job.SnapshotsProcessed))
	telemetry.ConsolidationSnapshotsTotal.WithLabelValues("interpolated").Add(float64(job.GapsFilled))
	telemetry.ConsolidationSnapshotsTotal.WithLabelValues("backfilled").Add(float64(job.BackfillsAdded))
	return job, nil
}

// consolidatePool runs dedup, gap-fill, and backfill for a single pool and
// accumulates counters into job.
func (c *Consolidator) consolidatePool(ctx context.Context, poolID uuid.UUID, cutoff time.Time, job *ConsolidationJob) error {
	snapshots, err := c.staging.UnconsolidatedBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	buckets := map[time.Time][]SpotPriceSnapshot{}
	for _, snap := range snapshots {
		if snap.PoolID != poolID {
			continue
		}
		bucket := snap.ObservedAt.Truncate(bucketInterval)
		buckets[bucket] = append(buckets[bucket], snap)
		job.SnapshotsProcessed++
	}

	// Step 1: dedup via median per bucket.
	var bucketTimes []time.Time
	for bucket := range buckets {
		bucketTimes = append(bucketTimes, bucket)
	}
	sort.Slice(bucketTimes, func(i, j int) bool { return bucketTimes[i].Before(bucketTimes[j]) })

	for _, bucket := range bucketTimes {
		group := buckets[bucket]
		price := median(group)

		if err := c.consolidated.Upsert(ctx, PricingConsolidated{
			PoolID: poolID, ObservedAt: bucket, Price: price, SourceCount: len(group), DataSource: SourceAgent,
		}); err != nil {
			return err
		}

		if len(group) > 1 {
			var dupIDs []uuid.UUID
			for _, snap := range group {
				dupIDs = append(dupIDs, snap.ID)
			}
			if err := c.staging.MarkDuplicates(ctx, dupIDs); err != nil {
				return err
			}
			job.DuplicatesRemoved += len(group) - 1
		}
	}

	// Step 2: gap fill.
	if len(bucketTimes) > 0 {
		windowFrom := bucketTimes[0].Add(-bucketInterval)
		windowTo := bucketTimes[len(bucketTimes)-1].Add(bucketInterval)
		points, err := c.consolidated.PointsInWindow(ctx, poolID, windowFrom, windowTo)
		if err != nil {
			return err
		}

		filled, err := c.fillGaps(ctx, poolID, points)
		if err != nil {
			return err
		}
		job.GapsFilled += filled
	}

	// Step 3: backfill the last 7 days wherever no agent ever reported.
	if c.cloud != nil {
		added, err := c.backfill(ctx, poolID)
		if err != nil {
			c.logger.Warn("backfill failed, continuing without it", "pool_id", poolID, "error", err)
		} else {
			job.BackfillsAdded += added
		}
	}

	// Canonical enrichment for everything just touched.
	return c.enrichCanonical(ctx, poolID, bucketTimes)
}

func (c *Consolidator) fillGaps(ctx context.Context, poolID uuid.UUID, points []PricingConsolidated) (int, error) {
	filled := 0
	for i := 0; i+1 < len(points); i++ {
		a, b := points[i], points[i+1]
		gap := b.ObservedAt.Sub(a.ObservedAt)
		if gap <= gapThreshold {
			continue
		}

		steps := int(gap / bucketInterval)
		for step := 1; step < steps; step++ {
			t := a.ObservedAt.Add(time.Duration(step) * bucketInterval)
			frac := float64(step) / float64(steps)
			price := a.Price + frac*(b.Price-a.Price)

			if err := c.consolidated.Upsert(ctx, PricingConsolidated{
				PoolID: poolID, ObservedAt: t, Price: price, IsInterpolated: true, SourceCount: 0, DataSource: SourceAgent,
			}); err != nil {
				return filled, err
			}
			filled++
		}
	}
	return filled, nil
}

// backfill fills buckets in the last backfillWindow that no agent ever
// reported, by resolving poolID's (instanceType, region, az) and querying
// the cloud provider's spot price history directly.
func (c *Consolidator) backfill(ctx context.Context, poolID uuid.UUID) (int, error) {
	p, err := c.pools.Get(ctx, poolID)
	if err != nil {
		return 0, err
	}

	to := time.Now()
	from := to.Add(-backfillWindow)

	history, err := c.cloud.SpotPriceHistory(ctx, p.InstanceType, p.Region, p.AZ, from, to)
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		return 0, nil
	}

	existing, err := c.consolidated.PointsInWindow(ctx, poolID, from, to)
	if err != nil {
		return 0, err
	}
	covered := make(map[time.Time]bool, len(existing))
	for _, pt := range existing {
		covered[pt.ObservedAt.Truncate(bucketInterval)] = true
	}

	added := 0
	for _, h := range history {
		bucket := h.ObservedAt.Truncate(bucketInterval)
		if covered[bucket] {
			continue
		}
		if err := c.consolidated.Upsert(ctx, PricingConsolidated{
			PoolID: poolID, ObservedAt: bucket, Price: h.Price, SourceCount: 0, DataSource: SourceBackfill,
		}); err != nil {
			return added, err
		}
		covered[bucket] = true
		added++
	}
	return added, nil
}

func (c *Consolidator) enrichCanonical(ctx context.Context, poolID uuid.UUID, bucketTimes []time.Time) error {
	if len(bucketTimes) == 0 {
		return nil
	}
	from := bucketTimes[0].Add(-time.Hour)
	to := bucketTimes[len(bucketTimes)-1].Add(time.Hour)

	points, err := c.consolidated.PointsInWindow(ctx, poolID, from, to)
	if err != nil {
		return err
	}

	for i, p := range points {
		lo, hi := i-2, i+3
		if lo < 0 {
			lo = 0
		}
		if hi > len(points) {
			hi = len(points)
		}
		neighbors := points[lo:hi]

		confidence, volatility := DeriveEnrichment(p, neighbors)
		if err := c.canonical.Upsert(ctx, PricingCanonical{
			PoolID: p.PoolID, ObservedAt: p.ObservedAt, Price: p.Price, IsInterpolated: p.IsInterpolated,
			ConfidenceScore: confidence, VolatilityIndex: volatility,
		}); err != nil {
			return err
		}
	}
	return nil
}

func median(snapshots []SpotPriceSnapshot) float64 {
	prices := make([]float64, len(snapshots))
	for i, s := range snapshots {
		prices[i] = s.Price
	}
	sort.Float64s(prices)

	n := len(prices)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return prices[n/2]
	}
	return math.Round((prices[n/2-1]+prices[n/2])/2*1e6) / 1e6
}
