// Package cloudapi defines the external cloud-provider collaborator as an
// interface and a circuit-breaker-wrapped EC2 implementation.
package cloudapi

import (
	"context"
	"time"
)

// LaunchRequest describes a single instance to launch.
type LaunchRequest struct {
	InstanceType string
	Region       string
	AZ           string
	AMIID        string
	Spot         bool
}

// LaunchResult is the cloud-assigned identity of a launched instance.
type LaunchResult struct {
	InstanceID string
	LaunchedAt time.Time
}

// DescribedInstance is the cloud's view of an instance's current state.
type DescribedInstance struct {
	InstanceID string
	State      string
	PrivateIP  string
	PublicIP   string
}

// HistoricalPricePoint is one point returned by the spot price history API,
// used by the pricing consolidator's backfill step.
type HistoricalPricePoint struct {
	ObservedAt time.Time
	Price      float64
}

// Client is the interface the control plane uses against the underlying
// cloud provider. ML-model training and cloud-account onboarding are
// handled elsewhere; this interface only covers instance lifecycle and
// spot pricing history.
type Client interface {
	RunInstances(ctx context.Context, req LaunchRequest) (LaunchResult, error)
	TerminateInstances(ctx context.Context, instanceIDs []string) error
	DescribeInstances(ctx context.Context, instanceIDs []string) ([]DescribedInstance, error)
	SpotPriceHistory(ctx context.Context, instanceType, region, az string, from, to time.Time) ([]HistoricalPricePoint, error)
}
