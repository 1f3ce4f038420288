package pricing

import "testing"

func TestDeriveEnrichmentDirectObservationFullConfidence(t *testing.T) {
	point := PricingConsolidated{Price: 0.10, DataSource: SourceAgent, SourceCount: 1}
	confidence, volatility := DeriveEnrichment(point, nil)
	if confidence != 1.0 {
		t.Errorf("expected confidence 1.0 for a direct single-source point, got %v", confidence)
	}
	if volatility != 0 {
		t.Errorf("expected zero volatility with no neighbors, got %v", volatility)
	}
}

func TestDeriveEnrichmentInterpolatedLowersConfidence(t *testing.T) {
	point := PricingConsolidated{Price: 0.10, IsInterpolated: true, DataSource: SourceAgent, SourceCount: 1}
	confidence, _ := DeriveEnrichment(point, nil)
	if confidence != 0.6 {
		t.Errorf("expected confidence 0.6 for an interpolated point, got %v", confidence)
	}
}

func TestDeriveEnrichmentBackfillLowersConfidenceBelowInterpolated(t *testing.T) {
	point := PricingConsolidated{Price: 0.10, IsInterpolated: true, DataSource: SourceBackfill, SourceCount: 1}
	confidence, _ := DeriveEnrichment(point, nil)
	if confidence != 0.4 {
		t.Errorf("expected confidence 0.4 for a backfilled point, got %v", confidence)
	}
}

func TestDeriveEnrichmentMultipleSourcesBoostConfidence(t *testing.T) {
	point := PricingConsolidated{Price: 0.10, IsInterpolated: true, DataSource: SourceAgent, SourceCount: 3}
	confidence, _ := DeriveEnrichment(point, nil)
	if confidence != 0.8 {
		t.Errorf("expected confidence 0.8 (0.6 base + 0.1*2), got %v", confidence)
	}
}

func TestDeriveEnrichmentVolatilityFromNeighbors(t *testing.T) {
	point := PricingConsolidated{Price: 0.10, DataSource: SourceAgent, SourceCount: 1}
	neighbors := []PricingConsolidated{
		{Price: 0.10}, {Price: 0.12}, {Price: 0.08},
	}
	_, volatility := DeriveEnrichment(point, neighbors)
	if volatility <= 0 {
		t.Errorf("expected positive volatility for varying neighbor prices, got %v", volatility)
	}
}

func TestDeriveEnrichmentZeroVolatilityForIdenticalNeighbors(t *testing.T) {
	point := PricingConsolidated{Price: 0.10, DataSource: SourceAgent, SourceCount: 1}
	neighbors := []PricingConsolidated{
		{Price: 0.10}, {Price: 0.10}, {Price: 0.10},
	}
	_, volatility := DeriveEnrichment(point, neighbors)
	if volatility != 0 {
		t.Errorf("expected zero volatility when all neighbors match, got %v", volatility)
	}
}
