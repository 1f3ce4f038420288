package mlengine

import (
	"context"
	"testing"
)

func TestHeuristicEngineNoRecommendationWhenNoCheaperPool(t *testing.T) {
	e := NewHeuristicEngine()
	d, err := e.Decide(context.Background(), Input{CurrentPrice: 0.10, CheapestPrice: 0.12})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Recommend {
		t.Fatal("expected no recommendation when cheapest pool is not cheaper")
	}
}

func TestHeuristicEngineRecommendsSmallMarginWithoutUrgency(t *testing.T) {
	e := NewHeuristicEngine()
	d, err := e.Decide(context.Background(), Input{CurrentPrice: 0.10, CheapestPrice: 0.09})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Recommend {
		t.Fatal("expected a recommendation for a 10% cheaper pool")
	}
	if d.Urgent {
		t.Fatal("did not expect urgency for a 10% margin")
	}
}

func TestHeuristicEngineFlagsUrgentForWideMargin(t *testing.T) {
	e := NewHeuristicEngine()
	d, err := e.Decide(context.Background(), Input{CurrentPrice: 0.10, CheapestPrice: 0.05})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Recommend || !d.Urgent {
		t.Fatalf("expected urgent recommendation for a 50%% margin, got %+v", d)
	}
}

func TestHeuristicEngineNoRecommendationForZeroCurrentPrice(t *testing.T) {
	e := NewHeuristicEngine()
	d, err := e.Decide(context.Background(), Input{CurrentPrice: 0, CheapestPrice: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Recommend {
		t.Fatal("expected no recommendation when current price is non-positive")
	}
}

func TestHeuristicEngineUrgencyThresholdBoundary(t *testing.T) {
	e := NewHeuristicEngine()
	// Exactly a 35% gap should be urgent (>=, not >).
	d, err := e.Decide(context.Background(), Input{CurrentPrice: 1.00, CheapestPrice: 0.65})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Urgent {
		t.Fatal("expected a margin exactly at the threshold to be urgent")
	}
}
