package agentrec

import (
	"testing"

	"github.com/wisbric/fleetctl/internal/ctlerr"
)

func TestValidatePolicyRejectsBothTogglesOn(t *testing.T) {
	err := ValidatePolicy(Policy{AutoSwitchEnabled: true, ManualReplicaEnabled: true})
	if !ctlerr.Is(err, ctlerr.InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestValidatePolicyRejectsNegativeTerminateWait(t *testing.T) {
	err := ValidatePolicy(Policy{TerminateWaitSeconds: -1})
	if !ctlerr.Is(err, ctlerr.InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestValidatePolicyAllowsEitherToggleAlone(t *testing.T) {
	if err := ValidatePolicy(Policy{AutoSwitchEnabled: true}); err != nil {
		t.Fatalf("expected autoSwitch-only policy to validate, got %v", err)
	}
	if err := ValidatePolicy(Policy{ManualReplicaEnabled: true}); err != nil {
		t.Fatalf("expected manualReplica-only policy to validate, got %v", err)
	}
}

func TestValidatePolicyAllowsBothTogglesOff(t *testing.T) {
	if err := ValidatePolicy(Policy{}); err != nil {
		t.Fatalf("expected zero-value policy to validate, got %v", err)
	}
}
