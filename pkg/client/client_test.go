package client

import (
	"testing"

	"github.com/wisbric/fleetctl/pkg/agentrec"
)

func TestCreateParamsDefaultPolicyMustBeValid(t *testing.T) {
	invalid := agentrec.Policy{AutoSwitchEnabled: true, ManualReplicaEnabled: true}
	if err := agentrec.ValidatePolicy(invalid); err == nil {
		t.Fatal("expected mutually exclusive default policy to fail validation")
	}
}

func TestGenerateTokenIsUniqueAndPrefixed(t *testing.T) {
	a, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	b, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct tokens across calls")
	}
	if len(a) <= tokenPrefixLen {
		t.Fatalf("expected token longer than prefix length, got %d bytes", len(a))
	}
	if a[:5] != "fctl_" {
		t.Fatalf("expected fctl_ prefix, got %q", a[:5])
	}
}
