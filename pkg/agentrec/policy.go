package agentrec

import (
	"fmt"

	"github.com/wisbric/fleetctl/internal/ctlerr"
)

// ValidatePolicy enforces mutual exclusivity unconditionally:
// autoSwitchEnabled and manualReplicaEnabled may never both be true. It is
// called from every write path that can change policy — registration,
// config-update, and emergency replica creation — with no exceptions.
func ValidatePolicy(p Policy) error {
	if p.AutoSwitchEnabled && p.ManualReplicaEnabled {
		return fmt.Errorf("%w: autoSwitchEnabled and manualReplicaEnabled cannot both be true", ctlerr.InvariantViolation)
	}
	if p.TerminateWaitSeconds < 0 {
		return fmt.Errorf("%w: terminateWaitSeconds cannot be negative", ctlerr.InvariantViolation)
	}
	return nil
}
