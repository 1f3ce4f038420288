package command

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
)

// SwitchReportFields are the fields an agent reports back for a switch
// command, checked against the command's own record before any instance
// state is mutated.
type SwitchReportFields struct {
	CommandID   uuid.UUID
	RequestID   string
	OldInstance string
	NewInstance string
	OldMode     string
	NewMode     string
}

// ValidateSwitchReport checks that a switch-report's claimed old/new
// instance ids, modes, and requestId agree with the command record. A
// mismatch means the agent is reporting against stale or wrong state and
// must be rejected rather than applied.
func ValidateSwitchReport(cmd Command, report SwitchReportFields, expectedOldInstance, expectedNewInstance string) error {
	if cmd.ID != report.CommandID {
		return fmt.Errorf("%w: report command id %s does not match %s", ctlerr.InvariantViolation, report.CommandID, cmd.ID)
	}
	if cmd.RequestID != report.RequestID {
		return fmt.Errorf("%w: report requestId %q does not match command requestId %q", ctlerr.InvariantViolation, report.RequestID, cmd.RequestID)
	}
	if report.OldInstance != expectedOldInstance {
		return fmt.Errorf("%w: report oldInstance %s does not match current primary %s", ctlerr.InvariantViolation, report.OldInstance, expectedOldInstance)
	}
	if expectedNewInstance != "" && report.NewInstance != expectedNewInstance {
		return fmt.Errorf("%w: report newInstance %s does not match expected target %s", ctlerr.InvariantViolation, report.NewInstance, expectedNewInstance)
	}
	if report.OldMode == report.NewMode {
		return fmt.Errorf("%w: report oldMode and newMode are both %q", ctlerr.InvariantViolation, report.OldMode)
	}
	return nil
}
