package command

import (
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
)

func baseCommandAndReport() (Command, SwitchReportFields) {
	id := uuid.New()
	cmd := Command{ID: id, RequestID: "req-1"}
	report := SwitchReportFields{
		CommandID:   id,
		RequestID:   "req-1",
		OldInstance: "i-old",
		NewInstance: "i-new",
		OldMode:     "ondemand",
		NewMode:     "spot",
	}
	return cmd, report
}

func TestValidateSwitchReportAcceptsMatchingReport(t *testing.T) {
	cmd, report := baseCommandAndReport()
	if err := ValidateSwitchReport(cmd, report, "i-old", "i-new"); err != nil {
		t.Fatalf("expected matching report to validate, got %v", err)
	}
}

func TestValidateSwitchReportRejectsWrongCommandID(t *testing.T) {
	cmd, report := baseCommandAndReport()
	report.CommandID = uuid.New()
	err := ValidateSwitchReport(cmd, report, "i-old", "i-new")
	if !ctlerr.Is(err, ctlerr.InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestValidateSwitchReportRejectsMismatchedOldInstance(t *testing.T) {
	cmd, report := baseCommandAndReport()
	err := ValidateSwitchReport(cmd, report, "i-different", "i-new")
	if !ctlerr.Is(err, ctlerr.InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestValidateSwitchReportRejectsSameOldAndNewMode(t *testing.T) {
	cmd, report := baseCommandAndReport()
	report.NewMode = report.OldMode
	err := ValidateSwitchReport(cmd, report, "i-old", "i-new")
	if !ctlerr.Is(err, ctlerr.InvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestValidateSwitchReportIgnoresExpectedNewInstanceWhenBlank(t *testing.T) {
	cmd, report := baseCommandAndReport()
	report.NewInstance = "i-whatever-the-agent-launched"
	if err := ValidateSwitchReport(cmd, report, "i-old", ""); err != nil {
		t.Fatalf("expected blank expectedNewInstance to skip that check, got %v", err)
	}
}
