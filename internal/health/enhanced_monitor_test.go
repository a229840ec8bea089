package health

import (
	"context"
	"errors"
	"testing"
)

func TestEnhancedMonitor_AttemptAutoRemediationUsesRegisteredFix(t *testing.T) {
	em, err := NewEnhancedMonitor(&MonitorConfig{Enabled: true, AutoRecovery: true})
	if err != nil {
		t.Fatalf("NewEnhancedMonitor: %v", err)
	}

	comp := &MockComponent{name: "widget", compType: "core"}
	if err := em.RegisterComponent(comp); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}

	em.RegisterRemediationRule(&RemediationRule{
		CheckName: "widget",
		Actions: []*RemediationAction{{
			ID:        "widget_reset",
			Priority:  PriorityHigh,
			Title:     "Reset widget",
			Automated: true,
		}},
	})

	fixRan := false
	em.RegisterAutoFix("widget_reset", func(ctx context.Context) error {
		fixRan = true
		return nil
	})

	comp.healthErr = errors.New("widget unhealthy")

	if err := em.AttemptAutoRemediation(context.Background(), "widget"); err != nil {
		t.Fatalf("AttemptAutoRemediation: %v", err)
	}
	if !fixRan {
		t.Error("expected the registered auto-fix to run")
	}

	history := em.GetRemediationHistory(10)
	if len(history) != 1 || history[0].ActionID != "widget_reset" {
		t.Errorf("GetRemediationHistory = %+v, want one entry for widget_reset", history)
	}
}
