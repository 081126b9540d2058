package orders

import "testing"

func TestTerminalStatuses(t *testing.T) {
	terminalStatuses := []Status{StatusCompleted, StatusFailed, StatusExpired}
	for _, s := range terminalStatuses {
		if !terminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []Status{StatusPending, StatusAcknowledged, StatusExecuting}
	for _, s := range nonTerminal {
		if terminal(s) {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestVerifyHostScopeFleetOrderAlwaysInScope(t *testing.T) {
	o := Order{OrderID: "ord-1", Kind: KindFleet, ApplianceID: nil}
	if err := VerifyHostScope(o, "appliance-a"); err != nil {
		t.Fatalf("expected fleet order to be in scope, got: %v", err)
	}
}

func TestVerifyHostScopeApplianceOrderMatchesTarget(t *testing.T) {
	target := "appliance-a"
	o := Order{OrderID: "ord-1", Kind: KindAppliance, ApplianceID: &target}
	if err := VerifyHostScope(o, "appliance-a"); err != nil {
		t.Fatalf("expected matching appliance order to be in scope, got: %v", err)
	}
}

func TestVerifyHostScopeRejectsMismatchedAppliance(t *testing.T) {
	target := "appliance-a"
	o := Order{OrderID: "ord-1", Kind: KindAppliance, ApplianceID: &target}
	if err := VerifyHostScope(o, "appliance-b"); err == nil {
		t.Fatal("expected order scoped to a different appliance to be rejected")
	}
}

func TestVerifyHostScopeRejectsNilApplianceIDOnScopedOrder(t *testing.T) {
	o := Order{OrderID: "ord-1", Kind: KindHealing, ApplianceID: nil}
	if err := VerifyHostScope(o, "appliance-a"); err == nil {
		t.Fatal("expected a healing order with no target to be rejected")
	}
}
