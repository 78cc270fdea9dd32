package models

import "testing"

func TestIsValidConnStatus(t *testing.T) {
	valid := []ConnStatus{ConnStatusDisconnected, ConnStatusConnecting, ConnStatusAuthenticated, ConnStatusReady}
	for _, s := range valid {
		if !IsValidConnStatus(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if IsValidConnStatus("online") {
		t.Error("expected 'online' to be invalid")
	}
	if IsValidConnStatus("") {
		t.Error("expected empty status to be invalid")
	}
}

func TestIsValidRiskTier(t *testing.T) {
	for _, r := range []RiskTier{RiskTierLow, RiskTierMedium, RiskTierHigh} {
		if !IsValidRiskTier(r) {
			t.Errorf("expected %q to be valid", r)
		}
	}
	if IsValidRiskTier("critical") {
		t.Error("expected 'critical' to be invalid")
	}
}

func TestIsValidStage(t *testing.T) {
	valid := []Stage{StagePostSale, StageReturningCustomer, StagePayment, StagePricing, StageFeatures, StageGreeting, StageSales}
	for _, s := range valid {
		if !IsValidStage(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if IsValidStage("checkout") {
		t.Error("expected 'checkout' to be invalid")
	}
}
