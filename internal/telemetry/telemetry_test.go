package telemetry

import "testing"

func TestRunbookIDOrEmpty(t *testing.T) {
	if got := runbookIDOrEmpty(nil); got != "" {
		t.Fatalf("expected empty string for nil runbook id, got %q", got)
	}
	id := "runbook-42"
	if got := runbookIDOrEmpty(&id); got != "runbook-42" {
		t.Fatalf("got %q", got)
	}
}

func TestLevelColumn(t *testing.T) {
	cases := map[string]string{
		"L1":      "l1_count",
		"L2":      "l2_count",
		"L3":      "l3_count",
		"unknown": "l3_count",
		"":        "l3_count",
	}
	for level, want := range cases {
		if got := levelColumn(level); got != want {
			t.Errorf("levelColumn(%q) = %q, want %q", level, got, want)
		}
	}
}

func TestPatternSignatureDerivationWhenNotSupplied(t *testing.T) {
	runbookID := "runbook-42"
	rec := Record{
		IncidentType: "ransomware",
		RunbookID:    &runbookID,
		Hostname:     "host-1",
	}
	if rec.PatternSignature != "" {
		t.Fatal("expected fixture record to start with no pattern signature")
	}

	// IngestOne derives an empty PatternSignature through
	// derivePatternSignature as incident_type:runbook_id:hostname before
	// persisting; pin that exact format here so a drift in the literal
	// breaks this test rather than silently changing every future
	// pattern_signature key.
	want := "ransomware:runbook-42:host-1"
	got := derivePatternSignature(rec)
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
