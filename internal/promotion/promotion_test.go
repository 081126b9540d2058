package promotion

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestRuleIDForIsDeterministic(t *testing.T) {
	a := ruleIDFor("site-1", "incident_type:runbook_id")
	b := ruleIDFor("site-1", "incident_type:runbook_id")
	if a != b {
		t.Fatalf("expected the same (site, pattern) to derive the same rule id: %s vs %s", a, b)
	}
}

func TestRuleIDForMatchesFormula(t *testing.T) {
	siteID, sig := "site-1", "incident_type:runbook_id"
	sum := sha256.Sum256([]byte(siteID + ":" + sig))
	want := "L1-PROMOTED-" + hex.EncodeToString(sum[:])[:16]
	if got := ruleIDFor(siteID, sig); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestRuleIDForDiffersByInput(t *testing.T) {
	a := ruleIDFor("site-1", "sig-a")
	b := ruleIDFor("site-1", "sig-b")
	c := ruleIDFor("site-2", "sig-a")
	if a == b || a == c || b == c {
		t.Fatal("expected distinct (site, pattern) pairs to derive distinct rule ids")
	}
}

func TestFirstSegmentSplitsOnColon(t *testing.T) {
	if got := firstSegment("ransomware:runbook-42"); got != "ransomware" {
		t.Fatalf("got %q", got)
	}
}

func TestFirstSegmentWithNoColonReturnsWholeString(t *testing.T) {
	if got := firstSegment("ransomware"); got != "ransomware" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitPatternKey(t *testing.T) {
	incidentType, runbookID := splitPatternKey("ransomware:runbook-42")
	if incidentType != "ransomware" || runbookID != "runbook-42" {
		t.Fatalf("got (%q, %q)", incidentType, runbookID)
	}
}

func TestSplitPatternKeyWithNoColon(t *testing.T) {
	incidentType, runbookID := splitPatternKey("ransomware")
	if incidentType != "ransomware" || runbookID != "" {
		t.Fatalf("got (%q, %q)", incidentType, runbookID)
	}
}

func TestJSONMustEncodeFallsBackOnUnencodable(t *testing.T) {
	got := jsonMustEncode(make(chan int))
	if string(got) != "{}" {
		t.Fatalf("expected fallback {} for unencodable value, got %s", got)
	}
}

func TestJSONMustEncodeEncodesNormalValue(t *testing.T) {
	got := jsonMustEncode(map[string]int{"a": 1})
	if string(got) != `{"a":1}` {
		t.Fatalf("got %s", got)
	}
}
