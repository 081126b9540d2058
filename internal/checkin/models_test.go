package checkin

import "testing"

func TestCleanMACLowercasesAndStripsSeparators(t *testing.T) {
	cases := map[string]string{
		"AA:BB:CC:DD:EE:FF": "aabbccddeeff",
		"aa-bb-cc-dd-ee-ff": "aabbccddeeff",
		"AABBCCDDEEFF":      "aabbccddeeff",
	}
	for in, want := range cases {
		if got := CleanMAC(in); got != want {
			t.Errorf("CleanMAC(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeMACRejectsTooShort(t *testing.T) {
	if got := NormalizeMAC("aa:bb"); got != "" {
		t.Fatalf("expected empty string for too-short MAC, got %q", got)
	}
	if got := NormalizeMAC(""); got != "" {
		t.Fatalf("expected empty string for empty MAC, got %q", got)
	}
}

func TestNormalizeMACAcceptsValid(t *testing.T) {
	if got := NormalizeMAC("AA:BB:CC:DD:EE:FF"); got != "aabbccddeeff" {
		t.Fatalf("got %q", got)
	}
}

func TestCanonicalApplianceIDUsesMACWhenAvailable(t *testing.T) {
	got := CanonicalApplianceID("site-1", "AA:BB:CC:DD:EE:FF")
	want := "site-1-aabbccddeeff"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalApplianceIDFallsBackToSiteWithoutMAC(t *testing.T) {
	got := CanonicalApplianceID("site-1", "")
	if got != "site-1" {
		t.Fatalf("got %q, want %q", got, "site-1")
	}
}
