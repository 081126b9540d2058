package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
)

func TestGenesisPrevHashIsSixtyFourZeros(t *testing.T) {
	if len(GenesisPrevHash) != 64 {
		t.Fatalf("expected 64 characters, got %d", len(GenesisPrevHash))
	}
	for i, r := range GenesisPrevHash {
		if r != '0' {
			t.Fatalf("expected all-zero sentinel, found %q at index %d", r, i)
		}
	}
}

func TestSha256HexMatchesStandardLibrary(t *testing.T) {
	content := json.RawMessage(`{"check":"encryption_at_rest","result":"pass"}`)
	want := sha256.Sum256(content)
	got := sha256Hex(content)
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("got %s, want %s", got, hex.EncodeToString(want[:]))
	}
}

func TestChainHashOfFormula(t *testing.T) {
	bundleHash := "aaaa"
	prevHash := GenesisPrevHash
	position := int64(1)

	want := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", bundleHash, prevHash, position)))
	got := chainHashOf(bundleHash, prevHash, position)
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("got %s, want %s", got, hex.EncodeToString(want[:]))
	}
}

func TestChainHashOfIsPositionSensitive(t *testing.T) {
	a := chainHashOf("bundle-hash", GenesisPrevHash, 1)
	b := chainHashOf("bundle-hash", GenesisPrevHash, 2)
	if a == b {
		t.Fatal("expected chain_position to change the chain hash")
	}
}

func TestChainHashOfIsPrevHashSensitive(t *testing.T) {
	a := chainHashOf("bundle-hash", GenesisPrevHash, 1)
	b := chainHashOf("bundle-hash", "deadbeef", 1)
	if a == b {
		t.Fatal("expected prev_hash to change the chain hash")
	}
}

func TestBoolLabel(t *testing.T) {
	if boolLabel(true) != "true" {
		t.Fatal("expected true to format as \"true\"")
	}
	if boolLabel(false) != "false" {
		t.Fatal("expected false to format as \"false\"")
	}
}
