package mesh

import (
	"strings"
	"testing"
)

func TestParseProfileID(t *testing.T) {
	id, err := ParseProfileID("00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatalf("parse profile id: %v", err)
	}
	if id.String() != "00112233445566778899aabbccddeeff" {
		t.Fatalf("round trip mismatch: %s", id.String())
	}

	if _, err := ParseProfileID("0011"); err == nil {
		t.Fatalf("short id must be rejected")
	}
	if _, err := ParseProfileID(strings.Repeat("zz", ProfileIDLen)); err == nil {
		t.Fatalf("non-hex id must be rejected")
	}
}

func TestStringCapsRejectNotTruncate(t *testing.T) {
	longLabel := strings.Repeat("a", MaxLabelLen+1)
	if err := validateLabel(longLabel); err == nil {
		t.Fatalf("over-limit label must be rejected")
	}
	if err := validateLabel(strings.Repeat("a", MaxLabelLen)); err != nil {
		t.Fatalf("label at the limit must pass: %v", err)
	}

	longURI := strings.Repeat("u", MaxURILen+1)
	if err := validateURI("metadata_uri", longURI); err == nil {
		t.Fatalf("over-limit uri must be rejected")
	}
	if err := validateURI("metadata_uri", strings.Repeat("u", MaxURILen)); err != nil {
		t.Fatalf("uri at the limit must pass: %v", err)
	}
}

func TestIntentStatusMachine(t *testing.T) {
	if StatusPending.IsTerminal() || StatusAccepted.IsTerminal() {
		t.Fatalf("pending/accepted must not be terminal")
	}
	if !StatusCompleted.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Fatalf("completed/failed must be terminal")
	}
	if IsValidIntentStatus(IntentStatus(42)) {
		t.Fatalf("unknown status value must be invalid")
	}
	if got := IntentStatus(42).String(); got != "unknown(42)" {
		t.Fatalf("unexpected string for unknown status: %s", got)
	}
}
