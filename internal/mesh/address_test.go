package mesh

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDeriveIsDeterministic(t *testing.T) {
	owner := common.HexToHash("0x01")

	addr1, bump1, err := AgentAddress(owner)
	if err != nil {
		t.Fatalf("derive agent address: %v", err)
	}
	addr2, bump2, err := AgentAddress(owner)
	if err != nil {
		t.Fatalf("derive agent address again: %v", err)
	}

	if addr1 != addr2 || bump1 != bump2 {
		t.Fatalf("derivation not deterministic: (%s,%d) vs (%s,%d)", addr1.Hex(), bump1, addr2.Hex(), bump2)
	}
	if addr1[0] == 0 {
		t.Fatalf("derived address must not start with a zero byte: %s", addr1.Hex())
	}
	if !VerifyDerivation(addr1, bump1, nsAgent, owner.Bytes()) {
		t.Fatalf("verification failed for freshly derived address")
	}
}

func TestDeriveNamespacesDoNotCollide(t *testing.T) {
	owner := common.HexToHash("0x02")

	agentAddr, _, err := AgentAddress(owner)
	if err != nil {
		t.Fatalf("derive agent address: %v", err)
	}
	var id ProfileID
	profileAddr, _, err := ModelProfileAddress(owner, id)
	if err != nil {
		t.Fatalf("derive profile address: %v", err)
	}

	if agentAddr == profileAddr {
		t.Fatalf("agent and profile addresses collide for the same owner: %s", agentAddr.Hex())
	}
}

func TestIntentAddressDependsOnTriple(t *testing.T) {
	from := common.HexToHash("0x0a")
	to := common.HexToHash("0x0b")

	base, _, err := IntentAddress(from, to, 1)
	if err != nil {
		t.Fatalf("derive intent address: %v", err)
	}

	otherNonce, _, err := IntentAddress(from, to, 2)
	if err != nil {
		t.Fatalf("derive intent address (nonce 2): %v", err)
	}
	if base == otherNonce {
		t.Fatalf("nonce does not influence the intent address")
	}

	swapped, _, err := IntentAddress(to, from, 1)
	if err != nil {
		t.Fatalf("derive intent address (swapped): %v", err)
	}
	if base == swapped {
		t.Fatalf("direction does not influence the intent address")
	}
}

func TestVerifyDerivationRejectsTampering(t *testing.T) {
	owner := common.HexToHash("0x03")
	addr, bump, err := AgentAddress(owner)
	if err != nil {
		t.Fatalf("derive agent address: %v", err)
	}

	if VerifyDerivation(addr, bump+1, nsAgent, owner.Bytes()) {
		t.Fatalf("verification accepted a wrong proof byte")
	}
	other := common.HexToHash("0x04")
	if VerifyDerivation(addr, bump, nsAgent, other.Bytes()) {
		t.Fatalf("verification accepted wrong key material")
	}
}

func TestAuthorityDerivations(t *testing.T) {
	intent := common.HexToHash("0x10")

	if IntentAuthority(intent, 250) == IntentAuthority(intent, 251) {
		t.Fatalf("intent authority ignores the proof byte")
	}
	if IntentAuthority(intent, 250) != IntentAuthority(intent, 250) {
		t.Fatalf("intent authority is not deterministic")
	}

	wallet := common.HexToHash("0x20")
	if WalletAuthority(wallet) == WalletAuthority(common.HexToHash("0x21")) {
		t.Fatalf("wallet authority ignores the principal")
	}
	if WalletAuthority(wallet) == IntentAuthority(wallet, 0) {
		t.Fatalf("wallet and intent authority namespaces collide")
	}
}
