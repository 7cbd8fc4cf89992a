package registry

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleChains = `
chains:
  local:
    rpc_url: "http://127.0.0.1:8545"
    identity_registry: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    reputation_registry: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
    skill_markers:
      - "registerWithSkill"
  broken:
    identity_registry: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
`

func TestLoadChainDefinitionsAndSelect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(sampleChains), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	chain, err := defs.Select("Local")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if chain.RPCURL != "http://127.0.0.1:8545" {
		t.Fatalf("unexpected rpc url: %s", chain.RPCURL)
	}
	if len(chain.SkillMarkers) != 1 {
		t.Fatalf("unexpected markers: %v", chain.SkillMarkers)
	}

	if _, err := defs.Select("broken"); err == nil {
		t.Fatal("expected error for chain without rpc_url")
	}
	if _, err := defs.Select("unknown"); err == nil {
		t.Fatal("expected error for unknown network")
	}
}

func TestEventKeyOrdering(t *testing.T) {
	a := EventKey{BlockHeight: 100, LogIndex: 2}
	b := EventKey{BlockHeight: 100, LogIndex: 10}
	c := EventKey{BlockHeight: 101, LogIndex: 0}

	if !a.Less(b) || !b.Less(c) {
		t.Fatal("keys should order by height then log index")
	}
	if a.String() >= b.String() {
		t.Fatalf("string form must preserve ordering: %s vs %s", a.String(), b.String())
	}

	parsed, err := ParseEventKey(c.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != c {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}
