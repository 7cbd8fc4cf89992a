package ethereum

import (
	"context"
	"errors"
	"testing"

	"TrustClaw/internal/registry"
)

func TestNewClientValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := NewClient(ctx, Config{}); err == nil {
		t.Fatal("expected error for empty rpc url")
	}

	_, err := NewClient(ctx, Config{
		RPCURL:           "http://127.0.0.1:8545",
		IdentityRegistry: "not-an-address",
	})
	if err == nil {
		t.Fatal("expected error for invalid identity registry address")
	}
}

func TestNewClientNormalizesMarkers(t *testing.T) {
	client, err := NewClient(context.Background(), Config{
		Name:             "local",
		RPCURL:           "http://127.0.0.1:8545",
		IdentityRegistry: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		SkillMarkers:     []string{"  RegisterWithSkill ", "", "skill.trustclaw"},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	if len(client.markers) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(client.markers))
	}
	if string(client.markers[0]) != "registerwithskill" {
		t.Fatalf("marker not lowercased: %s", client.markers[0])
	}
}

func TestReputationWithoutRegistry(t *testing.T) {
	client, err := NewClient(context.Background(), Config{
		Name:             "local",
		RPCURL:           "http://127.0.0.1:8545",
		IdentityRegistry: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	_, err = client.Reputation(context.Background(), 1, []string{"quality"})
	if err == nil {
		t.Fatal("expected error when reputation registry is unset")
	}
}

func TestIsRevert(t *testing.T) {
	if isRevert(nil) {
		t.Fatal("nil error should not be a revert")
	}
	if !isRevert(errors.New("execution reverted: no entry")) {
		t.Fatal("expected revert detection")
	}
	if isRevert(errors.New("connection refused")) {
		t.Fatal("transport error misclassified as revert")
	}
}

var _ registry.Reader = (*Client)(nil)
