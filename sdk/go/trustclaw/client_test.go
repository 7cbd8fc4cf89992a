package trustclaw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientReputation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/7/reputation" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Record{
			AgentID:       7,
			FeedbackCount: 15,
			Average:       86,
			Scores:        map[string]int{"quality": 88},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	record, err := client.Reputation(context.Background(), 7)
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if record.Average != 86 || record.FeedbackCount != 15 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestClientLedgerEventsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ledger/events" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("state") != "done" || query.Get("limit") != "10" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]LedgerEntry{{Key: "000000000100:000000", AgentID: 1, State: "done"}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	entries, err := client.LedgerEvents(context.Background(), ListEventsOptions{State: "done", Limit: 10})
	if err != nil {
		t.Fatalf("ledger events: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "000000000100:000000" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "代理编号非法", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Reputation(context.Background(), 0)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", apiErr.StatusCode, http.StatusBadRequest)
	}
}
