package agentmesh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestRegisterAgentSendsCallerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get(CallerHeader); got != "0xabc" {
			t.Fatalf("expected caller header 0xabc, got %q", got)
		}
		var req RegisterAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.MetadataURI != "ipfs://meta" {
			t.Fatalf("unexpected metadata uri: %q", req.MetadataURI)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Agent{Address: "0x1", OwnerWallet: "0xabc"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetCaller("0xabc")

	agent, err := client.RegisterAgent(context.Background(), RegisterAgentRequest{MetadataURI: "ipfs://meta"})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if agent.OwnerWallet != "0xabc" {
		t.Fatalf("unexpected owner: %q", agent.OwnerWallet)
	}
}

func TestMutatingCallsRequireCaller(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", nil)

	_, err := client.CreateIntent(context.Background(), CreateIntentRequest{})
	if err == nil {
		t.Fatalf("expected error without caller wallet")
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "DUPLICATE_RECORD",
			"message": "record already exists",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetCaller("0xabc")

	_, err := client.RegisterAgent(context.Background(), RegisterAgentRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "DUPLICATE_RECORD" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListIntentsQueryEncoding(t *testing.T) {
	var capturedQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]Intent{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	hasResult := true
	_, err := client.ListIntents(context.Background(), ListIntentsQuery{
		Limit:     5,
		Statuses:  []uint8{0, 1},
		FromAgent: "0xaa",
		HasResult: &hasResult,
		Order:     "asc",
	})
	if err != nil {
		t.Fatalf("list intents: %v", err)
	}

	values := map[string]string{}
	for _, pair := range []struct{ key, want string }{
		{"limit", "5"},
		{"status", "0,1"},
		{"from", "0xaa"},
		{"has_result", "true"},
		{"order", "asc"},
	} {
		values[pair.key] = pair.want
	}
	parsed, err := url.ParseQuery(capturedQuery)
	if err != nil {
		t.Fatalf("parse captured query: %v", err)
	}
	for key, want := range values {
		if got := parsed.Get(key); got != want {
			t.Fatalf("query %s: got %q want %q", key, got, want)
		}
	}
}
