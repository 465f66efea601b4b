package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AgentMesh-Chain/internal/event"
	"AgentMesh-Chain/internal/ledger"
	"AgentMesh-Chain/internal/mesh"
)

func newTestServer() (*Server, *mesh.Engine) {
	engine := mesh.NewEngine(mesh.NewMemoryStore(), ledger.NewMemoryLedger(), event.NewMemoryBus(16))
	return NewServer(":0", engine), engine
}

func postJSON(t *testing.T, handler http.Handler, path, caller string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAgentEndpoint(t *testing.T) {
	server, _ := newTestServer()
	handler := server.routes()
	owner := common.HexToHash("0x01")

	rec := postJSON(t, handler, "/api/v1/agents", owner.Hex(), map[string]any{
		"metadata_uri": "ipfs://meta",
		"permissions":  uint64(mesh.PermissionCreateIntent),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var agent mesh.AgentIdentity
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if agent.OwnerWallet != owner {
		t.Fatalf("unexpected owner: %s", agent.OwnerWallet.Hex())
	}
	if !agent.Permissions.Has(mesh.PermissionCreateIntent) {
		t.Fatalf("permissions lost in transit: %d", agent.Permissions)
	}

	// 同一所有者的第二次注册映射为冲突。
	dup := postJSON(t, handler, "/api/v1/agents", owner.Hex(), map[string]any{})
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate registration: got %d want %d", dup.Code, http.StatusConflict)
	}

	var apiErr struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(dup.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Code != string(mesh.CodeDuplicateRecord) {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
}

func TestRegisterAgentRequiresCallerHeader(t *testing.T) {
	server, _ := newTestServer()
	handler := server.routes()

	rec := postJSON(t, handler, "/api/v1/agents", "", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing caller header: got %d want %d", rec.Code, http.StatusBadRequest)
	}

	bad := postJSON(t, handler, "/api/v1/agents", "not-a-hash", map[string]any{})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("malformed caller header: got %d want %d", bad.Code, http.StatusBadRequest)
	}
}

func TestGetAgentEndpoint(t *testing.T) {
	server, engine := newTestServer()
	handler := server.routes()
	owner := common.HexToHash("0x02")

	registered, err := engine.RegisterAgent(httptest.NewRequest(http.MethodGet, "/", nil).Context(), owner, mesh.RegisterAgentParams{})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents?owner="+owner.Hex(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get by owner: got %d, body %s", rec.Code, rec.Body.String())
	}

	var agent mesh.AgentIdentity
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if agent.Address != registered.Address {
		t.Fatalf("unexpected agent: %s", agent.Address.Hex())
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/v1/agents?address="+common.HexToHash("0xff").Hex(), nil)
	missingRec := httptest.NewRecorder()
	handler.ServeHTTP(missingRec, missing)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("missing agent: got %d want %d", missingRec.Code, http.StatusNotFound)
	}
}

func TestUpdateAgentEndpointAuthorization(t *testing.T) {
	server, engine := newTestServer()
	handler := server.routes()
	owner := common.HexToHash("0x03")
	stranger := common.HexToHash("0x04")

	registered, err := engine.RegisterAgent(httptest.NewRequest(http.MethodGet, "/", nil).Context(), owner, mesh.RegisterAgentParams{})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	rec := postJSON(t, handler, "/api/v1/agents/update", stranger.Hex(), map[string]any{
		"address":      registered.Address.Hex(),
		"metadata_uri": "ipfs://hijack",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner update: got %d want %d", rec.Code, http.StatusForbidden)
	}

	ok := postJSON(t, handler, "/api/v1/agents/update", owner.Hex(), map[string]any{
		"address":      registered.Address.Hex(),
		"metadata_uri": "ipfs://mine",
	})
	if ok.Code != http.StatusOK {
		t.Fatalf("owner update: got %d, body %s", ok.Code, ok.Body.String())
	}
}

func TestIntentEndpointsEndToEnd(t *testing.T) {
	server, engine := newTestServer()
	handler := server.routes()
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	fromOwner := common.HexToHash("0x11")
	toOwner := common.HexToHash("0x12")

	fromAgent, err := engine.RegisterAgent(ctx, fromOwner, mesh.RegisterAgentParams{Permissions: mesh.PermissionCreateIntent})
	if err != nil {
		t.Fatalf("register from agent: %v", err)
	}
	toAgent, err := engine.RegisterAgent(ctx, toOwner, mesh.RegisterAgentParams{Permissions: mesh.PermissionAcceptIntent})
	if err != nil {
		t.Fatalf("register to agent: %v", err)
	}

	created := postJSON(t, handler, "/api/v1/intents", fromOwner.Hex(), map[string]any{
		"from_agent":  fromAgent.Address.Hex(),
		"to_agent":    toAgent.Address.Hex(),
		"nonce":       1,
		"payload_uri": "ipfs://job",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create intent: got %d, body %s", created.Code, created.Body.String())
	}
	var intent mesh.AgentIntent
	if err := json.Unmarshal(created.Body.Bytes(), &intent); err != nil {
		t.Fatalf("decode intent: %v", err)
	}

	accepted := postJSON(t, handler, "/api/v1/intents/status", toOwner.Hex(), map[string]any{
		"intent":     intent.Address.Hex(),
		"new_status": uint8(mesh.StatusAccepted),
	})
	if accepted.Code != http.StatusOK {
		t.Fatalf("accept intent: got %d, body %s", accepted.Code, accepted.Body.String())
	}

	// 发起方推进状态被拒。
	forbidden := postJSON(t, handler, "/api/v1/intents/status", fromOwner.Hex(), map[string]any{
		"intent":     intent.Address.Hex(),
		"new_status": uint8(mesh.StatusCompleted),
	})
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("from-owner status update: got %d want %d", forbidden.Code, http.StatusForbidden)
	}

	statsReq := httptest.NewRequest(http.MethodGet, "/api/v1/intents/stats", nil)
	statsRec := httptest.NewRecorder()
	handler.ServeHTTP(statsRec, statsReq)
	if statsRec.Code != http.StatusOK {
		t.Fatalf("stats: got %d", statsRec.Code)
	}
	var stats mesh.IntentStats
	if err := json.Unmarshal(statsRec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Accepted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/intents?status=1&from="+fromAgent.Address.Hex(), nil)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list: got %d, body %s", listRec.Code, listRec.Body.String())
	}
	var intents []mesh.AgentIntent
	if err := json.Unmarshal(listRec.Body.Bytes(), &intents); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(intents) != 1 || intents[0].Address != intent.Address {
		t.Fatalf("unexpected list: %+v", intents)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	server, _ := newTestServer()
	handler := server.routes()

	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	healthRec := httptest.NewRecorder()
	handler.ServeHTTP(healthRec, health)
	if healthRec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", healthRec.Code)
	}

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	handler.ServeHTTP(metricsRec, metricsReq)
	if metricsRec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", metricsRec.Code)
	}
}
