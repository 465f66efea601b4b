package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/mesh"
	"AgentMesh-Chain/internal/observability/metrics"
	"AgentMesh-Chain/pkg/logger"
)

// CallerHeader 携带调用主体的钱包地址。网格核心不做签名校验，
// 身份的真实性由部署方的接入层保证。
const CallerHeader = "X-Mesh-Caller"

// Server 负责暴露 REST 接口，供外部驱动网格注册与意向流转。
type Server struct {
	addr   string
	engine *mesh.Engine
	log    *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine *mesh.Engine) *Server {
	return &Server{addr: addr, engine: engine, log: logger.Named("api")}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整路由，便于嵌入到测试服务器中。
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/agents/update", s.instrument("agents_update", s.handleAgentUpdate))
	mux.HandleFunc("/api/v1/profiles", s.instrument("profiles", s.handleProfiles))
	mux.HandleFunc("/api/v1/profiles/update", s.instrument("profiles_update", s.handleProfileUpdate))
	mux.HandleFunc("/api/v1/intents", s.instrument("intents", s.handleIntents))
	mux.HandleFunc("/api/v1/intents/status", s.instrument("intents_status", s.handleIntentStatus))
	mux.HandleFunc("/api/v1/intents/stats", s.instrument("intents_stats", s.handleIntentStats))
	mux.HandleFunc("/api/v1/ledger/balance", s.instrument("ledger_balance", s.handleEscrowBalance))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegisterAgent(w, r)
	case http.MethodGet:
		s.handleGetAgent(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleRegisterAgent 处理注册智能体请求。调用头中的钱包即所有者。
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var params mesh.RegisterAgentParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	agent, err := s.engine.RegisterAgent(r.Context(), caller, params)
	metrics.ObserveOperation("register_agent", outcome(err))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var (
		agent *mesh.AgentIdentity
		err   error
	)
	switch {
	case query.Get("address") != "":
		var addr common.Hash
		if addr, err = parseHash(query.Get("address")); err == nil {
			agent, err = s.engine.GetAgent(r.Context(), addr)
		}
	case query.Get("owner") != "":
		var owner common.Hash
		if owner, err = parseHash(query.Get("owner")); err == nil {
			agent, err = s.engine.AgentByOwner(r.Context(), owner)
		}
	default:
		http.Error(w, "需要 address 或 owner 参数", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

type updateAgentRequest struct {
	Address common.Hash `json:"address"`
	mesh.AgentPatch
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	agent, err := s.engine.UpdateAgent(r.Context(), caller, req.Address, req.AgentPatch)
	metrics.ObserveOperation("update_agent", outcome(err))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateProfile(w, r)
	case http.MethodGet:
		s.handleGetProfile(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var params mesh.CreateModelProfileParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	profile, err := s.engine.CreateModelProfile(r.Context(), caller, params)
	metrics.ObserveOperation("create_model_profile", outcome(err))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("address")
	if raw == "" {
		http.Error(w, "需要 address 参数", http.StatusBadRequest)
		return
	}
	addr, err := parseHash(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	profile, err := s.engine.GetModelProfile(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

type updateProfileRequest struct {
	Address common.Hash `json:"address"`
	mesh.ModelProfilePatch
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	profile, err := s.engine.UpdateModelProfile(r.Context(), caller, req.Address, req.ModelProfilePatch)
	metrics.ObserveOperation("update_model_profile", outcome(err))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateIntent(w, r)
	case http.MethodGet:
		s.handleGetIntents(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var params mesh.CreateIntentParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	intent, err := s.engine.CreateIntent(r.Context(), caller, params)
	metrics.ObserveOperation("create_intent", outcome(err))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, intent)
}

// handleGetIntents 按地址取单条，或按过滤条件列出多条。
func (s *Server) handleGetIntents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if raw := query.Get("address"); raw != "" {
		addr, err := parseHash(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		intent, err := s.engine.GetIntent(r.Context(), addr)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, intent)
		return
	}

	opts, err := listOptionsFromQuery(query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	intents, err := s.engine.ListIntents(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intents)
}

type updateIntentStatusRequest struct {
	Intent common.Hash `json:"intent"`
	mesh.StatusUpdate
}

func (s *Server) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req updateIntentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	intent, err := s.engine.UpdateIntentStatus(r.Context(), caller, req.Intent, req.StatusUpdate)
	metrics.ObserveOperation("update_intent_status", outcome(err))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleIntentStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	opts, err := listOptionsFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.engine.IntentStats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleEscrowBalance 返回意向托管账户的当前余额。
func (s *Server) handleEscrowBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	raw := r.URL.Query().Get("intent")
	if raw == "" {
		http.Error(w, "需要 intent 参数", http.StatusBadRequest)
		return
	}
	addr, err := parseHash(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.engine.EscrowBalance(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"intent":  addr.Hex(),
		"balance": balance,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller 从请求头解析调用主体，失败时直接写出 400。
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		http.Error(w, "缺少 "+CallerHeader+" 请求头", http.StatusBadRequest)
		return common.Hash{}, false
	}
	caller, err := parseHash(raw)
	if err != nil {
		http.Error(w, CallerHeader+" 必须是 32 字节十六进制", http.StatusBadRequest)
		return common.Hash{}, false
	}
	return caller, true
}

func parseHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimPrefix(raw, "0x")
	if len(trimmed) != common.HashLength*2 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "地址必须是 32 字节十六进制")
	}
	var addr common.Hash
	if err := addr.UnmarshalText([]byte("0x" + trimmed)); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "地址解析失败")
	}
	return addr, nil
}

func listOptionsFromQuery(query map[string][]string) ([]mesh.ListOption, error) {
	get := func(key string) string {
		if vals := query[key]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	var opts []mesh.ListOption
	if raw := get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "limit 参数无效")
		}
		opts = append(opts, mesh.WithLimit(parsed))
	}
	if raw := get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "offset 参数无效")
		}
		opts = append(opts, mesh.WithOffset(parsed))
	}
	if raw := get("status"); raw != "" {
		statuses := make([]mesh.IntentStatus, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			parsed, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
			if err != nil || !mesh.IsValidIntentStatus(mesh.IntentStatus(parsed)) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "status 参数无效")
			}
			statuses = append(statuses, mesh.IntentStatus(parsed))
		}
		opts = append(opts, mesh.WithStatuses(statuses...))
	}
	if raw := get("from"); raw != "" {
		addr, err := parseHash(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mesh.WithFromAgent(addr.Hex()))
	}
	if raw := get("to"); raw != "" {
		addr, err := parseHash(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mesh.WithToAgent(addr.Hex()))
	}
	if raw := get("updated_since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "updated_since 参数无效")
		}
		opts = append(opts, mesh.WithUpdatedSince(time.Unix(parsed, 0)))
	}
	if raw := get("updated_until"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "updated_until 参数无效")
		}
		opts = append(opts, mesh.WithUpdatedUntil(time.Unix(parsed, 0)))
	}
	if raw := get("has_result"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "has_result 参数无效")
		}
		opts = append(opts, mesh.WithResultPresence(parsed))
	}
	if raw := get("order"); raw != "" {
		switch raw {
		case "asc":
			opts = append(opts, mesh.WithOrder(mesh.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, mesh.WithOrder(mesh.SortByUpdatedDesc))
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 参数必须是 asc 或 desc")
		}
	}
	return opts, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 将错误码映射为 HTTP 状态并输出结构化错误体。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case mesh.CodeUnauthorized, mesh.CodeInsufficientPermissions:
		status = http.StatusForbidden
	case mesh.CodeDuplicateRecord, mesh.CodeInvalidStatusTransition:
		status = http.StatusConflict
	case mesh.CodeRecordNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case mesh.CodeTransferFailed:
		status = http.StatusPaymentRequired
	}
	if status == http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: string(code), Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(xerrors.CodeOf(err))
}

// statusRecorder 捕获写出的状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个入口的请求量与耗时。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
