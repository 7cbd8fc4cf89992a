package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "TrustClaw/internal/errors"
	"TrustClaw/internal/ledger"
	"TrustClaw/internal/observability/metrics"
	"TrustClaw/internal/registry"
	"TrustClaw/internal/trust"
)

// Server 负责暴露 REST 接口,供外部查询信誉与账本状态。
type Server struct {
	addr      string
	resolver  *trust.Resolver
	store     ledger.Store
	threshold int
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, resolver *trust.Resolver, store ledger.Store, threshold int) *Server {
	return &Server{addr: addr, resolver: resolver, store: store, threshold: threshold}
}

// Start 启动 HTTP 服务,直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents/", s.handleAgent)
	mux.HandleFunc("/api/v1/ledger/events", s.handleLedgerEvents)
	mux.HandleFunc("/api/v1/ledger/stats", s.handleLedgerStats)
	mux.HandleFunc("/metrics", s.handleMetrics)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
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

// handleAgent 分发 /api/v1/agents/{id}/reputation 和 /api/v1/agents/{id}/verify。
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		http.Error(w, "路径格式应为 /api/v1/agents/{id}/reputation 或 /verify", http.StatusBadRequest)
		return
	}
	agentID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "代理编号非法", http.StatusBadRequest)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	switch parts[1] {
	case "reputation":
		s.handleReputation(rec, r, agentID)
		metrics.ObserveHTTPRequest("agent_reputation", r.Method, rec.status, time.Since(start))
	case "verify":
		s.handleVerify(rec, r, agentID)
		metrics.ObserveHTTPRequest("agent_verify", r.Method, rec.status, time.Since(start))
	default:
		http.Error(w, "未知操作", http.StatusNotFound)
	}
}

// statusRecorder 记录处理器实际写出的状态码,供指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handleReputation 实时解析代理的归一化信誉记录。
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request, agentID uint64) {
	if s.resolver == nil {
		http.Error(w, "解析器未初始化", http.StatusServiceUnavailable)
		return
	}
	record, err := s.resolver.Resolve(r.Context(), agentID)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	writeJSON(w, record)
}

type verifyResponse struct {
	AgentID  uint64       `json:"agent_id"`
	Accepted bool         `json:"accepted"`
	Reason   trust.Reason `json:"reason"`
	Record   trust.Record `json:"record"`
}

// handleVerify 对当前链上状态运行一遍过滤器。注册路径信息来自
// 账本中该代理最近的事件;账本没有记录时按认可路径对待,
// 此时结果只反映信誉部分。
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, agentID uint64) {
	if s.resolver == nil || s.store == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	record, err := s.resolver.Resolve(ctx, agentID)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	event := registry.RegistrationEvent{AgentID: agentID, ViaSkill: true}
	entries, err := s.store.List(ctx, ledger.ListOptions{AgentID: agentID, Limit: 1})
	if err == nil && len(entries) > 0 {
		event.ViaSkill = entries[0].ViaSkill
		event.Owner = entries[0].Owner
	}

	decision := trust.Decide(event, record, s.threshold)
	writeJSON(w, verifyResponse{
		AgentID:  agentID,
		Accepted: decision.Accepted,
		Reason:   decision.Reason,
		Record:   decision.Record,
	})
}

// handleLedgerEvents 返回账本中的事件记录。
func (s *Server) handleLedgerEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "账本未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := ledger.ListOptions{}
	query := r.URL.Query()
	if raw := query.Get("state"); raw != "" {
		state := ledger.State(raw)
		if !ledger.IsValidState(state) {
			http.Error(w, "未知的事件状态", http.StatusBadRequest)
			return
		}
		opts.States = []ledger.State{state}
	}
	if raw := query.Get("agent_id"); raw != "" {
		agentID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "代理编号非法", http.StatusBadRequest)
			return
		}
		opts.AgentID = agentID
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Offset = parsed
		}
	}

	entries, err := s.store.List(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// handleLedgerStats 返回账本聚合统计。
func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "账本未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.Render()))
}

func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeChainFetchFailure, xerrors.CodeTimeout:
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
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
