// Package gateway exposes the operator surface: a JSON-RPC 2.0 API over
// WebSocket for agent management, approvals, manual runs, and the command
// center, plus a health endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-pilot/internal/approval"
	"github.com/basket/go-pilot/internal/audit"
	"github.com/basket/go-pilot/internal/bus"
	"github.com/basket/go-pilot/internal/commandcenter"
	"github.com/basket/go-pilot/internal/cron"
	"github.com/basket/go-pilot/internal/execution"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/registry"
	"github.com/basket/go-pilot/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid    = 1000
	ErrCodeNotFound   = 1404
	ErrCodeConflict   = 1409 // duplicate name, already running
	ErrCodeOverBudget = 1402
	ErrCodeCooldown   = 1429
)

// Scheduler is the slice of the poller the gateway drives.
type Scheduler interface {
	TriggerManual(ctx context.Context, agentID string) (*persistence.Execution, error)
	Resume(ctx context.Context, agentID string, approved bool) error
}

type Config struct {
	Store      *persistence.Store
	Registry   *registry.Registry
	Tracker    *execution.Tracker
	Gate       *approval.Gate
	Aggregator *commandcenter.Aggregator
	Scheduler  Scheduler
	Bus        *bus.Bus
	Logger     *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.DB().PingContext(r.Context()) == nil
	payload := map[string]any{
		"healthy":    dbOK,
		"db_ok":      dbOK,
		"deny_count": audit.DenyCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		c.stopEvents(s.cfg.Bus)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func isMutatingMethod(method string) bool {
	switch method {
	case "agent.create", "agent.update", "agent.delete", "agent.run", "agent.view",
		"approval.resolve":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	result, rpcErr := s.dispatch(ctx, c, req)
	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
}

func (s *Server) dispatch(ctx context.Context, c *client, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		return map[string]any{
			"protocol": "gopilot",
			"version":  "1.0",
		}, nil
	case "system.status":
		return s.systemStatus(ctx)
	case "agent.create":
		return s.agentCreate(ctx, req.Params)
	case "agent.update":
		return s.agentUpdate(ctx, req.Params)
	case "agent.delete":
		return s.agentDelete(ctx, req.Params)
	case "agent.get":
		return s.agentGet(ctx, req.Params)
	case "agent.list":
		return s.agentList(ctx, req.Params)
	case "agent.run":
		return s.agentRun(ctx, req.Params)
	case "agent.view":
		return s.agentView(ctx, req.Params)
	case "approval.list":
		return s.approvalList(ctx, req.Params)
	case "approval.resolve":
		return s.approvalResolve(ctx, req.Params)
	case "executions.list":
		return s.executionsList(ctx, req.Params)
	case "executions.recent":
		return s.executionsRecent(ctx, req.Params)
	case "commandcenter.get":
		return s.commandCenterGet(ctx, req.Params)
	case "events.subscribe":
		return s.eventsSubscribe(c, req.Params)
	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Server) systemStatus(ctx context.Context) (any, *rpcError) {
	agents, err := s.cfg.Registry.List(ctx, "")
	if err != nil {
		return nil, internalErr(err)
	}
	enabled := 0
	for _, a := range agents {
		if a.Enabled {
			enabled++
		}
	}
	return map[string]any{
		"healthy":            true,
		"agent_count":        len(agents),
		"enabled_count":      enabled,
		"deny_count":         audit.DenyCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"time":               time.Now().UTC().Format(time.RFC3339),
	}, nil
}

type agentCreateParams struct {
	OwnerID         string   `json:"owner_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	SystemPrompt    string   `json:"system_prompt"`
	Schedule        *string  `json:"schedule"`
	Timezone        string   `json:"timezone"`
	Enabled         *bool    `json:"enabled"`
	ToolPermissions string   `json:"tool_permissions"`
	Model           string   `json:"model"`
	BudgetLimitUSD  *float64 `json:"budget_limit_usd"`
}

func (s *Server) agentCreate(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p agentCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	agent, err := s.cfg.Registry.Create(ctx, registry.CreateParams{
		OwnerID:         p.OwnerID,
		Name:            p.Name,
		Description:     p.Description,
		SystemPrompt:    p.SystemPrompt,
		Schedule:        p.Schedule,
		Timezone:        p.Timezone,
		Enabled:         p.Enabled,
		ToolPermissions: p.ToolPermissions,
		Model:           p.Model,
		BudgetLimitUSD:  p.BudgetLimitUSD,
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return map[string]any{"agent": agentJSON(agent)}, nil
}

type agentUpdateParams struct {
	AgentID string `json:"agent_id"`
	OwnerID string `json:"owner_id"`
	registry.Patch
}

func (s *Server) agentUpdate(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p agentUpdateParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.OwnerID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	agent, err := s.cfg.Registry.Update(ctx, p.AgentID, p.OwnerID, p.Patch)
	if err != nil {
		return nil, mapErr(err)
	}
	return map[string]any{"agent": agentJSON(agent)}, nil
}

// agentRefParams addresses one agent within its owner's namespace; every
// per-agent method requires both so ids cannot be used across owners.
type agentRefParams struct {
	AgentID string `json:"agent_id"`
	OwnerID string `json:"owner_id"`
}

func decodeAgentRef(params json.RawMessage) (agentRefParams, *rpcError) {
	var p agentRefParams
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" || p.OwnerID == "" {
		return p, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	return p, nil
}

func (s *Server) agentDelete(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, perr := decodeAgentRef(params)
	if perr != nil {
		return nil, perr
	}
	if err := s.cfg.Registry.Delete(ctx, p.AgentID, p.OwnerID); err != nil {
		return nil, mapErr(err)
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) agentGet(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, perr := decodeAgentRef(params)
	if perr != nil {
		return nil, perr
	}
	agent, err := s.cfg.Registry.Get(ctx, p.AgentID, p.OwnerID)
	if err != nil {
		return nil, mapErr(err)
	}
	return map[string]any{"agent": agentJSON(agent)}, nil
}

func (s *Server) agentList(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		OwnerID string `json:"owner_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
		}
	}
	agents, err := s.cfg.Registry.List(ctx, p.OwnerID)
	if err != nil {
		return nil, internalErr(err)
	}
	items := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		items = append(items, agentJSON(a))
	}
	return map[string]any{"agents": items}, nil
}

func (s *Server) agentRun(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, perr := decodeAgentRef(params)
	if perr != nil {
		return nil, perr
	}
	// Ownership check before touching the scheduler.
	if _, err := s.cfg.Registry.Get(ctx, p.AgentID, p.OwnerID); err != nil {
		return nil, mapErr(err)
	}
	exec, err := s.cfg.Scheduler.TriggerManual(ctx, p.AgentID)
	if err != nil {
		return nil, mapErr(err)
	}
	return map[string]any{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
	}, nil
}

func (s *Server) agentView(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	p, perr := decodeAgentRef(params)
	if perr != nil {
		return nil, perr
	}
	if err := s.cfg.Registry.MarkViewed(ctx, p.AgentID, p.OwnerID); err != nil {
		return nil, mapErr(err)
	}
	return map[string]any{"viewed": true}, nil
}

func (s *Server) approvalList(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.UserID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	pending, err := s.cfg.Gate.PendingForUser(ctx, p.UserID)
	if err != nil {
		return nil, internalErr(err)
	}
	items := make([]map[string]any, 0, len(pending))
	for _, ap := range pending {
		items = append(items, approvalJSON(ap))
	}
	return map[string]any{"approvals": items}, nil
}

func (s *Server) approvalResolve(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ApprovalID string `json:"approval_id"`
		UserID     string `json:"user_id"`
		Approved   bool   `json:"approved"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ApprovalID == "" || p.UserID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	ap, err := s.cfg.Gate.Resolve(ctx, p.ApprovalID, p.UserID, p.Approved)
	if err != nil {
		return nil, mapErr(err)
	}
	// Wake the parked execution, if any. Rejected approvals fail it.
	if err := s.cfg.Scheduler.Resume(ctx, ap.AgentID, p.Approved); err != nil &&
		!errors.Is(err, persistence.ErrNotFound) {
		s.logger.ErrorContext(ctx, "resume after resolve failed",
			"trace_id", shared.TraceID(ctx), "agent_id", ap.AgentID, "error", err)
	}
	return map[string]any{"approval": approvalJSON(ap)}, nil
}

func (s *Server) executionsList(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		AgentID string `json:"agent_id"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 50
	}
	execs, err := s.cfg.Tracker.ListByAgent(ctx, p.AgentID, p.Limit)
	if err != nil {
		return nil, internalErr(err)
	}
	items := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		items = append(items, executionJSON(e))
	}
	return map[string]any{"executions": items}, nil
}

func (s *Server) executionsRecent(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		OwnerID string `json:"owner_id"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.OwnerID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}
	execs, err := s.cfg.Tracker.ListRecentByOwner(ctx, p.OwnerID, p.Limit)
	if err != nil {
		return nil, internalErr(err)
	}
	items := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		items = append(items, executionJSON(e))
	}
	return map[string]any{"executions": items}, nil
}

func (s *Server) commandCenterGet(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.OwnerID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	snap, err := s.cfg.Aggregator.Snapshot(ctx, p.OwnerID)
	if err != nil {
		return nil, internalErr(err)
	}
	return snap, nil
}

// eventsSubscribe streams bus events to the client as JSON-RPC notifications
// with method "event".
func (s *Server) eventsSubscribe(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		TopicPrefix string `json:"topic_prefix"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
		}
	}
	if s.cfg.Bus == nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "event bus unavailable"}
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busSub != nil {
		return map[string]any{"subscribed": true}, nil
	}
	sub := s.cfg.Bus.Subscribe(p.TopicPrefix)
	ctx, cancel := context.WithCancel(context.Background())
	c.busSub = sub
	c.busCancel = cancel

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				err := c.write(ctx, rpcResponse{
					JSONRPC: "2.0",
					Method:  "event",
					Params: map[string]any{
						"topic":   ev.Topic,
						"payload": ev.Payload,
					},
				})
				if err != nil {
					return
				}
			}
		}
	}()
	return map[string]any{"subscribed": true}, nil
}

func (c *client) stopEvents(b *bus.Bus) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busCancel != nil {
		c.busCancel()
		c.busCancel = nil
	}
	if c.busSub != nil && b != nil {
		b.Unsubscribe(c.busSub)
		c.busSub = nil
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, v)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false
	}
	return id, true
}

func mapErr(err error) *rpcError {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, persistence.ErrDuplicateName),
		errors.Is(err, persistence.ErrAlreadyRunning):
		return &rpcError{Code: ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, cron.ErrOverBudget):
		return &rpcError{Code: ErrCodeOverBudget, Message: err.Error()}
	case errors.Is(err, cron.ErrCooldown):
		return &rpcError{Code: ErrCodeCooldown, Message: err.Error()}
	case errors.Is(err, registry.ErrNameRequired),
		errors.Is(err, registry.ErrOwnerRequired):
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	default:
		if strings.Contains(err.Error(), "parse cron") || strings.Contains(err.Error(), "load timezone") {
			return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
		}
		return internalErr(err)
	}
}

func internalErr(err error) *rpcError {
	return &rpcError{Code: ErrCodeInternal, Message: shared.Redact(err.Error())}
}

// rawJSON passes stored JSON through untouched, mapping empty to null.
func rawJSON(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

func agentJSON(a *persistence.Agent) map[string]any {
	return map[string]any{
		"agent_id":         a.ID,
		"owner_id":         a.OwnerID,
		"conversation_id":  a.ConversationID,
		"name":             a.Name,
		"description":      a.Description,
		"system_prompt":    a.SystemPrompt,
		"schedule":         a.Schedule,
		"timezone":         a.Timezone,
		"enabled":          a.Enabled,
		"tool_permissions": rawJSON(a.ToolPermissions),
		"model":            a.Model,
		"budget_limit_usd": a.BudgetLimitUSD,
		"created_at":       a.CreatedAt,
		"updated_at":       a.UpdatedAt,
		"last_run_at":      a.LastRunAt,
		"next_run_at":      a.NextRunAt,
	}
}

func approvalJSON(ap *persistence.Approval) map[string]any {
	return map[string]any{
		"approval_id": ap.ApprovalID,
		"agent_id":    ap.AgentID,
		"user_id":     ap.UserID,
		"tool_name":   ap.ToolName,
		"tool_args":   rawJSON(ap.ToolArgs),
		"description": ap.Description,
		"status":      string(ap.Status),
		"created_at":  ap.CreatedAt,
		"resolved_at": ap.ResolvedAt,
		"expires_at":  ap.ExpiresAt,
	}
}

func executionJSON(e *persistence.Execution) map[string]any {
	out := map[string]any{
		"execution_id": e.ID,
		"agent_id":     e.AgentID,
		"status":       string(e.Status),
		"trigger":      string(e.TriggerType),
		"started_at":   e.StartedAt,
		"completed_at": e.CompletedAt,
	}
	if e.TriggeredByAgentID != nil {
		out["triggered_by_agent_id"] = *e.TriggeredByAgentID
	}
	if e.ErrorMessage != nil {
		out["error"] = shared.Redact(*e.ErrorMessage)
	}
	return out
}
