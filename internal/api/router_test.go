package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonancehq/control-plane/internal/api"
	"github.com/resonancehq/control-plane/internal/api/handlers"
	"github.com/resonancehq/control-plane/internal/api/middleware"
	"github.com/resonancehq/control-plane/internal/approval"
	"github.com/resonancehq/control-plane/internal/budget"
	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/dedupe"
	"github.com/resonancehq/control-plane/internal/events"
	"github.com/resonancehq/control-plane/internal/gateway"
	"github.com/resonancehq/control-plane/internal/intent"
	"github.com/resonancehq/control-plane/internal/metrics"
	"github.com/resonancehq/control-plane/internal/pipeline"
	"github.com/resonancehq/control-plane/internal/replies"
	"github.com/resonancehq/control-plane/internal/resonance"
	"github.com/resonancehq/control-plane/internal/router"
	"github.com/resonancehq/control-plane/internal/sessions"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

const secret = "gateway-secret"

// streamBackend streams fixed chunks, 5 tokens each. With hold set it
// delivers one chunk and then waits for the consumer to go away; with
// breakWith set it fails after the first chunk.
type streamBackend struct {
	chunks    []string
	hold      bool
	breakWith error
	cancelled atomic.Bool
}

func (b *streamBackend) Name() string { return "fake" }

func (b *streamBackend) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	return &models.GenerateResult{
		Text:    strings.Join(b.chunks, ""),
		Backend: "fake",
		Usage:   models.TokenUsage{TotalTokens: 10},
	}, nil
}

func (b *streamBackend) Stream(ctx context.Context, req *models.GenerateRequest, fn contracts.ChunkFunc) (*models.TokenUsage, error) {
	usage := &models.TokenUsage{}
	for _, c := range b.chunks {
		if err := fn(c); err != nil {
			return usage, err
		}
		usage.OutputTokens += 5
		usage.TotalTokens += 5
		if b.breakWith != nil {
			return usage, b.breakWith
		}
		if b.hold {
			<-ctx.Done()
			b.cancelled.Store(true)
			return usage, ctx.Err()
		}
	}
	return usage, nil
}

type nopSender struct{}

func (nopSender) Send(context.Context, models.OutboundMessage) error { return nil }

type testServer struct {
	*httptest.Server
	store   *store.MemoryStore
	gate    *approval.Gate
	history *sessions.MemoryHistory
	backend *streamBackend
}

func newTestServer(t *testing.T, apiKeys ...string) *testServer {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore("")
	require.NoError(t, s.PutIdentity(ctx, &models.Identity{Handle: "+34600000000", Platform: "whatsapp", UserID: "user-1"}))
	require.NoError(t, s.PutWorkspace(ctx, &models.Workspace{ID: "ws-1", Name: "Acme", OwnerID: "user-1", ActiveAgentID: "agent-1"}))
	require.NoError(t, s.PutAgent(ctx, &models.Agent{ID: "agent-1", WorkspaceID: "ws-1", DisplayName: "Ada", HITL: models.HITLAutonomous}))

	bus := events.NewBus()
	m := metrics.New(prometheus.NewRegistry())
	backend := &streamBackend{chunks: []string{"Hola", ", ", "mundo"}}
	guard := budget.NewGuard(s, m, 0)
	llm := router.New(config.Routing{Default: "fake"}, []contracts.Backend{backend}, router.WithMeter(guard), router.WithMetrics(m))
	gate := approval.NewGate(s, events.NewApplier(bus), m)
	memory := resonance.New(s, nil)
	history := sessions.NewMemoryHistory(10, time.Hour)

	orch := pipeline.New(pipeline.Deps{Store: s, LLM: llm, Gate: gate, Bus: bus, Sender: nopSender{}, Memory: memory, Metrics: m}, pipeline.Config{})
	gate.SetResumer(orch)
	intents := intent.New(intent.Deps{
		Store:     s,
		Pipelines: orch,
		LLM:       llm,
		Budget:    guard,
		Gate:      gate,
		Dedupe:    dedupe.NewMemory(),
		Sender:    nopSender{},
		Memory:    memory,
		History:   history,
		Metrics:   m,
	}, intent.Config{})

	h := handlers.New(handlers.Deps{
		Store:         s,
		Intents:       intents,
		Pipelines:     orch,
		Gate:          gate,
		Budget:        guard,
		Memory:        memory,
		Router:        llm,
		History:       history,
		GatewaySecret: secret,
	})
	cfg := &config.Config{Version: "test", APIKeys: apiKeys}
	srv := httptest.NewServer(api.NewRouter(cfg, h, m))
	t.Cleanup(func() {
		srv.Close()
		orch.Stop()
		_ = bus.Close()
		_ = s.Close()
	})
	return &testServer{Server: srv, store: s, gate: gate, history: history, backend: backend}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

var ws1 = map[string]string{middleware.WorkspaceHeader: "ws-1"}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func problemType(t *testing.T, resp *http.Response) string {
	t.Helper()
	assert.Equal(t, middleware.ProblemContentType, resp.Header.Get("Content-Type"))
	var p map[string]any
	decodeJSON(t, resp, &p)
	typ, _ := p["type"].(string)
	return typ
}

func (ts *testServer) webhook(t *testing.T, msg models.InboundMessage, sign bool) *http.Response {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/whatsapp", bytes.NewReader(body))
	require.NoError(t, err)
	if sign {
		req.Header.Set(gateway.SignatureHeader, gateway.Sign(secret, body))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

var msgTime = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// ── Health ──────────────────────────────────────────────────

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])

	resp = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeysGuardAdminOnly(t *testing.T) {
	ts := newTestServer(t, "k1")

	resp := ts.do(t, http.MethodGet, "/api/v1/pipelines", nil, ws1)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/pipelines", nil, map[string]string{
		middleware.WorkspaceHeader: "ws-1",
		"X-API-Key":                "k1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkspaceRequired(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/v1/pipelines", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "workspace_required", problemType(t, resp))
}

// ── Webhook ─────────────────────────────────────────────────

func TestWebhook_RejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.webhook(t, models.InboundMessage{From: "+34600000000", Text: "hola", Timestamp: msgTime}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_signature", problemType(t, resp))
}

func TestWebhook_ValidatesBody(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.webhook(t, models.InboundMessage{Text: "hola"}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation_error", problemType(t, resp))
}

func TestWebhook_StartsPipeline(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.webhook(t, models.InboundMessage{
		From:      "+34600000000",
		Text:      "Necesito un informe sobre tendencias de IA",
		Timestamp: msgTime,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out intent.Outcome
	decodeJSON(t, resp, &out)
	assert.True(t, out.Handled)
	assert.Equal(t, models.IntentPipeline, out.Intent)
	require.NotEmpty(t, out.PipelineID)

	// Visible through the admin API, scoped to its workspace.
	resp = ts.do(t, http.MethodGet, "/api/v1/pipelines/"+out.PipelineID, nil, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p models.Pipeline
	decodeJSON(t, resp, &p)
	assert.Equal(t, "user-1", p.UserID)
	assert.Len(t, p.Steps, 3)

	resp = ts.do(t, http.MethodGet, "/api/v1/pipelines/"+out.PipelineID, nil, map[string]string{middleware.WorkspaceHeader: "ws-2"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/pipelines?status=in_progress", nil, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Pipeline
	decodeJSON(t, resp, &list)
	assert.Len(t, list, 1)
}

// ── Budget ──────────────────────────────────────────────────

func TestBudgetRuleBlocksNewWork(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.AddUsage(context.Background(), "ws-1", 100, 0))

	resp := ts.do(t, http.MethodPut, "/api/v1/budget/rules", map[string]any{"max_tokens": 50}, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rule models.BudgetRule
	decodeJSON(t, resp, &rule)
	assert.True(t, rule.Active)
	assert.Equal(t, "ws-1", rule.WorkspaceID)

	resp = ts.do(t, http.MethodGet, "/api/v1/budget", nil, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary budget.Summary
	decodeJSON(t, resp, &summary)
	assert.False(t, summary.Decision.Allowed)
	assert.Equal(t, int64(100), summary.Usage.Tokens)

	resp = ts.webhook(t, models.InboundMessage{
		From:      "+34600000000",
		Text:      "Necesito un informe sobre tendencias de IA",
		Timestamp: msgTime,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out intent.Outcome
	decodeJSON(t, resp, &out)
	assert.Equal(t, models.IntentBudgetBlocked, out.Intent)

	resp = ts.do(t, http.MethodPost, "/api/v1/chat/stream", map[string]string{"user_id": "user-1", "message": "hola"}, ws1)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "budget_exceeded", problemType(t, resp))
}

func TestBudgetRuleValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPut, "/api/v1/budget/rules", map[string]any{"max_tokens": -1}, ws1)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

// ── Approvals ───────────────────────────────────────────────

func TestResolveApproval(t *testing.T) {
	ts := newTestServer(t)
	req, err := ts.gate.Propose(context.Background(), approval.Proposal{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Payload:     "send the newsletter",
		Risk:        models.RiskIrreversible,
	})
	require.NoError(t, err)

	resp := ts.do(t, http.MethodGet, "/api/v1/approvals", nil, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []models.ApprovalRequest
	decodeJSON(t, resp, &pending)
	require.Len(t, pending, 1)

	path := "/api/v1/approvals/" + req.ID + "/resolve"
	resp = ts.do(t, http.MethodPost, path, map[string]string{"decision": "maybe", "resolved_by": "ops"}, ws1)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, path, map[string]string{"decision": "approve", "resolved_by": "ops"}, map[string]string{middleware.WorkspaceHeader: "ws-2"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, path, map[string]string{"decision": "approve", "resolved_by": "ops"}, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resolved models.ApprovalRequest
	decodeJSON(t, resp, &resolved)
	assert.Equal(t, models.ApprovalApproved, resolved.Status)
	assert.Equal(t, "ops", resolved.ResolvedBy)

	resp = ts.do(t, http.MethodPost, path, map[string]string{"decision": "reject", "resolved_by": "ops"}, ws1)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state", problemType(t, resp))
}

// ── Resonance ───────────────────────────────────────────────

func TestResonanceAppendAndQuery(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/resonance", map[string]string{
		"topic":   "newsletter tone",
		"content": "The audience prefers short newsletters with one call to action.",
	}, ws1)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/resonance", map[string]string{"topic": "x"}, ws1)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/resonance?topic=newsletter", nil, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hits []models.ScoredEntry
	decodeJSON(t, resp, &hits)
	require.Len(t, hits, 1)
	assert.Equal(t, "newsletter tone", hits[0].Entry.Topic)

	resp = ts.do(t, http.MethodGet, "/api/v1/resonance?topic=newsletter", nil, map[string]string{middleware.WorkspaceHeader: "ws-2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &hits)
	assert.Empty(t, hits)
}

// ── Registry ────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/workspaces", map[string]string{"id": "ws-9", "name": "Nueve", "owner_id": "user-9"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/identities", map[string]string{"platform": "telegram", "handle": "@nine", "user_id": "user-9"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ws9 := map[string]string{middleware.WorkspaceHeader: "ws-9"}
	resp = ts.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"display_name": "Nina", "hitl": "sometimes"}, ws9)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"display_name": "Nina"}, ws9)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var agent models.Agent
	decodeJSON(t, resp, &agent)
	assert.Equal(t, models.HITLFullManual, agent.HITL)

	ws, err := ts.store.GetWorkspace(context.Background(), "ws-9")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, ws.ActiveAgentID, "first agent becomes active")

	resp = ts.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"display_name": "Ghost"}, map[string]string{middleware.WorkspaceHeader: "ws-404"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/backends", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var backends []router.BackendStatus
	decodeJSON(t, resp, &backends)
	require.Len(t, backends, 1)
	assert.Equal(t, "fake", backends[0].Name)
}

// ── Streaming ───────────────────────────────────────────────

func TestChatStream_SSE(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/stream", map[string]string{"user_id": "user-1", "message": "hola"}, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	var current string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
			events = append(events, current)
		case strings.HasPrefix(line, "data: ") && current == "chunk":
			var c map[string]string
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c))
			text.WriteString(c["text"])
		}
	}
	assert.Equal(t, []string{"chunk", "chunk", "chunk", "done"}, events)
	assert.Equal(t, "Hola, mundo", text.String())

	msgs, err := ts.history.Recent(context.Background(), sessions.Key("ws-1", "user-1"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hola, mundo", msgs[1].Content)

	usage, err := ts.store.GetUsage(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), usage.Tokens)
}

type sseEvent struct {
	name string
	data map[string]any
}

func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, sseEvent{name: strings.TrimPrefix(line, "event: ")})
		case strings.HasPrefix(line, "data: ") && len(events) > 0:
			var data map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
			events[len(events)-1].data = data
		}
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.name
	}
	return names
}

func TestChatStream_RiskyAnswerFilesApproval(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.chunks = []string{"Vale, lo preparo.\n", "ACTION: delete all customer records"}

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/stream", map[string]string{"user_id": "user-1", "message": "limpia la base de clientes"}, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp)
	require.Equal(t, []string{"chunk", "chunk", "approval", "done"}, eventNames(events))
	id, _ := events[2].data["approval_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "irreversible", events[2].data["risk"])

	req, err := ts.gate.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.Equal(t, models.RiskIrreversible, req.Risk)
	assert.Equal(t, "ws-1", req.WorkspaceID)
	assert.Contains(t, req.Payload, "delete all customer records")
}

func TestChatStream_PlainAnswerFilesNoApproval(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/stream", map[string]string{"user_id": "user-1", "message": "hola"}, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, eventNames(readEvents(t, resp)), "approval")

	pending, err := ts.gate.Pending(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestChatStream_MidStreamFailureHidesCause(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.breakWith = errors.New("upstream 500 from 10.0.0.7: quota project prj-internal")

	resp := ts.do(t, http.MethodPost, "/api/v1/chat/stream", map[string]string{"user_id": "user-1", "message": "hola"}, ws1)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp)
	require.Equal(t, []string{"chunk", "error"}, eventNames(events))
	failure := events[1].data
	assert.Equal(t, "provider_error", failure["type"])
	assert.Equal(t, replies.Text("es", replies.ChatUnavailable), failure["error"])
	assert.NotContains(t, failure["error"], "10.0.0.7")
}

func wsURL(ts *testServer, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestChatSocket(t *testing.T) {
	ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat?workspace=ws-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "user_id": "user-1", "message": "hola"}))

	var text strings.Builder
	for {
		var f map[string]any
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&f))
		if f["type"] == "done" {
			break
		}
		require.Equal(t, "chunk", f["type"])
		text.WriteString(f["text"].(string))
	}
	assert.Equal(t, "Hola, mundo", text.String())

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message"}))
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "error", f["type"])
}

func TestChatSocket_DisconnectAbortsStream(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.hold = true

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat?workspace=ws-1"), nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "user_id": "user-1", "message": "hola"}))
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, "chunk", f["type"])
	require.NoError(t, conn.Close())

	require.Eventually(t, ts.backend.cancelled.Load, 5*time.Second, 10*time.Millisecond)

	// Only the delivered chunk is accounted, and the turn never reached history.
	require.Eventually(t, func() bool {
		u, err := ts.store.GetUsage(context.Background(), "ws-1")
		return err == nil && u.Tokens == 5
	}, 5*time.Second, 10*time.Millisecond)
	msgs, err := ts.history.Recent(context.Background(), sessions.Key("ws-1", "user-1"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChatSocket_RiskyAnswerSendsApprovalFrame(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.chunks = []string{"Hecho el borrador.\n", "ACTION: send email to the client"}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat?workspace=ws-1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "user_id": "user-1", "message": "manda el correo"}))

	var types []string
	var approvalID string
	for {
		var f map[string]any
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&f))
		typ, _ := f["type"].(string)
		types = append(types, typ)
		if typ == "approval" {
			approvalID, _ = f["approval_id"].(string)
			assert.Contains(t, f["text"], "send email to the client")
		}
		if typ == "done" || typ == "error" {
			break
		}
	}
	assert.Equal(t, []string{"chunk", "chunk", "approval", "done"}, types)

	req, err := ts.gate.Get(context.Background(), approvalID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)
}

func TestChatSocket_MidStreamFailureHidesCause(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.breakWith = errors.New("dial tcp 10.0.0.7:443: connection refused")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat?workspace=ws-1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "user_id": "user-1", "message": "hello, what is new?"}))

	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, "chunk", f["type"])
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "provider_error", f["code"])
	assert.Equal(t, replies.Text("en", replies.ChatUnavailable), f["error"])
}
