package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/api/middleware"
	"github.com/resonancehq/control-plane/internal/approval"
	"github.com/resonancehq/control-plane/internal/intent"
	"github.com/resonancehq/control-plane/internal/replies"
	"github.com/resonancehq/control-plane/internal/sessions"
	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

type chatRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// chatTurn is the result of one finished web-chat turn. Approval is set
// when the answer proposed an action that needs a human decision.
type chatTurn struct {
	Usage    *models.TokenUsage
	Approval *models.ApprovalRequest
}

// streamChat runs one direct-chat turn, handing chunks to emit as they
// arrive. History is only extended when the turn finishes, and the full
// answer goes through the same approval gate as chat over a gateway.
func (h *Handlers) streamChat(ctx context.Context, workspaceID string, req chatRequest, emit contracts.ChunkFunc) (*chatTurn, error) {
	if h.Simulation {
		text := replies.Text(intent.DetectLang(req.Message), replies.Simulated, req.Message)
		for _, word := range strings.SplitAfter(text, " ") {
			if err := emit(word); err != nil {
				return &chatTurn{Usage: &models.TokenUsage{}}, err
			}
		}
		return &chatTurn{Usage: &models.TokenUsage{}}, nil
	}

	var agent *models.Agent
	var persona string
	if ws, err := h.Store.GetWorkspace(ctx, workspaceID); err == nil && ws.ActiveAgentID != "" {
		if a, err := h.Store.GetAgent(ctx, workspaceID, ws.ActiveAgentID); err == nil {
			agent = a
			persona = a.Persona
		}
	}
	var agentID string
	if agent != nil {
		agentID = agent.ID
	}

	key := sessions.Key(workspaceID, req.UserID)
	var history []models.ChatMessage
	if h.History != nil {
		var err error
		if history, err = h.History.Recent(ctx, key); err != nil {
			log.Warn().Err(err).Str("workspace", workspaceID).Msg("Chat history unavailable")
		}
	}

	var answer strings.Builder
	usage, err := h.Router.RouteStream(ctx, &models.RouteRequest{
		GenerateRequest: models.GenerateRequest{
			TaskKind: models.TaskChat,
			System:   persona,
			Prompt:   req.Message,
			History:  history,
		},
		WorkspaceID: workspaceID,
		AgentID:     agentID,
	}, func(chunk string) error {
		if err := emit(chunk); err != nil {
			return err
		}
		answer.WriteString(chunk)
		return nil
	})
	turn := &chatTurn{Usage: usage}
	if err != nil {
		return turn, err
	}

	// The turn is complete; a client leaving now must not drop its effects.
	ctx = context.WithoutCancel(ctx)
	if h.History != nil {
		if err := h.History.Append(ctx, key,
			models.ChatMessage{Role: "user", Content: req.Message},
			models.ChatMessage{Role: "assistant", Content: answer.String()},
		); err != nil {
			log.Warn().Err(err).Str("workspace", workspaceID).Msg("Failed to extend chat history")
		}
	}

	assessment := approval.Classify(answer.String(), false)
	if h.Gate == nil || !approval.RequiresApproval(assessment.Level, approval.AgentLevel(agent)) {
		return turn, nil
	}
	pending, err := h.Gate.Propose(ctx, approval.Proposal{
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		ActionKind:  assessment.ActionKind,
		EntityType:  assessment.EntityType,
		Payload:     assessment.Action,
		Risk:        assessment.Level,
	})
	if err != nil {
		return turn, fmt.Errorf("propose chat action: %w", err)
	}
	turn.Approval = pending
	return turn, nil
}

// turnFailure is what a client sees when a turn fails after streaming
// started: the error class and a user-facing text. The cause is logged.
func turnFailure(workspaceID string, req chatRequest, err error) (string, string) {
	_, typ := classify(err)
	log.Error().Err(err).Str("workspace", workspaceID).Str("type", typ).Msg("Chat turn failed")
	return typ, replies.Text(intent.DetectLang(req.Message), replies.ChatUnavailable)
}

// approvalEvent announces a gated action at the end of a turn.
type approvalEvent struct {
	ApprovalID string `json:"approval_id"`
	Action     string `json:"action"`
	Risk       string `json:"risk"`
}

// ══════════════════════════════════════════════════════════════
// ── Server-Sent Events ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ChatStream streams a direct chat answer as SSE.
// POST /api/v1/chat/stream
//
// Events: "chunk" per text fragment, "approval" when the answer proposed
// a gated action, then "done" with usage or "error". Errors raised before
// the first chunk (budget, no backend) are plain problem responses instead.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.RespondProblem(w, r, http.StatusInternalServerError, "internal_error", "Streaming not supported")
		return
	}

	started := false
	start := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		started = true
	}

	workspaceID := middleware.GetWorkspace(r)
	turn, err := h.streamChat(r.Context(), workspaceID, req, func(chunk string) error {
		if !started {
			start()
		}
		if err := writeEvent(w, "chunk", map[string]string{"text": chunk}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	switch {
	case r.Context().Err() != nil:
		log.Debug().Str("workspace", workspaceID).Msg("Chat stream client went away")
		return
	case err != nil && !started:
		respondError(w, r, err)
		return
	}
	if !started {
		start()
	}
	switch {
	case err != nil:
		typ, text := turnFailure(workspaceID, req, err)
		_ = writeEvent(w, "error", map[string]string{"type": typ, "error": text})
	default:
		if a := turn.Approval; a != nil {
			_ = writeEvent(w, "approval", approvalEvent{ApprovalID: a.ID, Action: a.Payload, Risk: a.Risk.String()})
		}
		_ = writeEvent(w, "done", map[string]any{"usage": turn.Usage})
	}
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// ══════════════════════════════════════════════════════════════
// ── WebSocket ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is both directions of the web-chat protocol.
//
//	client: {"type":"message","user_id":"u1","message":"hola"}
//	server: {"type":"chunk","text":"..."}, then for a gated action
//	        {"type":"approval","approval_id":"...","text":"<action>"},
//	        then {"type":"done","usage":{...}}
//	        or {"type":"error","code":"provider_error","error":"..."}
type wsFrame struct {
	Type       string             `json:"type"`
	UserID     string             `json:"user_id,omitempty"`
	Message    string             `json:"message,omitempty"`
	Text       string             `json:"text,omitempty"`
	ApprovalID string             `json:"approval_id,omitempty"`
	Code       string             `json:"code,omitempty"`
	Error      string             `json:"error,omitempty"`
	Usage      *models.TokenUsage `json:"usage,omitempty"`
}

// ChatSocket serves web chat over a WebSocket. Each client message is one
// chat turn; turns on one connection are sequential. Closing the socket
// cancels the turn in flight.
// GET /ws/chat?workspace=
func (h *Handlers) ChatSocket(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspace(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// The reader owns conn reads; a read error means the client is gone.
	incoming := make(chan wsFrame)
	go func() {
		defer cancel()
		defer close(incoming)
		for {
			var f wsFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			select {
			case incoming <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Debug().Str("workspace", workspaceID).Msg("WebSocket chat connected")
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-incoming:
			if !ok {
				return
			}
			if !h.socketTurn(ctx, conn, workspaceID, f) {
				return
			}
		}
	}
}

// socketTurn answers one frame. It returns false once the connection is
// no longer writable.
func (h *Handlers) socketTurn(ctx context.Context, conn *websocket.Conn, workspaceID string, f wsFrame) bool {
	if f.Type == "ping" {
		return conn.WriteJSON(wsFrame{Type: "pong"}) == nil
	}
	req := chatRequest{UserID: f.UserID, Message: f.Message}
	if err := h.validate.Struct(req); err != nil {
		return conn.WriteJSON(wsFrame{Type: "error", Error: "user_id and message are required"}) == nil
	}

	var writeErr error
	turn, err := h.streamChat(ctx, workspaceID, req, func(chunk string) error {
		if werr := conn.WriteJSON(wsFrame{Type: "chunk", Text: chunk}); werr != nil {
			writeErr = werr
			return werr
		}
		return nil
	})
	switch {
	case writeErr != nil, ctx.Err() != nil:
		return false
	case err != nil:
		code, text := turnFailure(workspaceID, req, err)
		return conn.WriteJSON(wsFrame{Type: "error", Code: code, Error: text}) == nil
	}
	if a := turn.Approval; a != nil {
		if conn.WriteJSON(wsFrame{Type: "approval", ApprovalID: a.ID, Text: a.Payload}) != nil {
			return false
		}
	}
	return conn.WriteJSON(wsFrame{Type: "done", Usage: turn.Usage}) == nil
}
