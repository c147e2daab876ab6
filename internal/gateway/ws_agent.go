package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctlplane/internal/envelope"
	"github.com/basket/ctlplane/internal/otel"
	"github.com/basket/ctlplane/internal/registry"
	"github.com/basket/ctlplane/internal/store"
	"github.com/basket/ctlplane/internal/token"
)

// agentFrame is the envelope every agent<->server message arrives or
// leaves in; Data carries the type-specific payload.
type agentFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type heartbeatPayload struct {
	TS           time.Time      `json:"ts"`
	Capabilities map[string]any `json:"capabilities"`
}

type taskAckPayload struct {
	TaskID string `json:"task_id"`
}

type taskResultPayload struct {
	TaskID    string          `json:"task_id"`
	Results   json.RawMessage `json:"results"`
	Signature string          `json:"signature"`
}

// handleAgentWS is the C7 handshake and full-duplex loop: validate the
// bearer token in the query string, mark presence online, register the
// single live connection for the agent, then read frames until the
// socket closes.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	if s.tracer != nil {
		var span trace.Span
		_, span = otel.StartServerSpan(r.Context(), s.tracer, "agent.handshake")
		defer span.End()
	}

	raw := r.URL.Query().Get("token")
	if raw == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	kid, rest, ok := token.PeekKid(raw)
	if !ok {
		http.Error(w, "malformed token", http.StatusUnauthorized)
		return
	}
	secret, ok := s.cfg.AgentKeys.Keys[kid]
	if !ok {
		http.Error(w, "unknown kid", http.StatusUnauthorized)
		return
	}
	claims, err := token.Parse(secret, rest)
	if err != nil || time.Now().After(claims.ExpiresAt) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	agentID := claims.UserID
	valid, err := s.store.AgentTokenValid(r.Context(), claims.JTI, agentID)
	if err != nil || !valid {
		http.Error(w, "revoked token", http.StatusUnauthorized)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil || agent.Revoked {
		http.Error(w, "unknown or revoked agent", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	wsConn := registry.NewConnection(agentID, conn)
	s.registry.Register(agentID, wsConn)
	bgCtx := context.Background()
	s.presence.Connect(agentID, nil)
	_ = s.store.TouchAgentSeen(bgCtx, agentID, store.AgentOnline)
	s.subs.Notify(agent.OwnerUserID, "device.online", map[string]string{"agent_id": agentID})
	s.assigner.DeliverQueuedForAgent(bgCtx, agentID)

	defer func() {
		s.registry.Remove(agentID, wsConn)
		s.presence.Disconnect(agentID)
		_ = s.store.TouchAgentSeen(bgCtx, agentID, store.AgentOffline)
		s.subs.Notify(agent.OwnerUserID, "device.offline", map[string]string{"agent_id": agentID})
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var frame agentFrame
		if err := wsjson.Read(r.Context(), conn, &frame); err != nil {
			return
		}
		s.handleAgentFrame(bgCtx, agentID, secret, frame)
	}
}

func (s *Server) handleAgentFrame(ctx context.Context, agentID, secret string, frame agentFrame) {
	switch frame.Type {
	case "heartbeat":
		var hb heartbeatPayload
		if err := json.Unmarshal(frame.Data, &hb); err != nil {
			return
		}
		s.presence.Heartbeat(agentID, hb.Capabilities)
		_ = s.store.TouchAgentSeen(ctx, agentID, store.AgentOnline)

	case "task.ack":
		var ack taskAckPayload
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			return
		}
		if _, err := s.store.MarkInProgress(ctx, ack.TaskID); err != nil {
			s.logger.Error("mark_in_progress_failed", slog.String("task_id", ack.TaskID), slog.Any("error", err))
		}

	case "task.result":
		var res taskResultPayload
		if err := json.Unmarshal(frame.Data, &res); err != nil {
			return
		}
		s.handleTaskResult(ctx, agentID, secret, res)

	default:
		s.logger.Warn("unknown_agent_frame", slog.String("type", frame.Type), slog.String("agent_id", agentID))
	}
}

// handleTaskResult verifies the HMAC over {task_id, results} (signature
// cleared) using the agent's own secret before ever trusting the
// payload, then applies the first-terminal-result-wins guard via
// MarkCompleted/MarkFailed.
func (s *Server) handleTaskResult(ctx context.Context, agentID, secret string, res taskResultPayload) {
	canonical, err := envelope.Canonicalize(struct {
		TaskID  string          `json:"task_id"`
		Results json.RawMessage `json:"results"`
	}{TaskID: res.TaskID, Results: res.Results})
	if err != nil {
		s.logger.Error("task_result_canonicalize_failed", slog.Any("error", err))
		return
	}
	want := envelope.WebhookSignature(secret, canonical)[len("sha256="):]
	if subtle.ConstantTimeCompare([]byte(res.Signature), []byte(want)) != 1 {
		s.logger.Warn("task_result_bad_signature", slog.String("task_id", res.TaskID), slog.String("agent_id", agentID))
		return
	}

	var resultsData []map[string]any
	_ = json.Unmarshal(res.Results, &resultsData)
	failed := false
	errMsg := ""
	for _, r := range resultsData {
		if status, _ := r["status"].(string); status == "error" || status == "failed" {
			failed = true
			if m, ok := r["error"].(string); ok {
				errMsg = m
			}
		}
	}

	task, err := s.store.GetTask(ctx, res.TaskID)
	if err != nil {
		s.logger.Error("task_result_lookup_failed", slog.String("task_id", res.TaskID), slog.Any("error", err))
		return
	}

	var ok bool
	if failed {
		ok, err = s.store.MarkFailed(ctx, res.TaskID, errMsg)
	} else {
		ok, err = s.store.MarkCompleted(ctx, res.TaskID, string(res.Results))
	}
	if err != nil {
		s.logger.Error("task_result_transition_failed", slog.String("task_id", res.TaskID), slog.Any("error", err))
		return
	}
	if !ok {
		// Already terminal: a second result for this task is a silent
		// no-op by design, not an error.
		return
	}

	eventType := "task.completed"
	if failed {
		eventType = "task.failed"
	}
	s.subs.Notify(task.OwnerUserID, eventType, map[string]string{"task_id": res.TaskID})
	s.webhooks.Dispatch(ctx, task.OwnerUserID, eventType, map[string]any{"task_id": res.TaskID, "results": json.RawMessage(res.Results)})
}
