// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the websocket session controller for the
// assistant gateway.
//
// # Description
//
// One websocket connection is one session. The client sends ai:chat,
// ai:resume, and ai:interrupt frames; the gateway streams ai:token,
// ai:tool_start, and ai:tool_result events while a turn runs and always
// finishes an accepted request with exactly one terminal event:
// ai:complete, ai:approval_required, or ai:error. Requests canceled
// because the connection dropped produce no events at all.
//
// # Thread Safety
//
// Each accepted request runs on its own goroutine; turns on the same
// thread are serialized through the thread manager's turn lock, and all
// writes to the socket go through a per-session write mutex.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/graphpilot/services/agent"
	"github.com/AleutianAI/graphpilot/services/agent/rag"
	"github.com/AleutianAI/graphpilot/services/agent/thread"
	"github.com/AleutianAI/graphpilot/services/agent/tools"
	"github.com/AleutianAI/graphpilot/services/gateway/auth"
	"github.com/AleutianAI/graphpilot/services/gateway/observability"
	"github.com/AleutianAI/graphpilot/services/graph"
	"github.com/AleutianAI/graphpilot/services/llm"
)

var tracer = otel.Tracer("graphpilot.gateway")

var validate = validator.New()

// Inbound frame types.
const (
	FrameChat      = "ai:chat"
	FrameResume    = "ai:resume"
	FrameInterrupt = "ai:interrupt"
)

// Outbound event types.
const (
	EventSessionCreated   = "session_created"
	EventToken            = "ai:token"
	EventToolStart        = "ai:tool_start"
	EventToolResult       = "ai:tool_result"
	EventComplete         = "ai:complete"
	EventApprovalRequired = "ai:approval_required"
	EventError            = "ai:error"
)

// WSRequest is the envelope for every inbound frame.
//
// Which fields are required depends on Type: ai:chat needs graphKey and
// message, ai:resume needs graphKey, threadId, and approved, and
// ai:interrupt needs only the id of the request to cancel. Token is
// optional on every frame; when present it is validated per frame.
type WSRequest struct {
	Type      string `json:"type" validate:"required,oneof=ai:chat ai:resume ai:interrupt"`
	ID        string `json:"id" validate:"required"`
	GraphKey  string `json:"graphKey,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Message   string `json:"message,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	Token     string `json:"token,omitempty"`
}

// WSEvent is the envelope for every outbound frame.
type WSEvent struct {
	Type       string                `json:"type"`
	ID         string                `json:"id,omitempty"`
	SessionID  string                `json:"sessionId,omitempty"`
	ThreadID   string                `json:"threadId,omitempty"`
	Token      string                `json:"token,omitempty"`
	ToolCallID string                `json:"toolCallId,omitempty"`
	ToolName   string                `json:"toolName,omitempty"`
	Result     string                `json:"result,omitempty"`
	FullText   string                `json:"fullText,omitempty"`
	Usage      *llm.Usage            `json:"usage,omitempty"`
	Action     *tools.ProposedAction `json:"action,omitempty"`
	Error      *ClientError          `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// AssistantDeps bundles everything the websocket handler needs.
type AssistantDeps struct {
	Client    llm.LLMClient
	Source    graph.DataSource
	Threads   *thread.Manager
	Retriever *rag.Retriever
	Tracker   *SessionTracker
	Auth      auth.AuthProvider
	Metrics   *observability.AgentMetrics
}

// registryFor builds the tool registry bound to one graph. Registries
// are cheap to assemble, so each request gets a fresh one rather than
// caching per graph key and letting the cache grow with every key a
// client names.
func (d *AssistantDeps) registryFor(graphKey string) *tools.Registry {
	reg := tools.NewRegistry()
	tools.RegisterGraphTools(reg, d.Source, graphKey)
	return reg
}

// wsSession wraps one websocket connection with a write lock and a
// closed flag so request goroutines can tell a live client from a gone
// one.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *wsSession) send(v WSEvent) error {
	if s.closed.Load() {
		return websocket.ErrCloseSent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.conn.WriteJSON(v)
	if err != nil {
		slog.Warn("failed to write websocket frame", "sessionID", s.id, "error", err)
	}
	return err
}

// HandleAssistantWebSocket upgrades the connection and runs the session
// read loop until the client disconnects.
func HandleAssistantWebSocket(deps *AssistantDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		session := &wsSession{id: uuid.New().String(), conn: ws}
		slog.Info("new assistant session started", "sessionID", session.id)

		if deps.Metrics != nil {
			deps.Metrics.ActiveSessions.Inc()
			defer deps.Metrics.ActiveSessions.Dec()
		}

		if err := session.send(WSEvent{Type: EventSessionCreated, SessionID: session.id}); err != nil {
			return
		}

		// Base context for the whole session. Request contexts derive
		// from it so a dropped connection cancels everything in flight.
		sessionCtx, cancelSession := context.WithCancel(context.Background())
		defer cancelSession()

		var wg sync.WaitGroup
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				slog.Info("assistant session disconnected", "sessionID", session.id, "error", err.Error())
				break
			}

			var req WSRequest
			if err := json.Unmarshal(data, &req); err != nil {
				_ = session.send(WSEvent{Type: EventError, Error: &ClientError{
					Code: CodeBadRequest, Message: "malformed frame",
				}})
				continue
			}
			if err := validate.Struct(&req); err != nil {
				clientErr := ClassifyError(err)
				_ = session.send(WSEvent{Type: EventError, ID: req.ID, Error: &clientErr})
				continue
			}

			switch req.Type {
			case FrameInterrupt:
				if !deps.Tracker.Cancel(session.id, req.ID) {
					_ = session.send(WSEvent{Type: EventError, ID: req.ID, Error: &ClientError{
						Code: CodeNotFound, Message: "no in-flight request with that id",
					}})
				}
			case FrameChat, FrameResume:
				if msg := checkFrame(&req); msg != "" {
					_ = session.send(WSEvent{Type: EventError, ID: req.ID, Error: &ClientError{
						Code: CodeBadRequest, Message: msg,
					}})
					continue
				}
				reqCtx, release := deps.Tracker.Register(sessionCtx, session.id, req.ID)
				wg.Add(1)
				go func(req WSRequest) {
					defer wg.Done()
					defer release()
					runRequest(reqCtx, deps, session, req)
				}(req)
			}
		}

		session.closed.Store(true)
		n := deps.Tracker.CancelSession(session.id)
		cancelSession()
		if n > 0 {
			slog.Info("canceled in-flight requests on disconnect", "sessionID", session.id, "count", n)
		}
		wg.Wait()
	}
}

// checkFrame enforces the per-type required fields the envelope tags
// cannot express. Returns a client-safe message, or "" when valid.
func checkFrame(req *WSRequest) string {
	switch req.Type {
	case FrameChat:
		if req.GraphKey == "" {
			return "graphKey is required for ai:chat"
		}
		if req.Message == "" {
			return "message is required for ai:chat"
		}
	case FrameResume:
		if req.GraphKey == "" {
			return "graphKey is required for ai:resume"
		}
		if req.ThreadID == "" {
			return "threadId is required for ai:resume"
		}
		if req.Approved == nil {
			return "approved is required for ai:resume"
		}
	}
	return ""
}

// runRequest executes one accepted chat or resume request to its
// terminal event.
func runRequest(ctx context.Context, deps *AssistantDeps, session *wsSession, req WSRequest) {
	kind := "chat"
	if req.Type == FrameResume {
		kind = "resume"
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "gateway.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.kind", kind),
		attribute.String("graph.key", req.GraphKey),
	)

	if deps.Metrics != nil {
		deps.Metrics.TurnsStartedTotal.WithLabelValues(kind).Inc()
	}

	info, err := auth.Resolve(ctx, deps.Auth, req.Token)
	if err != nil {
		sendError(deps, session, req.ID, err, kind, start)
		return
	}
	if req.Type == FrameResume && *req.Approved && !info.CanWrite() {
		sendError(deps, session, req.ID, auth.ErrUnauthorized, kind, start)
		return
	}

	t, err := deps.Threads.Resolve(ctx, req.ThreadID, req.GraphKey, req.Workspace, info.UserID)
	if err != nil {
		sendError(deps, session, req.ID, err, kind, start)
		return
	}

	unlock := deps.Threads.LockTurn(t.ID)
	defer unlock()
	if ctx.Err() != nil {
		// Canceled while waiting for an earlier turn on this thread.
		sendError(deps, session, req.ID, ctx.Err(), kind, start)
		return
	}

	orch := agent.NewOrchestrator(deps.Client, deps.registryFor(req.GraphKey), deps.Retriever, t)
	events := agent.TurnEvents{
		OnToken: func(token string) {
			_ = session.send(WSEvent{Type: EventToken, ID: req.ID, Token: token})
		},
		OnToolStart: func(toolCallID, toolName string) {
			_ = session.send(WSEvent{Type: EventToolStart, ID: req.ID, ToolCallID: toolCallID, ToolName: toolName})
		},
		OnToolResult: func(toolCallID, toolName, result string) {
			if deps.Metrics != nil {
				outcome := observability.ToolOutcomeOK
				if strings.HasPrefix(result, `{"error"`) {
					outcome = observability.ToolOutcomeError
				}
				deps.Metrics.ToolCallsTotal.WithLabelValues(toolName, outcome).Inc()
			}
			_ = session.send(WSEvent{Type: EventToolResult, ID: req.ID, ToolCallID: toolCallID, ToolName: toolName, Result: result})
		},
	}

	var result *agent.TurnResult
	if req.Type == FrameChat {
		result, err = orch.Chat(ctx, req.Message, events)
	} else {
		result, err = orch.Resume(ctx, *req.Approved, req.Feedback, events)
	}
	if err != nil {
		sendError(deps, session, req.ID, err, kind, start)
		return
	}

	if saveErr := deps.Threads.Save(ctx, t); saveErr != nil {
		slog.Error("failed to persist thread after turn",
			"sessionID", session.id, "threadID", t.ID, "error", saveErr)
	}

	if deps.Metrics != nil {
		deps.Metrics.TurnsFinishedTotal.WithLabelValues(kind, string(result.State)).Inc()
		deps.Metrics.TurnDurationSeconds.WithLabelValues(kind, string(result.State)).Observe(time.Since(start).Seconds())
		if deps.Client != nil {
			deps.Metrics.TokensTotal.WithLabelValues("input", deps.Client.ModelName()).Add(float64(result.Usage.PromptTokens))
			deps.Metrics.TokensTotal.WithLabelValues("output", deps.Client.ModelName()).Add(float64(result.Usage.CompletionTokens))
		}
	}

	if result.State == agent.StateAwaitingApproval {
		if deps.Metrics != nil {
			deps.Metrics.ToolCallsTotal.WithLabelValues(
				tools.WriteToolPrefix+result.Proposal.Type, observability.ToolOutcomeProposal).Inc()
		}
		_ = session.send(WSEvent{
			Type:     EventApprovalRequired,
			ID:       req.ID,
			ThreadID: t.ID,
			Action:   result.Proposal,
		})
		return
	}

	usage := result.Usage
	_ = session.send(WSEvent{
		Type:     EventComplete,
		ID:       req.ID,
		ThreadID: t.ID,
		FullText: result.Text,
		Usage:    &usage,
	})
}

// sendError logs the raw error with full detail and relays only the
// classified form. A request canceled by a disconnect stays silent.
func sendError(deps *AssistantDeps, session *wsSession, requestID string, err error, kind string, start time.Time) {
	clientErr := ClassifyError(err)

	slog.Error("assistant request failed",
		"sessionID", session.id,
		"requestID", requestID,
		"kind", kind,
		"code", clientErr.Code,
		"error", err,
	)
	if deps.Metrics != nil {
		deps.Metrics.ErrorsTotal.WithLabelValues(clientErr.Code).Inc()
		state := "failed"
		if clientErr.Code == CodeCanceled {
			state = "canceled"
		}
		deps.Metrics.TurnsFinishedTotal.WithLabelValues(kind, state).Inc()
		deps.Metrics.TurnDurationSeconds.WithLabelValues(kind, state).Observe(time.Since(start).Seconds())
	}

	if session.closed.Load() && errors.Is(err, context.Canceled) {
		return
	}
	_ = session.send(WSEvent{Type: EventError, ID: requestID, Error: &clientErr})
}
