// ABOUTME: HTTP API handlers for backend administration and session conversations.
// ABOUTME: Provides /admin/servers, /responses, and /chat history endpoints.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexusgate/nexus-gateway/internal/dispatch"
	"github.com/nexusgate/nexus-gateway/internal/registry"
	"github.com/nexusgate/nexus-gateway/internal/session"
	"github.com/nexusgate/nexus-gateway/internal/store"
)

// RegisterServerRequest is the JSON request body for POST /admin/servers/register.
type RegisterServerRequest struct {
	Kind    string `json:"kind"`
	URL     string `json:"url"`
	APIKey  string `json:"api_key,omitempty"`
}

// ServerResponse is the JSON representation of a registered backend.
type ServerResponse struct {
	ID                  string   `json:"id"`
	Kind                string   `json:"kind"`
	URL                 string   `json:"url"`
	Status              string   `json:"status"`
	Models              []string `json:"models,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures,omitempty"`
	LastChecked         string   `json:"last_checked,omitempty"`
}

// ListServersResponse is the JSON response for GET /admin/servers.
type ListServersResponse struct {
	Servers []ServerResponse `json:"servers"`
}

// ResponsesRequest is the JSON request body for POST /responses.
type ResponsesRequest struct {
	SessionID   string `json:"session_id"`
	UserMessage string `json:"user_message"`
	Model       string `json:"model,omitempty"`
}

// ResponsesResponse is the JSON response for POST /responses.
type ResponsesResponse struct {
	Reply   string `json:"reply"`
	Warning string `json:"warning,omitempty"`
}

// TurnResponse is one stored turn in a session history response.
type TurnResponse struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// SessionHistoryResponse is the JSON response for GET /chat/history/{id}.
type SessionHistoryResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []TurnResponse `json:"turns"`
}

// ListSessionsResponse is the JSON response for GET /chat/sessions.
type ListSessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// ModelsResponse is the OpenAI-style response for GET /v1/models.
type ModelsResponse struct {
	Object string          `json:"object"`
	Data   []ModelResponse `json:"data"`
}

// ModelResponse is one model entry in a models listing.
type ModelResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// handleServers handles GET and POST on /admin/servers.
func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListServers(w, r)
	case http.MethodPost:
		g.handleRegisterServer(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRegisterServer handles POST /admin/servers/register requests.
// It validates the body, registers the backend, and kicks off an immediate
// health cycle so the new instance gets probed before the next interval.
func (g *Gateway) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseRegisterRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, err := registry.ParseKind(req.Kind)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := g.registry.Register(kind, req.URL, req.APIKey)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidBaseURL) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("failed to register backend", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	go g.checker.CheckNow(g.baseCtx)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(serverToResponse(inst))
}

// parseRegisterRequest parses and validates a RegisterServerRequest.
func parseRegisterRequest(r io.Reader) (*RegisterServerRequest, error) {
	var req RegisterServerRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Kind == "" {
		return nil, errors.New("kind is required")
	}
	if req.URL == "" {
		return nil, errors.New("url is required")
	}
	return &req, nil
}

// handleListServers handles GET /admin/servers requests.
// Supports an optional ?kind=X query parameter to filter by capability.
func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	var instances []*registry.Instance
	if kindFilter := r.URL.Query().Get("kind"); kindFilter != "" {
		kind, err := registry.ParseKind(kindFilter)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		instances = g.registry.List(kind)
	} else {
		instances = g.registry.List()
	}

	response := ListServersResponse{Servers: make([]ServerResponse, 0, len(instances))}
	for _, inst := range instances {
		response.Servers = append(response.Servers, serverToResponse(inst))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleServerByID handles DELETE /admin/servers/{id} requests.
func (g *Gateway) handleServerByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/admin/servers/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	if err := g.registry.Deregister(id); err != nil {
		if errors.Is(err, registry.ErrInstanceNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "server not found")
			return
		}
		g.logger.Error("failed to deregister backend", "error", err, "instance_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// serverToResponse converts a registry instance to its JSON form.
func serverToResponse(inst *registry.Instance) ServerResponse {
	resp := ServerResponse{
		ID:                  inst.ID,
		Kind:                inst.Kind.String(),
		URL:                 inst.BaseURL,
		Status:              inst.Status.String(),
		Models:              inst.Models,
		ConsecutiveFailures: inst.ConsecutiveFailures,
	}
	if !inst.LastChecked.IsZero() {
		resp.LastChecked = inst.LastChecked.Format(time.RFC3339)
	}
	return resp
}

// handleResponses handles POST /responses requests: one request/reply
// session turn through the orchestrator.
func (g *Gateway) handleResponses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.UserMessage == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_message is required")
		return
	}

	reply, err := g.orchestrator.Respond(r.Context(), req.SessionID, req.UserMessage, req.Model)
	if err != nil && !errors.Is(err, session.ErrTurnNotPersisted) {
		g.sendDispatchError(w, err)
		return
	}

	response := ResponsesResponse{Reply: reply}
	if errors.Is(err, session.ErrTurnNotPersisted) {
		// The reply is real; only the history write failed. Deliver it with
		// a warning instead of discarding the backend's work.
		response.Warning = "conversation turn was not persisted"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleListSessions handles GET /chat/sessions requests.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessions, err := g.orchestrator.Sessions(r.Context())
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ListSessionsResponse{Sessions: sessions})
}

// handleSessionByID handles DELETE /chat/sessions/{session_id}.
func (g *Gateway) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/chat/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	g.deleteSession(w, r, sessionID)
}

// handleSessionHistory handles GET and DELETE on /chat/history/{session_id}.
func (g *Gateway) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/chat/history/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		g.getSessionHistory(w, r, sessionID)
	case http.MethodDelete:
		g.deleteSession(w, r, sessionID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// getSessionHistory returns the stored turns of a session in order.
// A session with no stored turns returns an empty list, matching the
// orchestrator's view that any session id is a valid (possibly new) session.
func (g *Gateway) getSessionHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	turns, err := g.orchestrator.History(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("failed to load session history", "error", err, "session_id", sessionID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := SessionHistoryResponse{
		SessionID: sessionID,
		Turns:     make([]TurnResponse, 0, len(turns)),
	}
	for _, turn := range turns {
		response.Turns = append(response.Turns, TurnResponse{
			Role:      turn.Role,
			Content:   turn.Content,
			CreatedAt: turn.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// deleteSession removes a session and its history.
func (g *Gateway) deleteSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	err := g.orchestrator.Delete(r.Context(), sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to delete session", "error", err, "session_id", sessionID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListModels handles GET /v1/models requests. It aggregates the
// models advertised by every registered backend into one OpenAI-style list.
func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	seen := make(map[string]bool)
	response := ModelsResponse{Object: "list", Data: []ModelResponse{}}
	for _, inst := range g.registry.List() {
		for _, model := range inst.Models {
			if seen[model] {
				continue
			}
			seen[model] = true
			response.Data = append(response.Data, ModelResponse{
				ID:      model,
				Object:  "model",
				OwnedBy: "nexus-gateway",
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// sendDispatchError maps dispatch and registry failures to HTTP responses.
// Backend application errors relay verbatim; gateway-side failures get the
// standard OpenAI-style error envelope.
func (g *Gateway) sendDispatchError(w http.ResponseWriter, err error) {
	var backendErr *dispatch.BackendError
	switch {
	case errors.As(err, &backendErr):
		contentType := backendErr.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(backendErr.StatusCode)
		_, _ = w.Write(backendErr.Body)
	case errors.Is(err, registry.ErrNoAvailableBackend):
		g.sendJSONError(w, http.StatusServiceUnavailable, "no available backend for this request")
	case errors.Is(err, dispatch.ErrDispatchFailed):
		g.sendJSONError(w, http.StatusBadGateway, "backend dispatch failed")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes an OpenAI-style JSON error envelope.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message},
	})
}
