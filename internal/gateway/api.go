// ABOUTME: HTTP API handlers for dispatching tasks and inspecting agents and the ledger.
// ABOUTME: Provides /api/task/send, /api/clients, /api/tasks, health and metrics endpoints.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/taskrelay/internal/agent"
	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/store"
)

// maxRequestBody bounds POST bodies.
const maxRequestBody = 1 << 20

// SendTaskRequest is the JSON request body for POST /api/task/send.
// Timeout is in seconds; zero uses the configured default.
type SendTaskRequest struct {
	ClientID string          `json:"client_id"`
	App      string          `json:"app"`
	Workflow string          `json:"workflow"`
	Params   protocol.Params `json:"params,omitempty"`
	Timeout  float64         `json:"timeout,omitempty"`
}

// ClientResponse is one entry of GET /api/clients.
type ClientResponse struct {
	agent.AgentInfo
	// Stale is set when no heartbeat arrived for two heartbeat intervals.
	Stale bool `json:"stale"`
}

// ListClientsResponse is the JSON response for GET /api/clients.
type ListClientsResponse struct {
	Clients []ClientResponse `json:"clients"`
}

// ListTasksResponse is the JSON response for GET /api/tasks.
type ListTasksResponse struct {
	Tasks []*store.TaskRecord `json:"tasks"`
}

// handleSendTask handles POST /api/task/send.
// The response is always the task's Result; dispatch failures are coded results.
func (g *Gateway) handleSendTask(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendTaskRequest(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := g.correlator.Dispatch(r.Context(), agent.DispatchRequest{
		ClientID: req.ClientID,
		App:      req.App,
		Workflow: req.Workflow,
		Params:   req.Params,
		Timeout:  time.Duration(req.Timeout * float64(time.Second)),
	})
	g.writeJSON(w, http.StatusOK, result)
}

// parseSendTaskRequest reads the JSON body. client_id, app, workflow and
// timeout may also be given as query parameters.
func parseSendTaskRequest(w http.ResponseWriter, r *http.Request) (*SendTaskRequest, error) {
	var req SendTaskRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid JSON body")
	}

	q := r.URL.Query()
	if req.ClientID == "" {
		req.ClientID = q.Get("client_id")
	}
	if req.App == "" {
		req.App = q.Get("app")
	}
	if req.Workflow == "" {
		req.Workflow = q.Get("workflow")
	}
	if req.Timeout == 0 && q.Get("timeout") != "" {
		t, err := strconv.ParseFloat(q.Get("timeout"), 64)
		if err != nil {
			return nil, errors.New("timeout must be a number of seconds")
		}
		req.Timeout = t
	}

	var missing []string
	if req.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if req.App == "" {
		missing = append(missing, "app")
	}
	if req.Workflow == "" {
		missing = append(missing, "workflow")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	if req.Timeout < 0 {
		return nil, errors.New("timeout must not be negative")
	}
	return &req, nil
}

// handleListClients handles GET /api/clients.
func (g *Gateway) handleListClients(w http.ResponseWriter, r *http.Request) {
	agents := g.agents.ListAgents()
	staleAfter := 2 * g.config.Agents.HeartbeatInterval
	now := time.Now()

	resp := ListClientsResponse{Clients: make([]ClientResponse, 0, len(agents))}
	for _, a := range agents {
		resp.Clients = append(resp.Clients, ClientResponse{
			AgentInfo: a,
			Stale:     staleAfter > 0 && now.Sub(a.LastHeartbeat) > staleAfter,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleListTasks handles GET /api/tasks.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		ClientID: q.Get("client_id"),
		Status:   store.TaskStatus(q.Get("status")),
	}
	switch filter.Status {
	case "", store.TaskPending, store.TaskSucceeded, store.TaskFailed:
	default:
		g.sendJSONError(w, http.StatusBadRequest, "status must be pending, succeeded or failed")
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	tasks, err := g.store.ListTasks(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list tasks", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if tasks == nil {
		tasks = []*store.TaskRecord{}
	}
	g.writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: tasks})
}

// handleGetTask handles GET /api/tasks/{id}.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := g.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get task", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, task)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.agents.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

func (g *Gateway) metricsHandler() http.Handler {
	return promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
