package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tributary-ai/adaptive-routing-engine/internal/alerts"
	"github.com/tributary-ai/adaptive-routing-engine/internal/engine"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
	"github.com/tributary-ai/adaptive-routing-engine/internal/workflow"
)

// statusForKind maps a failed RoutingResponse to an HTTP status
func statusForKind(kind string) int {
	switch kind {
	case types.ErrorKindNoHealthyProvider, types.ErrorKindServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case types.ErrorKindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) decodeRoutingRequest(w http.ResponseWriter, r *http.Request) (*types.RoutingRequest, bool) {
	var req types.RoutingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return nil, false
	}
	if req.Type == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "type is required")
		return nil, false
	}
	if req.ID == "" {
		req.ID = r.Header.Get("X-Request-ID")
	}
	return &req, true
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRoutingRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.engine.RouteRequest(r.Context(), req)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if !resp.Success {
		status = statusForKind(resp.ErrorKind)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRoutingRequest(w, r)
	if !ok {
		return
	}

	decision, err := s.engine.SelectProvider(req)
	if err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("Routing failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"adjustments": s.engine.OptimizeRouting(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.engine.GetHealthStatus()
	status := http.StatusOK
	if report.Status == engine.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.ListWorkflows()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": defs,
		"count":     len(defs),
	})
}

// handleCreateWorkflow accepts JSON or YAML; both go through the YAML parser
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Failed to read body: %v", err))
		return
	}

	def, err := workflow.ParseDefinition(body)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.engine.CreateWorkflow(def)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetWorkflowStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type executeBody struct {
	Inputs map[string]interface{} `json:"inputs"`
	Async  bool                   `json:"async"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
	}

	id := mux.Vars(r)["id"]
	if body.Async {
		exec, err := s.engine.StartWorkflow(r.Context(), id, body.Inputs)
		if err != nil {
			s.writeLookupError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, exec.Snapshot())
		return
	}

	exec, err := s.engine.ExecuteWorkflow(r.Context(), id, body.Inputs)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec.Snapshot())
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecution(mux.Vars(r)["id"])
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec.Snapshot())
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrWorkflowNotFound) || errors.Is(err, workflow.ErrExecutionNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
}

// decodePayload reads an optional JSON object body
func decodePayload(r *http.Request) (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	if r.ContentLength == 0 {
		return payload, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return payload, nil
}

func (s *Server) writeStarted(w http.ResponseWriter, execs []*workflow.Execution) {
	ids := make([]string, 0, len(execs))
	for _, e := range execs {
		ids = append(ids, e.ID())
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"executions": ids})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeStarted(w, s.engine.HandleWebhook(r.Context(), mux.Vars(r)["path"], payload))
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeStarted(w, s.engine.EmitEvent(r.Context(), mux.Vars(r)["name"], payload))
}

func (s *Server) handleMetric(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "a numeric value is required")
		return
	}
	s.writeStarted(w, s.engine.ReportMetric(r.Context(), mux.Vars(r)["name"], *body.Value))
}

func (s *Server) handleFileChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "path is required")
		return
	}
	s.writeStarted(w, s.engine.NotifyFileChange(r.Context(), body.Path))
}

func (s *Server) handleSendAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type     string   `json:"type"`
		Message  string   `json:"message"`
		Channels []string `json:"channels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if body.Type == "" || body.Message == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "type and message are required")
		return
	}

	if err := s.engine.SendAlert(r.Context(), body.Type, body.Message, body.Channels); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, alerts.ErrBufferFull) || errors.Is(err, alerts.ErrDispatcherStopped) {
			status = http.StatusServiceUnavailable
		}
		s.writeErrorResponse(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
