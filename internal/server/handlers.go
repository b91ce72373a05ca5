package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"botforge/internal/pipeline"
	"botforge/internal/provider"
)

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	gatewayState := "disabled"
	protocol := 0
	if s.gw != nil {
		gatewayState = s.gw.State().String()
		protocol = s.gw.Protocol()
	}

	providers := make([]string, 0)
	for _, svc := range s.router.Services() {
		providers = append(providers, svc.Name())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"uptime":    int64(s.uptime().Seconds()),
		"gateway":   gatewayState,
		"protocol":  protocol,
		"providers": providers,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, req *http.Request) {
	type modelInfo struct {
		Provider     string `json:"provider"`
		DefaultModel string `json:"default_model"`
		MaxContext   int    `json:"max_context_tokens"`
		Vision       bool   `json:"supports_vision"`
		Streaming    bool   `json:"supports_streaming"`
	}
	models := make([]modelInfo, 0)
	for _, svc := range s.router.Services() {
		caps := svc.Capabilities()
		models = append(models, modelInfo{
			Provider:     svc.Name(),
			DefaultModel: svc.DefaultModel(),
			MaxContext:   caps.MaxContextTokens,
			Vision:       caps.SupportsVision,
			Streaming:    svc.SupportsStreaming(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// handleSkills proxies skills.list over the gateway, serving the built-in
// catalog when offline.
func (s *Server) handleSkills(w http.ResponseWriter, req *http.Request) {
	if payload, ok := s.gatewayCall(req.Context(), "skills.list", nil); ok {
		writeRaw(w, payload)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"skills": pipeline.Catalog(), "source": "local"})
}

func (s *Server) handleSkillExecute(w http.ResponseWriter, req *http.Request) {
	var params map[string]interface{}
	if !decodeBody(w, req, &params) {
		return
	}
	s.proxyOrUnavailable(w, req.Context(), "skills.execute", params)
}

func (s *Server) handlePresence(w http.ResponseWriter, req *http.Request) {
	if s.gw == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"presence": []interface{}{}, "source": "local"})
		return
	}
	// The cached snapshot answers even while disconnected.
	writeJSON(w, http.StatusOK, map[string]interface{}{"presence": s.gw.Presence()})
}

func (s *Server) handleChannels(w http.ResponseWriter, req *http.Request) {
	if payload, ok := s.gatewayCall(req.Context(), "channels.list", nil); ok {
		writeRaw(w, payload)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": []interface{}{}, "source": "local"})
}

func (s *Server) handleSessions(w http.ResponseWriter, req *http.Request) {
	if payload, ok := s.gatewayCall(req.Context(), "sessions.list", nil); ok {
		writeRaw(w, payload)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": []interface{}{}, "source": "local"})
}

func (s *Server) handleSessionSend(w http.ResponseWriter, req *http.Request) {
	var params struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if !decodeBody(w, req, &params) {
		return
	}
	if params.SessionID == "" || params.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}
	s.proxyOrUnavailable(w, req.Context(), "sessions.send", params)
}

// handleResponses is the generic gateway proxy: callers name the method
// and pass raw params.
func (s *Server) handleResponses(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	if body.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}
	s.proxyOrUnavailable(w, req.Context(), body.Method, body.Params)
}

func (s *Server) handleApproveExec(w http.ResponseWriter, req *http.Request) {
	var params struct {
		RequestID string `json:"request_id"`
		Approve   bool   `json:"approve"`
	}
	if !decodeBody(w, req, &params) {
		return
	}
	if params.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	s.proxyOrUnavailable(w, req.Context(), "exec.approval.resolve", params)
}

func (s *Server) handleBotExecute(w http.ResponseWriter, req *http.Request) {
	var task pipeline.Task
	if !decodeBody(w, req, &task) {
		return
	}
	result, err := s.runner.Execute(req.Context(), &task)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBotFix(w http.ResponseWriter, req *http.Request) {
	var task pipeline.Task
	if !decodeBody(w, req, &task) {
		return
	}
	result, err := s.runner.ExecuteFix(req.Context(), &task)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBotChain(w http.ResponseWriter, req *http.Request) {
	var chain pipeline.ChainRequest
	if !decodeBody(w, req, &chain) {
		return
	}
	result, err := s.runner.ExecuteChain(req.Context(), &chain)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleBotStream serves execution as server-sent events, one JSON event
// per data line.
func (s *Server) handleBotStream(w http.ResponseWriter, req *http.Request) {
	var task pipeline.Task
	if !decodeBody(w, req, &task) {
		return
	}

	events, err := s.runner.ExecuteStream(req.Context(), &task)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, req *http.Request) {
	if s.records == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": []interface{}{}})
		return
	}
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	records, err := s.records.RecentRecords(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrNoProviders), errors.Is(err, provider.ErrAllProvidersFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// gatewayCall attempts a request over the control channel; ok is false
// when the gateway is absent, disconnected, or errored.
func (s *Server) gatewayCall(ctx context.Context, method string, params interface{}) (json.RawMessage, bool) {
	if s.gw == nil || !s.gw.Connected() {
		return nil, false
	}
	payload, err := s.gw.Request(ctx, method, params)
	if err != nil {
		s.log.Warn("gateway call failed", zapMethod(method), zapError(err))
		return nil, false
	}
	return payload, true
}

// proxyOrUnavailable forwards a request that has no local fallback.
func (s *Server) proxyOrUnavailable(w http.ResponseWriter, ctx context.Context, method string, params interface{}) {
	if s.gw == nil || !s.gw.Connected() {
		writeError(w, http.StatusServiceUnavailable, "gateway not connected")
		return
	}
	payload, err := s.gw.Request(ctx, method, params)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeRaw(w, payload)
}

func writeRaw(w http.ResponseWriter, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
