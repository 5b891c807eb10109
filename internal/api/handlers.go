// Package api provides HTTP handlers for ChatPipe endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/google/uuid"
)

// messagesHandler accepts an inbound message event, persists it, and runs
// it through the router. Webhook adapters and operators use the same
// endpoint; the reply (if any) is returned in the response body.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messagesHandler: processing message request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.messagesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	canonicalFrom, err := s.msgService.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Warn("Server.messagesHandler: sender validation failed", "error", err, "original_from", msg.From)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	msg.From = canonicalFrom
	if msg.Text == "" && len(msg.Structured) == 0 {
		slog.Warn("Server.messagesHandler: empty message body", "from", msg.From)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message text is required"))
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ContentType == "" {
		msg.ContentType = models.ContentTypeText
	}
	if len(msg.Structured) > 0 {
		msg.ContentType = models.ContentTypeStructured
	}
	msg.Direction = models.DirectionIncoming
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	if err := s.store.AddMessage(msg); err != nil {
		slog.Error("Server.messagesHandler: failed to persist message", "error", err, "id", msg.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store message"))
		return
	}
	reply := s.processor.Route(r.Context(), &msg)
	slog.Info("Server.messagesHandler: message routed", "id", msg.ID, "from", msg.From, "replied", reply != nil)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"id":    msg.ID,
		"reply": reply,
	}))
}

// settingsHandler reads or replaces the chatbot settings. Writes run the
// full validation so configuration errors surface here, not at routing
// time.
func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.settingsHandler: processing settings request", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		settings, err := s.store.GetSettings()
		if err != nil {
			slog.Error("Server.settingsHandler: failed to load settings", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load settings"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(settings))
	case http.MethodPut:
		var settings models.ChatbotSettings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			slog.Warn("Server.settingsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := settings.Validate(); err != nil {
			slog.Warn("Server.settingsHandler: validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.store.SaveSettings(settings); err != nil {
			slog.Error("Server.settingsHandler: failed to save settings", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save settings"))
			return
		}
		slog.Info("Server.settingsHandler: settings updated", "enabled", settings.Enabled)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Settings updated", nil))
	default:
		w.Header().Set("Allow", "GET, PUT")
		slog.Warn("Server.settingsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// flowsHandler lists or creates conversation flows.
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.flowsHandler: processing flow request", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		flows, err := s.store.ListFlows()
		if err != nil {
			slog.Error("Server.flowsHandler: failed to list flows", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(flows))
	case http.MethodPost:
		var f models.Flow
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			slog.Warn("Server.flowsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := f.Validate(); err != nil {
			slog.Warn("Server.flowsHandler: validation failed", "error", err, "flow", f.ID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.store.SaveFlow(f); err != nil {
			slog.Error("Server.flowsHandler: failed to save flow", "error", err, "flow", f.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
			return
		}
		slog.Info("Server.flowsHandler: flow saved", "flow", f.ID, "steps", len(f.Steps))
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow saved", nil))
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.flowsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// keywordsHandler lists or creates keyword rules.
func (s *Server) keywordsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.keywordsHandler: processing keyword request", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		rules, err := s.store.ListKeywordRules()
		if err != nil {
			slog.Error("Server.keywordsHandler: failed to list keyword rules", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list keyword rules"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(rules))
	case http.MethodPost:
		var rule models.KeywordRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			slog.Warn("Server.keywordsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := rule.Validate(); err != nil {
			slog.Warn("Server.keywordsHandler: validation failed", "error", err, "keyword", rule.ID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.store.SaveKeywordRule(rule); err != nil {
			slog.Error("Server.keywordsHandler: failed to save keyword rule", "error", err, "keyword", rule.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save keyword rule"))
			return
		}
		slog.Info("Server.keywordsHandler: keyword rule saved", "keyword", rule.ID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Keyword rule saved", nil))
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.keywordsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// sessionsHandler returns the active session and recent transcript for a
// contact, identified by the phone and account query parameters.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sessionsHandler: processing session request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phone := r.URL.Query().Get("phone")
	account := r.URL.Query().Get("account")
	if phone == "" {
		slog.Warn("Server.sessionsHandler: missing phone parameter")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("phone query parameter is required"))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		slog.Warn("Server.sessionsHandler: phone validation failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	sess, err := s.store.GetActiveSession(canonical, account)
	if err != nil {
		slog.Error("Server.sessionsHandler: failed to load session", "error", err, "phone", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	history, err := s.store.GetSessionHistory(canonical, account, models.MaxHistoryTurns)
	if err != nil {
		slog.Error("Server.sessionsHandler: failed to load history", "error", err, "phone", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session history"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"session": sess,
		"history": history,
	}))
}

// sweepHandler triggers an immediate idle-session sweep.
func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sweepHandler: processing sweep request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sweepHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sweeper == nil {
		slog.Warn("Server.sweepHandler: no sweeper configured")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Session sweeper is not configured"))
		return
	}
	expired := s.sweeper.Run()
	slog.Info("Server.sweepHandler: sweep completed", "expired", expired)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"expired": expired}))
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
