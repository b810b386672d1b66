package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-authz/internal/domain"
	"github.com/xela07ax/agent-authz/internal/infra/auth"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, err := s.authService.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// Не различаем «нет пользователя» и «неверный пароль»
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type checkRequest struct {
	AgentID   string            `json:"agent_id" validate:"required"`
	Path      string            `json:"path" validate:"required"`
	Operation string            `json:"operation" validate:"required"`
	Context   map[string]string `json:"context,omitempty"`
}

func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "agent_id, path and operation are required")
		return
	}

	decision, err := s.aclManager.CheckPermission(r.Context(), req.AgentID, req.Path, req.Operation, req.Context)
	if err != nil {
		// Ошибки валидации операции — это 400, не 500
		if errors.Is(err, domain.ErrUnknownOperation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("permission check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type registerAgentRequest struct {
	AgentID      string            `json:"agent_id" validate:"required"`
	Role         string            `json:"role,omitempty"`
	Pools        []string          `json:"pools,omitempty"`
	InheritsFrom string            `json:"inherits_from,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	rec, err := s.aclManager.RegisterAgent(r.Context(), req.AgentID, req.Role, req.Pools, req.InheritsFrom, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.notifyRuleUpdate(r.Context())
	writeJSON(w, http.StatusOK, rec)
}

type createRuleRequest struct {
	SubjectType  string   `json:"subject_type" validate:"required"`
	SubjectID    string   `json:"subject_id,omitempty"`
	Path         string   `json:"path" validate:"required"`
	Operations   []string `json:"operations" validate:"required,min=1"`
	Effect       string   `json:"effect" validate:"required"`
	Priority     int      `json:"priority,omitempty"`
	InheritsFrom string   `json:"inherits_from,omitempty"`
	Description  string   `json:"description,omitempty"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "subject_type, path, operations and effect are required")
		return
	}

	rule, err := s.aclManager.AssignRule(r.Context(),
		req.SubjectType, req.SubjectID, req.Path, req.Operations, req.Effect,
		req.Priority, auth.UserID(r.Context()), req.InheritsFrom, req.Description)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.notifyRuleUpdate(r.Context())
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.aclManager.ListRules())
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	if !s.aclManager.RemoveRule(r.Context(), id) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	s.notifyRuleUpdate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestCapability(w http.ResponseWriter, r *http.Request) {
	var req domain.CapabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "agent_id and agent_type are required")
		return
	}

	outcome, err := s.permManager.RequestCapability(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleActiveGrants(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id query param is required")
		return
	}

	grants, err := s.permManager.GetActiveGrants(r.Context(), agentID)
	if err != nil {
		s.logger.Error("active grants query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

type revokeRequest struct {
	RevocationToken string `json:"revocation_token" validate:"required"`
	Reason          string `json:"reason,omitempty"`
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "id")

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "revocation_token is required")
		return
	}

	// Несовпадение токена и неизвестный id намеренно неразличимы
	if !s.permManager.RevokeGrant(r.Context(), grantID, req.RevocationToken, req.Reason) {
		writeError(w, http.StatusForbidden, "revocation refused")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	logs, err := s.auditReader.FetchAuditLogs(r.Context(), q.Get("agent_id"), q.Get("action"), limit)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
