package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "agent-core/internal/errors"
	"agent-core/internal/orchestrator"
	"agent-core/internal/task"
	"agent-core/pkg/logger"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
)

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime_seconds"`
}

type detailedHealthResponse struct {
	healthResponse
	Components map[string]componentHealth `json:"components"`
}

type componentHealth struct {
	Status  string `json:"status"`
	Details any    `json:"details,omitempty"`
}

type toolsResponse struct {
	Tools any `json:"tools"`
	Count int `json:"count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func (s *Server) health() healthResponse {
	return healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Seconds(),
	}
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	resp := detailedHealthResponse{
		healthResponse: s.health(),
		Components: map[string]componentHealth{
			"tools":    {Status: "healthy", Details: map[string]int{"count": len(s.orch.Tools())}},
			"sessions": {Status: "healthy", Details: s.orch.Stats()},
		},
	}

	queue := componentHealth{Status: "disabled"}
	if s.tasks != nil {
		stats, err := s.tasks.Stats(r.Context())
		backlog := s.tasks.QueueStatus(r.Context(), s.queueDriver)
		switch {
		case err != nil:
			queue = componentHealth{Status: "degraded", Details: xerrors.MessageOf(err)}
		case backlog.Error != "":
			queue = componentHealth{Status: "degraded", Details: backlog}
		default:
			queue = componentHealth{Status: "healthy", Details: map[string]any{
				"driver": s.queueDriver,
				"queue":  backlog,
				"stats":  stats,
			}}
		}
		if queue.Status == "degraded" {
			resp.Status = "degraded"
		}
	}
	resp.Components["queue"] = queue
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp := s.orch.ProcessTurn(r.Context(), req)
	writeJSON(w, turnStatus(resp), resp)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ConfirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp := s.orch.Confirm(r.Context(), req)
	writeJSON(w, turnStatus(resp), resp)
}

// turnStatus 输入错误返回 400，其余路径（包括内部失败）都以 200 返回统一响应体。
func turnStatus(resp *orchestrator.TurnResponse) int {
	if resp != nil && resp.Outcome == orchestrator.OutcomeInvalid {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ClassifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.orch.Classify(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.PlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	plan, err := s.orch.Plan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ValidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.orch.ValidateAction(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	session, err := s.orch.Conversation(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.orch.DeleteConversation(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "deleted"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.orch.History(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.orch.Tools()
	writeJSON(w, http.StatusOK, toolsResponse{Tools: tools, Count: len(tools)})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.configView == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.configView)
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeMessage(w, http.StatusServiceUnavailable, "异步任务未启用")
		return
	}
	var req task.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeMessage(w, http.StatusServiceUnavailable, "异步任务未启用")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if id == "" {
		writeMessage(w, http.StatusBadRequest, "missing task id")
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeMessage(w, http.StatusServiceUnavailable, "异步任务未启用")
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// listOptionsFromQuery 把查询参数转成任务过滤条件，分页上限由存储层收敛。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()

	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		return nil, err
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	statuses, err := task.ParseStatuses(query.Get("status"))
	if err != nil {
		return nil, err
	}
	order, err := task.ParseSortOrder(query.Get("order"))
	if err != nil {
		return nil, err
	}

	return []task.ListOption{
		task.WithLimit(limit),
		task.WithOffset(offset),
		task.WithStatuses(statuses...),
		task.WithSessionID(query.Get("session_id")),
		task.WithUserID(query.Get("user_id")),
		task.WithQuery(query.Get("q")),
		task.WithSortOrder(order),
	}, nil
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "invalid "+key)
	}
	return value, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeMessage(w, http.StatusBadRequest, "request body is required")
			return false
		}
		writeMessage(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError 根据统一错误码决定状态码，5xx 只返回通用消息。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	body := map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": xerrors.MessageOf(err),
	}
	if status >= http.StatusInternalServerError {
		body["error"] = "Internal server error"
		if status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout {
			body["error"] = xerrors.MessageOf(err)
		}
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, body)
}
