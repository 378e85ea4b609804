package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go-gigmarket/market"
	"go-gigmarket/model"
	"go-gigmarket/scanner"

	"github.com/go-chi/httplog"
	"go.uber.org/zap"
)

// Service is the part of the marketplace the HTTP surface drives.
type Service interface {
	CreateTask(ctx context.Context, description string, payment float64, receiverID int64) (model.Task, error)
	ListAvailableTasks(ctx context.Context) ([]model.Task, error)
	GetTask(ctx context.Context, id int64) (model.Task, error)
	ListUploads(ctx context.Context, taskID int64) ([]model.Upload, error)
	AssignTask(ctx context.Context, taskID, senderID int64) (model.Task, error)
	Decompose(ctx context.Context, taskID int64, description string) ([]model.Subtask, error)
	SubmitEvidence(ctx context.Context, senderID, taskID int64, subtaskID int, raw string) (market.Outcome, error)
	CancelTask(ctx context.Context, taskID, receiverID int64) (model.Task, error)
	StartScanning(ctx context.Context, taskID int64, subtaskID int, criteria string) (scanner.Handle, error)
	StopScanning(ctx context.Context, taskID int64, subtaskID int) error
}

const maxBodyBytes = 1 << 20

type Server struct {
	svc    Service
	logger *zap.Logger
}

func NewServer(addr string, svc Service, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	srv := &Server{svc: svc, logger: logger.Named("api")}
	mux.HandleFunc("GET /healthz", srv.health)
	mux.HandleFunc("POST /api/tasks", srv.postTask)
	mux.HandleFunc("GET /api/tasks", srv.getTasks)
	mux.HandleFunc("GET /api/tasks/{id}", srv.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/uploads", srv.getUploads)
	mux.HandleFunc("POST /api/tasks/{id}/assign", srv.assignTask)
	mux.HandleFunc("POST /api/tasks/{id}/subtasks", srv.generateSubtasks)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", srv.cancelTask)
	mux.HandleFunc("POST /api/upload", srv.upload)
	mux.HandleFunc("POST /api/scanning/start", srv.startScanning)
	mux.HandleFunc("POST /api/scanning/stop", srv.stopScanning)

	accessLog := httplog.NewLogger("gigmarket", httplog.Options{JSON: true, Concise: true})
	return &http.Server{
		Addr:    addr,
		Handler: httplog.RequestLogger(accessLog)(mux),
	}
}

// respond writes the {success, message, ...} envelope.
func (s *Server) respond(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"success": status < http.StatusBadRequest}
	for k, v := range fields {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	s.respond(w, status, map[string]any{"message": message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) failWith(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.fail(w, status, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.fail(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string  `json:"description"`
		Payment     float64 `json:"payment"`
		ReceiverID  int64   `json:"receiverId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	task, err := s.svc.CreateTask(r.Context(), req.Description, req.Payment, req.ReceiverID)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"task": task})
}

func (s *Server) getTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.ListAvailableTasks(r.Context())
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	s.respond(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	task, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) getUploads(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	uploads, err := s.svc.ListUploads(r.Context(), id)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	if uploads == nil {
		uploads = []model.Upload{}
	}
	s.respond(w, http.StatusOK, map[string]any{"uploads": uploads})
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		SenderID int64 `json:"senderId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	task, err := s.svc.AssignTask(r.Context(), id, req.SenderID)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) generateSubtasks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	subtasks, err := s.svc.Decompose(r.Context(), id, req.Description)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"subtasks": subtasks})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		ReceiverID int64 `json:"receiverId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	task, err := s.svc.CancelTask(r.Context(), id, req.ReceiverID)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID  int64  `json:"senderId"`
		TaskID    int64  `json:"taskId"`
		SubtaskID int    `json:"subtaskId"`
		Result    string `json:"result"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.svc.SubmitEvidence(r.Context(), req.SenderID, req.TaskID, req.SubtaskID, req.Result)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"subtaskStatus": out.SubtaskStatus,
		"taskStatus":    out.TaskStatus,
	})
}

type scanRequest struct {
	TaskID    int64  `json:"taskId"`
	SubtaskID int    `json:"subtaskId"`
	Criteria  string `json:"criteria"`
}

func (s *Server) startScanning(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decode(w, r, &req) {
		return
	}
	handle, err := s.svc.StartScanning(r.Context(), req.TaskID, req.SubtaskID, req.Criteria)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"session": handle})
}

func (s *Server) stopScanning(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.StopScanning(r.Context(), req.TaskID, req.SubtaskID); err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"message": "scanning stopped"})
}
