package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/taskqueue"
	"github.com/BaSui01/delegateflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📋 Task handler
// =============================================================================

// TaskService is the slice of taskqueue.Service the API drives.
type TaskService interface {
	Submit(ctx context.Context, t *taskqueue.Task) (string, error)
	SubmitSync(ctx context.Context, t *taskqueue.Task) (*taskqueue.Task, error)
	Get(ctx context.Context, accountID, taskID string) (*taskqueue.Task, error)
	Abort(ctx context.Context, accountID, taskID string) (*taskqueue.Task, error)
	Acquire(ctx context.Context, delegateID, instanceID, taskID string) (*taskqueue.Package, error)
	Complete(ctx context.Context, delegateID, taskID string, req taskqueue.CompleteRequest) (*taskqueue.Task, error)
}

// ValidationRecorder accepts check results of the legacy validation flow.
type ValidationRecorder interface {
	Record(ctx context.Context, delegateID, instanceID, taskID string, results []capability.Result) (*taskqueue.Package, error)
}

// DelegateLookup resolves a delegate id to its record.
type DelegateLookup interface {
	Lookup(ctx context.Context, delegateID string) (*delegate.Delegate, error)
}

// SubmitTaskRequest is the body of both submit routes.
type SubmitTaskRequest struct {
	ID                      string            `json:"id,omitempty"`
	Rank                    string            `json:"rank,omitempty"`
	TaskType                string            `json:"taskType"`
	TaskGroup               string            `json:"taskGroup,omitempty"`
	Parameters              json.RawMessage   `json:"parameters,omitempty"`
	TimeoutMs               int64             `json:"timeoutMs"`
	Capabilities            capability.List   `json:"requiredCapabilities,omitempty"`
	Selectors               []string          `json:"selectors,omitempty"`
	SetupAbstractions       map[string]string `json:"setupAbstractions,omitempty"`
	MustExecuteOnDelegateID string            `json:"mustExecuteOnDelegateId,omitempty"`
	AlreadyTriedDelegateIDs []string          `json:"alreadyTriedDelegateIds,omitempty"`
}

func (req SubmitTaskRequest) task(accountID string, async bool) *taskqueue.Task {
	return &taskqueue.Task{
		ID:                      req.ID,
		AccountID:               accountID,
		Rank:                    types.Rank(req.Rank),
		Async:                   async,
		TaskType:                req.TaskType,
		TaskGroup:               req.TaskGroup,
		Parameters:              req.Parameters,
		Capabilities:            req.Capabilities,
		Selectors:               req.Selectors,
		SetupAbstractions:       req.SetupAbstractions,
		MustExecuteOnDelegateID: req.MustExecuteOnDelegateID,
		AlreadyTriedDelegateIDs: req.AlreadyTriedDelegateIDs,
		Timeout:                 time.Duration(req.TimeoutMs) * time.Millisecond,
	}
}

// SubmitTaskResponse answers an async submission.
type SubmitTaskResponse struct {
	TaskID string `json:"taskId"`
}

// ValidationReport carries check results for one task.
type ValidationReport struct {
	InstanceID string              `json:"instanceId,omitempty"`
	Results    []capability.Result `json:"results"`
}

// TaskHandler serves submission, lifecycle and acquisition routes.
type TaskHandler struct {
	tasks      TaskService
	validation ValidationRecorder
	delegates  DelegateLookup
	logger     *zap.Logger
}

// NewTaskHandler wires the handler. validation may be nil, in which case
// the validation route answers 503.
func NewTaskHandler(tasks TaskService, validation ValidationRecorder, delegates DelegateLookup, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		tasks:      tasks,
		validation: validation,
		delegates:  delegates,
		logger:     logger.With(zap.String("component", "task_handler")),
	}
}

// =============================================================================
// 🎯 Account routes
// =============================================================================

// HandleSubmit queues an async task.
// POST /api/v1/accounts/{accountId}/tasks
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	req, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}

	id, err := h.tasks.Submit(r.Context(), req.task(accountID, true))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id})
}

// HandleSubmitSync queues a task and waits for its terminal state.
// POST /api/v1/accounts/{accountId}/tasks/sync
func (h *TaskHandler) HandleSubmitSync(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	req, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}

	t, err := h.tasks.SubmitSync(r.Context(), req.task(accountID, false))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, t)
}

func (h *TaskHandler) decodeSubmission(w http.ResponseWriter, r *http.Request) (SubmitTaskRequest, bool) {
	var req SubmitTaskRequest
	if !ValidateContentType(w, r, h.logger) {
		return req, false
	}
	body, err := readBody(w, r, h.logger)
	if err != nil {
		return req, false
	}
	if err := validateDocument(taskSubmitSchema, body); err != nil {
		WriteError(w, types.Errorf(types.ErrInvalidRequest, "invalid task: %v", err), h.logger)
		return req, false
	}
	if err := decodeStrict(w, body, &req, h.logger); err != nil {
		return req, false
	}
	return req, true
}

// HandleGet returns a task.
// GET /api/v1/accounts/{accountId}/tasks/{taskId}
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	t, err := h.tasks.Get(r.Context(), accountID, r.PathValue("taskId"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, t)
}

// HandleAbort aborts a task. Repeated aborts return the aborted task.
// POST /api/v1/accounts/{accountId}/tasks/{taskId}/abort
func (h *TaskHandler) HandleAbort(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	taskID := r.PathValue("taskId")
	t, err := h.tasks.Abort(r.Context(), accountID, taskID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if t == nil {
		WriteError(w, types.Errorf(types.ErrNotFound, "task %s not found", taskID), h.logger)
		return
	}
	WriteSuccess(w, t)
}

// =============================================================================
// 🤝 Delegate routes
// =============================================================================

// HandleAcquire claims a task for the delegate. A success envelope without
// data means there is nothing to execute.
// PUT /api/v1/delegates/{delegateId}/tasks/{taskId}/acquire?instanceId=
func (h *TaskHandler) HandleAcquire(w http.ResponseWriter, r *http.Request) {
	delegateID := r.PathValue("delegateId")
	if !h.authorizeDelegate(w, r, delegateID) {
		return
	}

	pkg, err := h.tasks.Acquire(r.Context(), delegateID, r.URL.Query().Get("instanceId"), r.PathValue("taskId"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	writePackage(w, pkg)
}

// HandleValidation records capability check results for a task under
// validation and assigns it when every check passed.
// POST /api/v1/delegates/{delegateId}/tasks/{taskId}/validation
func (h *TaskHandler) HandleValidation(w http.ResponseWriter, r *http.Request) {
	delegateID := r.PathValue("delegateId")
	if !h.authorizeDelegate(w, r, delegateID) {
		return
	}
	if h.validation == nil {
		WriteError(w, types.NewError(types.ErrServiceUnavailable, "validation is not configured"), h.logger)
		return
	}

	var report ValidationReport
	if err := DecodeJSONBody(w, r, &report, h.logger); err != nil {
		return
	}
	pkg, err := h.validation.Record(r.Context(), delegateID, report.InstanceID, r.PathValue("taskId"), report.Results)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	writePackage(w, pkg)
}

// HandleComplete records the result of a running task.
// POST /api/v1/delegates/{delegateId}/tasks/{taskId}/complete
func (h *TaskHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	delegateID := r.PathValue("delegateId")
	if !h.authorizeDelegate(w, r, delegateID) {
		return
	}

	var req taskqueue.CompleteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	t, err := h.tasks.Complete(r.Context(), delegateID, r.PathValue("taskId"), req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, t)
}

func (h *TaskHandler) authorizeDelegate(w http.ResponseWriter, r *http.Request, delegateID string) bool {
	return authorizeKnownDelegate(w, r, h.delegates, delegateID, h.logger)
}

// authorizeKnownDelegate loads the delegate so that account scoped tokens
// are checked against its owner.
func authorizeKnownDelegate(w http.ResponseWriter, r *http.Request, delegates DelegateLookup, delegateID string, logger *zap.Logger) bool {
	if delegates == nil {
		return true
	}
	d, ok := loadDelegate(w, r, delegates, delegateID, logger)
	if !ok {
		return false
	}
	return authorizeDelegate(w, r, d.AccountID, delegateID, logger)
}

func loadDelegate(w http.ResponseWriter, r *http.Request, delegates DelegateLookup, delegateID string, logger *zap.Logger) (*delegate.Delegate, bool) {
	d, err := delegates.Lookup(r.Context(), delegateID)
	if errors.Is(err, delegate.ErrNotFound) {
		WriteError(w, types.Errorf(types.ErrNotFound, "delegate %s not found", delegateID), logger)
		return nil, false
	}
	if err != nil {
		WriteServiceError(w, err, logger)
		return nil, false
	}
	return d, true
}

func writePackage(w http.ResponseWriter, pkg *taskqueue.Package) {
	if pkg == nil {
		WriteSuccess(w, nil)
		return
	}
	WriteSuccess(w, pkg)
}

// boolQuery parses an optional boolean query parameter.
func boolQuery(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, types.Errorf(types.ErrInvalidRequest, "invalid %s: %q", name, v)
	}
	return b, nil
}
