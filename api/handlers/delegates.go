package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/taskqueue"
	"go.uber.org/zap"
)

// DelegateRegistry is the slice of delegate.Registry the API drives.
type DelegateRegistry interface {
	DelegateLookup
	Register(ctx context.Context, p delegate.RegisterParams) (*delegate.Registration, error)
	Heartbeat(ctx context.Context, delegateID string, req delegate.HeartbeatRequest) (*delegate.HeartbeatResponse, error)
	Disconnect(ctx context.Context, delegateID, connectionID string) error
	Get(ctx context.Context, accountID, delegateID string) (*delegate.Delegate, error)
	UpdateTags(ctx context.Context, accountID, delegateID string, tags []string) (*delegate.Delegate, error)
	UpdateScopes(ctx context.Context, accountID, delegateID string, include, exclude []delegate.Scope) (*delegate.Delegate, error)
	Approve(ctx context.Context, accountID, delegateID string) (*delegate.Delegate, error)
	Delete(ctx context.Context, accountID, delegateID string) error
}

// CapabilityReporter stores verdicts reported by delegates.
type CapabilityReporter interface {
	ReportCapabilityResults(ctx context.Context, accountID, delegateID string, results []capability.Result) error
}

// PendingEventLister lists task events a delegate has not acted on yet.
type PendingEventLister interface {
	ListPendingEvents(ctx context.Context, accountID, delegateID string, syncOnly bool) ([]taskqueue.Event, error)
}

// UpdateTagsRequest replaces a delegate's tags.
type UpdateTagsRequest struct {
	Tags []string `json:"tags"`
}

// UpdateScopesRequest replaces a delegate's scopes.
type UpdateScopesRequest struct {
	IncludeScopes []delegate.Scope `json:"includeScopes"`
	ExcludeScopes []delegate.Scope `json:"excludeScopes"`
}

// CapabilityReport carries check outcomes outside of a task.
type CapabilityReport struct {
	Results []capability.Result `json:"results"`
}

// DelegateHandler serves registration, liveness and delegate management.
type DelegateHandler struct {
	registry     DelegateRegistry
	capabilities CapabilityReporter
	events       PendingEventLister
	logger       *zap.Logger
}

// NewDelegateHandler wires the handler.
func NewDelegateHandler(registry DelegateRegistry, capabilities CapabilityReporter, events PendingEventLister, logger *zap.Logger) *DelegateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelegateHandler{
		registry:     registry,
		capabilities: capabilities,
		events:       events,
		logger:       logger.With(zap.String("component", "delegate_handler")),
	}
}

// HandleRegister registers or re-attaches a delegate.
// POST /api/v1/accounts/{accountId}/delegates
func (h *DelegateHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}

	var p delegate.RegisterParams
	if err := DecodeJSONBody(w, r, &p, h.logger); err != nil {
		return
	}
	p.AccountID = accountID

	reg, err := h.registry.Register(r.Context(), p)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	WriteSuccessStatus(w, status, reg)
}

// HandleHeartbeat records a heartbeat of one connection.
// POST /api/v1/delegates/{delegateId}/heartbeat
func (h *DelegateHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	delegateID := r.PathValue("delegateId")
	if !authorizeKnownDelegate(w, r, h.registry, delegateID, h.logger) {
		return
	}

	var req delegate.HeartbeatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	resp, err := h.registry.Heartbeat(r.Context(), delegateID, req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, resp)
}

// HandleDisconnect closes one connection. Unknown connections are ignored.
// DELETE /api/v1/delegates/{delegateId}/connections/{connectionId}
func (h *DelegateHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	delegateID := r.PathValue("delegateId")
	if !authorizeKnownDelegate(w, r, h.registry, delegateID, h.logger) {
		return
	}
	if err := h.registry.Disconnect(r.Context(), delegateID, r.PathValue("connectionId")); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCapabilities stores capability verdicts reported by a delegate.
// POST /api/v1/delegates/{delegateId}/capabilities
func (h *DelegateHandler) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	delegateID := r.PathValue("delegateId")
	d, ok := loadDelegate(w, r, h.registry, delegateID, h.logger)
	if !ok || !authorizeDelegate(w, r, d.AccountID, delegateID, h.logger) {
		return
	}

	var report CapabilityReport
	if err := DecodeJSONBody(w, r, &report, h.logger); err != nil {
		return
	}
	if err := h.capabilities.ReportCapabilityResults(r.Context(), d.AccountID, delegateID, report.Results); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]int{"recorded": len(report.Results)})
}

// HandlePendingEvents lists task events for a delegate that reconnects or
// polls. syncOnly=true limits the list to sync tasks.
// GET /api/v1/accounts/{accountId}/delegates/{delegateId}/events
func (h *DelegateHandler) HandlePendingEvents(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	delegateID := r.PathValue("delegateId")
	if !authorizeDelegate(w, r, accountID, delegateID, h.logger) {
		return
	}
	syncOnly, err := boolQuery(r, "syncOnly")
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	events, err := h.events.ListPendingEvents(r.Context(), accountID, delegateID, syncOnly)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	if events == nil {
		events = []taskqueue.Event{}
	}
	WriteSuccess(w, events)
}

// HandleGet returns a delegate of an account.
// GET /api/v1/accounts/{accountId}/delegates/{delegateId}
func (h *DelegateHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	d, err := h.registry.Get(r.Context(), accountID, r.PathValue("delegateId"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, d)
}

// HandleUpdateTags replaces a delegate's tags.
// PUT /api/v1/accounts/{accountId}/delegates/{delegateId}/tags
func (h *DelegateHandler) HandleUpdateTags(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	var req UpdateTagsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	d, err := h.registry.UpdateTags(r.Context(), accountID, r.PathValue("delegateId"), req.Tags)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, d)
}

// HandleUpdateScopes replaces a delegate's scopes.
// PUT /api/v1/accounts/{accountId}/delegates/{delegateId}/scopes
func (h *DelegateHandler) HandleUpdateScopes(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	var req UpdateScopesRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	d, err := h.registry.UpdateScopes(r.Context(), accountID, r.PathValue("delegateId"), req.IncludeScopes, req.ExcludeScopes)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, d)
}

// HandleApprove enables a delegate waiting for approval.
// POST /api/v1/accounts/{accountId}/delegates/{delegateId}/approve
func (h *DelegateHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	d, err := h.registry.Approve(r.Context(), accountID, r.PathValue("delegateId"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, d)
}

// HandleDelete soft-deletes a delegate; its next heartbeat self-destructs.
// DELETE /api/v1/accounts/{accountId}/delegates/{delegateId}
func (h *DelegateHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if !authorizeAccount(w, r, accountID, h.logger) {
		return
	}
	if err := h.registry.Delete(r.Context(), accountID, r.PathValue("delegateId")); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
