package handlers

import "net/http"

// Routes groups the API handlers mounted under /api/v1. Nil handlers leave
// their routes unregistered.
type Routes struct {
	Tasks     *TaskHandler
	Delegates *DelegateHandler
	Stream    http.Handler
}

// Register mounts the API on mux using method patterns.
func (rt Routes) Register(mux *http.ServeMux) {
	if t := rt.Tasks; t != nil {
		mux.HandleFunc("POST /api/v1/accounts/{accountId}/tasks", t.HandleSubmit)
		mux.HandleFunc("POST /api/v1/accounts/{accountId}/tasks/sync", t.HandleSubmitSync)
		mux.HandleFunc("GET /api/v1/accounts/{accountId}/tasks/{taskId}", t.HandleGet)
		mux.HandleFunc("POST /api/v1/accounts/{accountId}/tasks/{taskId}/abort", t.HandleAbort)

		mux.HandleFunc("PUT /api/v1/delegates/{delegateId}/tasks/{taskId}/acquire", t.HandleAcquire)
		mux.HandleFunc("POST /api/v1/delegates/{delegateId}/tasks/{taskId}/validation", t.HandleValidation)
		mux.HandleFunc("POST /api/v1/delegates/{delegateId}/tasks/{taskId}/complete", t.HandleComplete)
	}

	if d := rt.Delegates; d != nil {
		mux.HandleFunc("POST /api/v1/accounts/{accountId}/delegates", d.HandleRegister)
		mux.HandleFunc("GET /api/v1/accounts/{accountId}/delegates/{delegateId}", d.HandleGet)
		mux.HandleFunc("DELETE /api/v1/accounts/{accountId}/delegates/{delegateId}", d.HandleDelete)
		mux.HandleFunc("PUT /api/v1/accounts/{accountId}/delegates/{delegateId}/tags", d.HandleUpdateTags)
		mux.HandleFunc("PUT /api/v1/accounts/{accountId}/delegates/{delegateId}/scopes", d.HandleUpdateScopes)
		mux.HandleFunc("POST /api/v1/accounts/{accountId}/delegates/{delegateId}/approve", d.HandleApprove)
		mux.HandleFunc("GET /api/v1/accounts/{accountId}/delegates/{delegateId}/events", d.HandlePendingEvents)

		mux.HandleFunc("POST /api/v1/delegates/{delegateId}/heartbeat", d.HandleHeartbeat)
		mux.HandleFunc("POST /api/v1/delegates/{delegateId}/capabilities", d.HandleCapabilities)
		mux.HandleFunc("DELETE /api/v1/delegates/{delegateId}/connections/{connectionId}", d.HandleDisconnect)
	}

	if rt.Stream != nil {
		mux.Handle("GET /api/v1/accounts/{accountId}/stream", accountScoped(rt.Stream))
	}
}

// accountScoped rejects principals of other accounts before next runs.
func accountScoped(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAccount(w, r, r.PathValue("accountId"), nil) {
			return
		}
		next.ServeHTTP(w, r)
	})
}
