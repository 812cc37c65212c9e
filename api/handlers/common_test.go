package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/delegateflow/internal/ctxkeys"
	"github.com/BaSui01/delegateflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, []int{1, 2, 3})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `[1,2,3]`, w.Body.String())
}

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-42")

	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name           string
		err            *types.Error
		expectedStatus int
	}{
		{"invalid request", types.NewError(types.ErrInvalidRequest, "account id is required"), http.StatusBadRequest},
		{"not found", types.NewError(types.ErrNotFound, "task not found"), http.StatusNotFound},
		{"admission", types.NewError(types.ErrRateLimitExceeded, "too many tasks"), http.StatusTooManyRequests},
		{"explicit status", types.NewError(types.ErrConflict, "busy").WithHTTPStatus(http.StatusLocked), http.StatusLocked},
		{"internal", types.NewError(types.ErrInternalError, "database connection failed"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.expectedStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Message, resp.Error.Message)
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		code     types.ErrorCode
		contains string
	}{
		{"typed", fmt.Errorf("wrap: %w", types.NewError(types.ErrDuplicateIdentity, "dup")), http.StatusConflict, types.ErrDuplicateIdentity, "dup"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, types.ErrTimeout, "timed out"},
		{"untyped", errors.New("pq: secret detail"), http.StatusInternalServerError, types.ErrInternalError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteServiceError(w, tt.err, nil)

			assert.Equal(t, tt.status, w.Code)
			resp := decodeResponse(t, w)
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.Equal(t, tt.contains, resp.Error.Message)
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"test","value":123}`, false},
		{"malformed", `{"name":"test",}`, true},
		{"unknown field", `{"name":"test","unknown":"field"}`, true},
		{"empty", `   `, true},
		{"oversized", `{"name":"` + strings.Repeat("x", 2<<20) + `"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))

			var got payload
			err := DecodeJSONBody(w, r, &got, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, payload{Name: "test", Value: 123}, got)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"Application/JSON; charset=UTF-8", true},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", nil)
			r.Header.Set("Content-Type", tt.contentType)
			assert.Equal(t, tt.want, ValidateContentType(w, r, nil))
		})
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)

	n, err := rw.Write([]byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 4, rw.Bytes)
	assert.Same(t, w, rw.Unwrap())
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrConflict, http.StatusConflict},
		{types.ErrDuplicateIdentity, http.StatusConflict},
		{types.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{types.ErrExpired, http.StatusGone},
		{types.ErrNoEligibleDelegate, http.StatusServiceUnavailable},
		{types.ErrValidationTimeout, http.StatusGatewayTimeout},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{types.ErrInternalError, http.StatusInternalServerError},
		{"UNKNOWN_CODE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, mapErrorCodeToHTTPStatus(tt.code))
		})
	}
}

func TestAuthorize(t *testing.T) {
	request := func(p *ctxkeys.Principal) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if p != nil {
			r = r.WithContext(ctxkeys.WithPrincipal(r.Context(), *p))
		}
		return r
	}

	tests := []struct {
		name      string
		principal *ctxkeys.Principal
		account   bool
		delegate  bool
	}{
		{"no auth", nil, true, true},
		{"operator", &ctxkeys.Principal{Operator: true}, true, true},
		{"account token", &ctxkeys.Principal{AccountID: "acc"}, true, true},
		{"delegate token", &ctxkeys.Principal{AccountID: "acc", DelegateID: "d1"}, true, true},
		{"other delegate", &ctxkeys.Principal{AccountID: "acc", DelegateID: "d2"}, true, false},
		{"other account", &ctxkeys.Principal{AccountID: "other"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			assert.Equal(t, tt.account, authorizeAccount(w, request(tt.principal), "acc", nil))
			if !tt.account {
				assert.Equal(t, http.StatusForbidden, w.Code)
			}

			w = httptest.NewRecorder()
			assert.Equal(t, tt.delegate, authorizeDelegate(w, request(tt.principal), "acc", "d1", nil))
			if !tt.delegate {
				assert.Equal(t, http.StatusForbidden, w.Code)
			}
		})
	}
}
