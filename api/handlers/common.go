package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/delegateflow/internal/ctxkeys"
	"github.com/BaSui01/delegateflow/types"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id set by the middleware.
const RequestIDHeader = "X-Request-ID"

// maxBodyBytes bounds decoded request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 Response envelope
// =============================================================================

// Response is the envelope of every API response.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 Writers
// =============================================================================

// WriteJSON encodes data with status. Envelopes pick up the request id from
// the response header.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	if resp, ok := data.(Response); ok && resp.RequestID == "" {
		resp.RequestID = w.Header().Get(RequestIDHeader)
		data = resp
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// headers are gone once encoding fails, nothing left to report
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

// WriteSuccessStatus writes a success envelope with status.
func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError writes err as an error envelope.
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	if logger != nil {
		log := logger.Warn
		if status >= http.StatusInternalServerError {
			log = logger.Error
		}
		log("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage writes a plain error.
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// WriteServiceError converts any error returned by a service into an
// envelope. Untyped errors are reported as internal without their text.
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if apiErr, ok := types.AsError(err); ok {
		WriteError(w, apiErr, logger)
		return
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, types.NewError(types.ErrTimeout, "request timed out").WithCause(err), logger)
	case errors.Is(err, context.Canceled):
		WriteError(w, types.NewError(types.ErrTimeout, "request cancelled").WithCause(err), logger)
	default:
		WriteError(w, types.NewError(types.ErrInternalError, "internal error").WithCause(err), logger)
	}
}

// =============================================================================
// 🔄 Error code to HTTP status
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict, types.ErrDuplicateIdentity:
		return http.StatusConflict
	case types.ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case types.ErrExpired:
		return http.StatusGone
	case types.ErrNoEligibleDelegate, types.ErrNoActiveDelegate, types.ErrNoInstalledDelegate:
		return http.StatusServiceUnavailable
	case types.ErrValidationTimeout, types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ Request helpers
// =============================================================================

// DecodeJSONBody decodes a bounded JSON body into dst, rejecting unknown
// fields. The error envelope is already written when it returns an error.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	body, err := readBody(w, r, logger)
	if err != nil {
		return err
	}
	return decodeStrict(w, body, dst, logger)
}

func readBody(w http.ResponseWriter, r *http.Request, logger *zap.Logger) ([]byte, error) {
	if r.Body == nil {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return nil, err
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "request body too large or unreadable").WithCause(err)
		WriteError(w, apiErr, logger)
		return nil, apiErr
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		apiErr := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, apiErr, logger)
		return nil, apiErr
	}
	return body, nil
}

func decodeStrict(w http.ResponseWriter, body []byte, dst any, logger *zap.Logger) error {
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType requires a JSON content type.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "application/json") {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json"), logger)
		return false
	}
	return true
}

// =============================================================================
// 🔐 Authorization
// =============================================================================

// authorizeAccount rejects principals scoped to another account. Requests
// without a principal pass; the auth middleware is off in that case.
func authorizeAccount(w http.ResponseWriter, r *http.Request, accountID string, logger *zap.Logger) bool {
	p, ok := ctxkeys.PrincipalFrom(r.Context())
	if !ok || p.CanAccessAccount(accountID) {
		return true
	}
	WriteError(w, types.Errorf(types.ErrForbidden, "not allowed to access account %s", accountID), logger)
	return false
}

// authorizeDelegate checks the principal may act for delegateID owned by
// accountID.
func authorizeDelegate(w http.ResponseWriter, r *http.Request, accountID, delegateID string, logger *zap.Logger) bool {
	p, ok := ctxkeys.PrincipalFrom(r.Context())
	if !ok || (p.CanAccessAccount(accountID) && p.CanActAsDelegate(delegateID)) {
		return true
	}
	WriteError(w, types.Errorf(types.ErrForbidden, "not allowed to act as delegate %s", delegateID), logger)
	return false
}

// =============================================================================
// 📊 Status capturing writer
// =============================================================================

// ResponseWriter records the status code and body size written through it.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int64
}

// NewResponseWriter wraps w with a default 200 status.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader records the first status written.
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write marks the header as written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController, which the
// websocket upgrade needs for hijacking.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.Written = true
	rw.StatusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Flush forwards to the wrapped writer when it can flush.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
