package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/telemetry"
)

// maxBodyBytes bounds a command body
const maxBodyBytes = 1 << 20

// ResponseEnvelope wraps every JSON response
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    *Meta          `json:"meta,omitempty"`
}

// ErrorResponse is the error body returned to clients
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Meta carries response metadata
type Meta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Count     *int      `json:"count,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, env ResponseEnvelope) {
	if env.Meta == nil {
		env.Meta = &Meta{}
	}
	env.Meta.RequestID = middleware.GetReqID(r.Context())
	env.Meta.Timestamp = time.Now().UTC()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, r, status, ResponseEnvelope{Success: true, Data: data})
}

func respondList[T any](w http.ResponseWriter, r *http.Request, items []T) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	writeJSON(w, r, http.StatusOK, ResponseEnvelope{Success: true, Data: items, Meta: &Meta{Count: &n}})
}

// fail maps err to a status and error body. Server-side failures are logged
// and recorded on the request span; their causes never reach the client.
func fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	body, status := errorResponse(err)

	if status >= http.StatusInternalServerError {
		span := trace.SpanFromContext(r.Context())
		span.RecordError(err)
		span.SetStatus(codes.Error, body.Code)
		telemetry.WithTrace(r.Context(), logger).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", body.Code),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, r, status, ResponseEnvelope{Error: body})
}

func errorResponse(err error) (*ErrorResponse, int) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		status := appErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return &ErrorResponse{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}, status
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return &ErrorResponse{Code: "REQUEST_TIMEOUT", Message: "request timed out"}, http.StatusGatewayTimeout
	case stderrors.Is(err, context.Canceled):
		return &ErrorResponse{Code: "REQUEST_CANCELED", Message: "request was canceled"}, http.StatusServiceUnavailable
	}
	return &ErrorResponse{Code: errors.CodeInternal, Message: "an internal error occurred"}, http.StatusInternalServerError
}

// decode reads a JSON body into dst, rejecting unknown fields
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.NewValidationError("MISSING_BODY", "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewValidationError("BODY_TOO_LARGE", "request body is too large").
				WithDetails(map[string]interface{}{"limit": tooLarge.Limit})
		}
		return errors.NewValidationError("INVALID_JSON", "request body is not valid JSON").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	return nil
}

// check runs struct validation and reports failing fields by tag
func check(v *validator.Validate, req interface{}) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.NewValidationError(errors.CodeValidation, "invalid request").WithCause(err)
	}
	fields := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return errors.NewValidationError(errors.CodeValidation, "request failed validation").
		WithDetails(map[string]interface{}{"fields": fields})
}

func pathID(r *http.Request, param string) (uuid.UUID, error) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.NewValidationError("INVALID_ID", "path parameter "+param+" is not a UUID").
			WithDetails(map[string]interface{}{param: raw})
	}
	return id, nil
}

// bind decodes the body into dst, lets pin overwrite fields taken from the
// path, then validates the result
func (h *handler) bind(w http.ResponseWriter, r *http.Request, dst interface{}, pin func()) error {
	if err := decode(w, r, dst); err != nil {
		return err
	}
	if pin != nil {
		pin()
	}
	return check(h.validate, dst)
}
