package rest

import (
	stderrors "errors"
	"net/http"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

// uploadFile stores the raw request body and returns the reference a
// submission quotes
func (h *handler) uploadFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		fail(w, r, h.logger, &errors.AppError{
			Type:       errors.ErrorTypeInternal,
			Code:       "FILE_STORE_UNAVAILABLE",
			Message:    "file uploads are not configured",
			StatusCode: http.StatusNotImplemented,
		})
		return
	}

	ref, err := h.files.Put(r.Context(), http.MaxBytesReader(w, r.Body, h.upload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			err = errors.NewValidationError("FILE_TOO_LARGE", "file exceeds the upload limit").
				WithDetails(map[string]interface{}{"limit": tooLarge.Limit})
		}
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, ref)
}

func (h *handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "requestID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	req, err := h.wf.Evidence.GetRequest(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, req)
}

func (h *handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "requestID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	req, err := h.wf.Evidence.Acknowledge(r.Context(), actor(r), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, req)
}

// submitEvidence answers 200 for both outcomes; an incomplete submission is
// reported in the body, not as an error
func (h *handler) submitEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "requestID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.SubmitEvidenceCommand
	if err := h.bind(w, r, &cmd, func() { cmd.RequestID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	result, err := h.wf.Evidence.SubmitEvidence(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, result)
}

func (h *handler) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "requestID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.CancelRequestCommand
	if err := h.bind(w, r, &cmd, func() { cmd.RequestID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	req, err := h.wf.Evidence.CancelRequest(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, req)
}

type escalateResponse struct {
	Escalated bool `json:"escalated"`
}

func (h *handler) escalate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "requestID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	escalated, err := h.wf.Evidence.Escalate(r.Context(), actor(r), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, escalateResponse{Escalated: escalated})
}
