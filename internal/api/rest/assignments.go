package rest

import (
	"net/http"

	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

func (h *handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	var cmd workflow.CreateAssignmentCommand
	if err := h.bind(w, r, &cmd, nil); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	a, err := h.wf.Assignments.Create(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, a)
}

func (h *handler) getAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	a, err := h.wf.Assignments.GetAssignment(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, a)
}

func (h *handler) transitionAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.TransitionAssignmentCommand
	if err := h.bind(w, r, &cmd, func() { cmd.AssignmentID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	a, err := h.wf.Assignments.Transition(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, a)
}

func (h *handler) reassign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.ReassignCommand
	if err := h.bind(w, r, &cmd, func() { cmd.AssignmentID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	a, err := h.wf.Assignments.Reassign(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, a)
}

func (h *handler) listRequests(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	list, err := h.wf.Evidence.ListRequests(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respondList(w, r, list)
}

func (h *handler) createRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.CreateRequestCommand
	if err := h.bind(w, r, &cmd, func() { cmd.AssignmentID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	req, err := h.wf.Evidence.CreateRequest(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, req)
}

func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	e, err := h.wf.Tests.GetExecution(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, e)
}

func (h *handler) defineMethodology(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.DefineMethodologyCommand
	if err := h.bind(w, r, &cmd, func() { cmd.AssignmentID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	e, err := h.wf.Tests.DefineMethodology(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, e)
}

func (h *handler) selectSample(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.SelectSampleCommand
	if err := h.bind(w, r, &cmd, func() { cmd.AssignmentID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	e, err := h.wf.Tests.SelectSample(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, e)
}

func (h *handler) recordConclusion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.RecordConclusionCommand
	if err := h.bind(w, r, &cmd, func() { cmd.AssignmentID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	e, err := h.wf.Tests.RecordItemConclusion(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, e)
}

func (h *handler) finalize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	result, err := h.wf.Tests.Finalize(r.Context(), actor(r), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, result)
}

func (h *handler) submitForReview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	e, err := h.wf.Tests.SubmitForReview(r.Context(), actor(r), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, e)
}

func (h *handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	e, err := h.wf.Tests.Approve(r.Context(), actor(r), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, e)
}

func (h *handler) overrideConclusion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.OverrideConclusionCommand
	if err := h.bind(w, r, &cmd, func() { cmd.AssignmentID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	result, err := h.wf.Tests.OverrideConclusion(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, result)
}
