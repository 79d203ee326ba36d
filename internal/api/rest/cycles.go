package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/finding"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

func (h *handler) createCycle(w http.ResponseWriter, r *http.Request) {
	var cmd workflow.CreateCycleCommand
	if err := h.bind(w, r, &cmd, nil); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	c, err := h.wf.Cycles.CreateCycle(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, c)
}

func (h *handler) getCycle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cycleID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	c, err := h.wf.Cycles.GetCycle(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, c)
}

func (h *handler) transitionCycle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cycleID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.TransitionCycleCommand
	if err := h.bind(w, r, &cmd, func() { cmd.CycleID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	c, err := h.wf.Cycles.TransitionCycle(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, c)
}

func (h *handler) archiveCycle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cycleID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	c, err := h.wf.Cycles.ArchiveCycle(r.Context(), actor(r), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, c)
}

func (h *handler) getCycleProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cycleID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	p, err := h.wf.Cycles.GetCycleProgress(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, p)
}

func (h *handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cycleID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	list, err := h.wf.Assignments.ListAssignments(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respondList(w, r, list)
}

func (h *handler) addControlToCycle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cycleID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.CreateAssignmentCommand
	if err := h.bind(w, r, &cmd, func() { cmd.CycleID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	a, err := h.wf.Cycles.AddControlToCycle(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, a)
}

// listFindings requires a severity query parameter
func (h *handler) listFindings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "cycleID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	severity := finding.Severity(r.URL.Query().Get("severity"))
	if severity == "" {
		fail(w, r, h.logger, errors.NewValidationError("MISSING_SEVERITY", "severity query parameter is required"))
		return
	}
	list, err := h.wf.Findings.GetFindingsBySeverity(r.Context(), severity, id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respondList(w, r, list)
}

func (h *handler) registerControl(w http.ResponseWriter, r *http.Request) {
	var cmd workflow.RegisterControlCommand
	if err := h.bind(w, r, &cmd, nil); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	c, err := h.wf.Cycles.RegisterControl(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, c)
}

func (h *handler) getControl(w http.ResponseWriter, r *http.Request) {
	c, err := h.wf.Cycles.GetControl(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, c)
}
