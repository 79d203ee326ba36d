package rest

import (
	"net/http"

	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

func (h *handler) getFinding(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "findingID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	f, err := h.wf.Findings.GetFinding(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (h *handler) addActivity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "findingID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.AddActivityCommand
	if err := h.bind(w, r, &cmd, func() { cmd.FindingID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	f, err := h.wf.Findings.AddRemediationActivity(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusCreated, f)
}

// completeActivity accepts an optional body carrying a note
func (h *handler) completeActivity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "findingID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	activityID, err := pathID(r, "activityID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	cmd := workflow.CompleteActivityCommand{FindingID: id, ActivityID: activityID}
	if r.ContentLength != 0 {
		if err := h.bind(w, r, &cmd, func() { cmd.FindingID, cmd.ActivityID = id, activityID }); err != nil {
			fail(w, r, h.logger, err)
			return
		}
	}
	f, err := h.wf.Findings.CompleteRemediationActivity(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (h *handler) setRootCause(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "findingID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.SetRootCauseCommand
	if err := h.bind(w, r, &cmd, func() { cmd.FindingID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	f, err := h.wf.Findings.SetRootCause(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (h *handler) scheduleFollowUp(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "findingID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.ScheduleFollowUpCommand
	if err := h.bind(w, r, &cmd, func() { cmd.FindingID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	f, err := h.wf.Findings.ScheduleFollowUp(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (h *handler) recordFollowUp(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "findingID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.RecordFollowUpCommand
	if err := h.bind(w, r, &cmd, func() { cmd.FindingID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	f, err := h.wf.Findings.RecordFollowUpResult(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (h *handler) closeFinding(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "findingID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	f, err := h.wf.Findings.Close(r.Context(), actor(r), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (h *handler) withdrawFinding(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "findingID")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var cmd workflow.WithdrawFindingCommand
	if err := h.bind(w, r, &cmd, func() { cmd.FindingID = id }); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	f, err := h.wf.Findings.Withdraw(r.Context(), actor(r), cmd)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}
