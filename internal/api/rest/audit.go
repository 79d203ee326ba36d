package rest

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	trail, err := h.wf.Audit.GetAuditTrail(r.Context(), chi.URLParam(r, "entityID"), filter)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respondList(w, r, trail)
}

// auditEvents pages through the whole log by sequence number
func (h *handler) auditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := intParam(q, "from_sequence", 1)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	limit, err := intParam(q, "limit", 0)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	page, err := h.wf.Audit.Events(r.Context(), int64(from), limit)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respondList(w, r, page)
}

func (h *handler) verifyChain(w http.ResponseWriter, r *http.Request) {
	result, err := h.wf.Audit.VerifyChain(r.Context())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	respond(w, r, http.StatusOK, result)
}

// parseFilter reads entity_type, action (repeatable), actor, result, from,
// to and limit. Times are RFC 3339.
func parseFilter(q url.Values) (audit.Filter, error) {
	filter := audit.Filter{
		EntityType: audit.EntityType(q.Get("entity_type")),
		Actor:      q.Get("actor"),
		Result:     audit.Result(q.Get("result")),
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, audit.Action(a))
	}

	var err error
	if filter.From, err = timeParam(q, "from"); err != nil {
		return audit.Filter{}, err
	}
	if filter.To, err = timeParam(q, "to"); err != nil {
		return audit.Filter{}, err
	}
	if filter.Limit, err = intParam(q, "limit", 0); err != nil {
		return audit.Filter{}, err
	}
	return filter, nil
}

func timeParam(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.NewValidationError("INVALID_QUERY", name+" must be an RFC 3339 timestamp").
			WithDetails(map[string]interface{}{name: raw})
	}
	return t, nil
}

func intParam(q url.Values, name string, fallback int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewValidationError("INVALID_QUERY", name+" must be a non-negative integer").
			WithDetails(map[string]interface{}{name: raw})
	}
	return n, nil
}
