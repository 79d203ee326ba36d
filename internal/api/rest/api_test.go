package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/control-assurance-backend/internal/api/rest"
	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/auth"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/filestore"
	"github.com/davidleathers/control-assurance-backend/internal/metrics"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
	"github.com/davidleathers/control-assurance-backend/internal/testutil"
)

const testSecret = "api-test-secret-with-at-least-32-bytes"

type api struct {
	t       *testing.T
	h       *testutil.Harness
	srv     *httptest.Server
	tokens  *auth.TokenService
	metrics *metrics.Registry
}

type apiOption func(*rest.Dependencies, *rest.Config)

func newAPI(t *testing.T, opts ...apiOption) *api {
	t.Helper()
	h := testutil.NewHarness(t)
	tokens, err := auth.NewTokenService(testSecret, "control-assurance", time.Hour)
	require.NoError(t, err)
	reg := metrics.NewRegistry()

	deps := rest.Dependencies{
		Workflow: h.WF,
		Tokens:   tokens,
		Stream:   h.Stream,
		Metrics:  reg,
		Logger:   h.Logger,
	}
	cfg := rest.DefaultConfig()
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	srv := httptest.NewServer(rest.NewRouter(deps, cfg))
	t.Cleanup(srv.Close)
	return &api{t: t, h: h, srv: srv, tokens: tokens, metrics: reg}
}

func (a *api) token(actor workflow.Actor) string {
	a.t.Helper()
	tok, err := a.tokens.GenerateToken(actor.ID, actor.Roles)
	require.NoError(a.t, err)
	return tok
}

// envelope mirrors rest.ResponseEnvelope with the data left undecoded
type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *rest.ErrorResponse `json:"error"`
	Meta    *rest.Meta          `json:"meta"`
}

func (a *api) send(req *http.Request) (int, envelope) {
	a.t.Helper()
	resp, err := a.srv.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	require.NoError(a.t, json.Unmarshal(raw, &env), "body: %s", raw)
	return resp.StatusCode, env
}

// do issues an authenticated request. A string body is sent verbatim;
// anything else is JSON encoded.
func (a *api) do(as workflow.Actor, method, path string, body interface{}) (int, envelope) {
	a.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(a.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, r)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+a.token(as))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(req)
}

func data[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), "data: %s", env.Data)
	return v
}

func TestCycleLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t)

	status, env := a.do(testutil.Manager, http.MethodPost, "/api/v1/cycles", workflow.CreateCycleCommand{
		Name:      "2025-Q3",
		Framework: "SOX",
		StartDate: testutil.Date(2025, time.July, 1),
		EndDate:   testutil.Date(2025, time.September, 30),
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.Meta.RequestID)
	c := data[cycle.TestingCycle](t, env)
	assert.Equal(t, cycle.StatusPlanning, c.Status)

	status, env = a.do(testutil.Manager, http.MethodPost, "/api/v1/cycles/"+c.ID.String()+"/transition",
		map[string]interface{}{"target": cycle.StatusActive})
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, cycle.StatusActive, data[cycle.TestingCycle](t, env).Status)

	status, env = a.do(testutil.Manager, http.MethodPost, "/api/v1/controls", workflow.RegisterControlCommand{
		Ref:   "ITGC-001",
		Title: "Quarterly user access review",
		EvidenceRequirements: []control.EvidenceRequirement{
			{Type: testutil.EvidenceAccessReview, Mandatory: true},
			{Type: testutil.EvidenceChangeTickets, Mandatory: true},
		},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)

	status, env = a.do(testutil.Manager, http.MethodGet, "/api/v1/controls/ITGC-001", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Len(t, data[control.Control](t, env).EvidenceRequirements, 2)

	status, env = a.do(testutil.Manager, http.MethodPost, "/api/v1/cycles/"+c.ID.String()+"/assignments",
		map[string]interface{}{
			"control_ref": "ITGC-001",
			"assignee":    testutil.AuditorA.ID,
			"due_date":    testutil.Date(2025, time.August, 15),
		})
	require.Equal(t, http.StatusCreated, status, env.Error)
	asg := data[assignment.ControlAssignment](t, env)
	assert.Equal(t, c.ID, asg.CycleID)

	status, env = a.do(testutil.AuditorA, http.MethodPost, "/api/v1/assignments/"+asg.ID.String()+"/transition",
		map[string]interface{}{"target": assignment.StatusInProgress})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = a.do(testutil.AuditorA, http.MethodGet, "/api/v1/assignments/"+asg.ID.String()+"/requests", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	require.NotNil(t, env.Meta.Count)
	assert.Equal(t, 2, *env.Meta.Count)

	status, env = a.do(testutil.Manager, http.MethodGet, "/api/v1/cycles/"+c.ID.String()+"/progress", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	p := data[cycle.Progress](t, env)
	assert.Equal(t, 1, p.Total)
	assert.Equal(t, 1, p.ByStatus[assignment.StatusInProgress])

	status, env = a.do(testutil.Manager, http.MethodGet, "/api/v1/cycles/"+c.ID.String()+"/assignments", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, 1, *env.Meta.Count)
}

func TestErrorsMapToStatus(t *testing.T) {
	a := newAPI(t)
	started := a.h.Started(t)
	assignmentPath := "/api/v1/assignments/" + started.ID.String()

	tests := []struct {
		name   string
		as     workflow.Actor
		method string
		path   string
		body   interface{}
		status int
		code   string
		detail string
	}{
		{
			name:   "forbidden command",
			as:     testutil.AuditorA,
			method: http.MethodPost,
			path:   "/api/v1/cycles",
			body: workflow.CreateCycleCommand{
				Name: "rogue", Framework: "SOX",
				StartDate: testutil.Date(2025, time.July, 1), EndDate: testutil.Date(2025, time.July, 2),
			},
			status: http.StatusForbidden,
			code:   "FORBIDDEN",
		},
		{
			name:   "unknown assignment",
			as:     testutil.AuditorA,
			method: http.MethodGet,
			path:   "/api/v1/assignments/" + uuid.NewString(),
			status: http.StatusNotFound,
			code:   "RESOURCE_NOT_FOUND",
		},
		{
			name:   "invalid transition",
			as:     testutil.AuditorA,
			method: http.MethodPost,
			path:   assignmentPath + "/transition",
			body:   map[string]interface{}{"target": assignment.StatusCompleted},
			status: http.StatusConflict,
			code:   "INVALID_TRANSITION",
			detail: "current_state",
		},
		{
			name:   "missing required field",
			as:     testutil.AuditorA,
			method: http.MethodPost,
			path:   assignmentPath + "/transition",
			body:   map[string]interface{}{"note": "no target"},
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
			detail: "fields",
		},
		{
			name:   "malformed id",
			as:     testutil.AuditorA,
			method: http.MethodGet,
			path:   "/api/v1/assignments/not-a-uuid",
			status: http.StatusBadRequest,
			code:   "INVALID_ID",
		},
		{
			name:   "malformed json",
			as:     testutil.AuditorA,
			method: http.MethodPost,
			path:   assignmentPath + "/transition",
			body:   `{"target":`,
			status: http.StatusBadRequest,
			code:   "INVALID_JSON",
		},
		{
			name:   "unknown field",
			as:     testutil.AuditorA,
			method: http.MethodPost,
			path:   assignmentPath + "/transition",
			body:   `{"target":"review","force":true}`,
			status: http.StatusBadRequest,
			code:   "INVALID_JSON",
		},
		{
			name:   "missing body",
			as:     testutil.AuditorA,
			method: http.MethodPost,
			path:   assignmentPath + "/reassign",
			status: http.StatusBadRequest,
			code:   "MISSING_BODY",
		},
		{
			name:   "findings need a severity",
			as:     testutil.Manager,
			method: http.MethodGet,
			path:   "/api/v1/cycles/" + started.CycleID.String() + "/findings",
			status: http.StatusBadRequest,
			code:   "MISSING_SEVERITY",
		},
		{
			name:   "unknown severity",
			as:     testutil.Manager,
			method: http.MethodGet,
			path:   "/api/v1/cycles/" + started.CycleID.String() + "/findings?severity=catastrophic",
			status: http.StatusBadRequest,
			code:   "INVALID_SEVERITY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := a.do(tt.as, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.NotEmpty(t, env.Error.Message)
			if tt.detail != "" {
				assert.Contains(t, env.Error.Details, tt.detail)
			}
		})
	}
}

func TestForbiddenRequestIsAudited(t *testing.T) {
	a := newAPI(t)
	started := a.h.Started(t)

	status, env := a.do(testutil.Provider, http.MethodPost,
		"/api/v1/assignments/"+started.ID.String()+"/transition",
		map[string]interface{}{"target": assignment.StatusReview})
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(audit.EntityAssignment), env.Error.Details["entity_type"])

	status, env = a.do(testutil.Manager, http.MethodGet,
		"/api/v1/audit/trail/"+started.ID.String()+"?result=denied", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	trail := data[[]audit.Event](t, env)
	require.Len(t, trail, 1)
	assert.Equal(t, audit.ActionPermissionDenied, trail[0].Action)
	assert.Equal(t, testutil.Provider.ID, trail[0].Actor)
}

func TestEvidenceSubmissionOverHTTP(t *testing.T) {
	a := newAPI(t)
	started := a.h.Started(t)

	requests, err := a.h.WF.Evidence.ListRequests(context.Background(), started.ID)
	require.NoError(t, err)
	var target *evidence.Request
	for _, r := range requests {
		if _, ok := r.Spec(testutil.EvidenceAccessReview); ok {
			target = r
		}
	}
	require.NotNil(t, target)
	path := "/api/v1/requests/" + target.ID.String()

	status, env := a.do(testutil.Provider, http.MethodPost, path+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, evidence.StatusAcknowledged, data[evidence.Request](t, env).Status)

	status, env = a.do(testutil.Provider, http.MethodPost, path+"/submissions", map[string]interface{}{
		"files": []evidence.FileSubmission{{
			File: evidence.FileRef{
				ID:   "file-1",
				Hash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
				Size: 4,
			},
			EvidenceType: testutil.EvidenceAccessReview,
			Name:         "access.xlsx",
		}},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	result := data[workflow.SubmitEvidenceResult](t, env)
	assert.Equal(t, evidence.StatusCompleted, result.Request.Status)
	assert.Len(t, result.Request.ActiveSubmissions(), 1)

	status, env = a.do(testutil.AuditorA, http.MethodPost, path+"/cancel", map[string]string{"reason": "no longer needed"})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
}

func TestFileUpload(t *testing.T) {
	t.Run("stores the body", func(t *testing.T) {
		store, err := filestore.NewLocalStore(t.TempDir(), zaptest.NewLogger(t))
		require.NoError(t, err)
		a := newAPI(t, func(d *rest.Dependencies, _ *rest.Config) { d.Files = store })

		status, env := a.do(testutil.Provider, http.MethodPost, "/api/v1/files", "test")
		require.Equal(t, http.StatusCreated, status, env.Error)
		ref := data[evidence.FileRef](t, env)
		assert.Equal(t, "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", ref.Hash)
		assert.Equal(t, int64(4), ref.Size)

		ok, err := store.Exists(context.Background(), ref)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("enforces the size limit", func(t *testing.T) {
		store, err := filestore.NewLocalStore(t.TempDir(), zaptest.NewLogger(t))
		require.NoError(t, err)
		a := newAPI(t, func(d *rest.Dependencies, c *rest.Config) {
			d.Files = store
			c.MaxUploadBytes = 8
		})

		status, env := a.do(testutil.Provider, http.MethodPost, "/api/v1/files", strings.Repeat("x", 64))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "FILE_TOO_LARGE", env.Error.Code)
	})

	t.Run("unconfigured", func(t *testing.T) {
		a := newAPI(t)
		status, env := a.do(testutil.Provider, http.MethodPost, "/api/v1/files", "test")
		assert.Equal(t, http.StatusNotImplemented, status)
		assert.Equal(t, "FILE_STORE_UNAVAILABLE", env.Error.Code)
	})
}

func TestAuditQueries(t *testing.T) {
	a := newAPI(t)
	started := a.h.Started(t)

	status, env := a.do(testutil.Manager, http.MethodGet, "/api/v1/audit/trail/"+started.ID.String()+"?limit=2", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, 2, *env.Meta.Count)

	status, env = a.do(testutil.Manager, http.MethodGet,
		"/api/v1/audit/trail/"+started.ID.String()+"?action=evidence_request_created&entity_type=evidence_request", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, 3, *env.Meta.Count)

	status, env = a.do(testutil.Manager, http.MethodGet, "/api/v1/audit/events?from_sequence=3&limit=4", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	page := data[[]audit.Event](t, env)
	require.Len(t, page, 4)
	assert.Equal(t, int64(3), page[0].SequenceNum)

	all, err := a.h.WF.Audit.Events(context.Background(), 1, 0)
	require.NoError(t, err)

	status, env = a.do(testutil.Manager, http.MethodGet, "/api/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	result := data[audit.ChainVerificationResult](t, env)
	assert.True(t, result.IsValid)
	assert.Equal(t, len(all), result.EventsVerified)

	status, env = a.do(testutil.Manager, http.MethodGet, "/api/v1/audit/trail/"+started.ID.String()+"?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_QUERY", env.Error.Code)
}
