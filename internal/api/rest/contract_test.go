package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/api/rest"
	"github.com/davidleathers/control-assurance-backend/internal/domain/assignment"
	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/domain/cycle"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
	"github.com/davidleathers/control-assurance-backend/internal/testutil"
)

// contract checks live traffic against the embedded OpenAPI document
type contract struct {
	a      *api
	router routers.Router
	opts   *openapi3filter.Options
}

func newContract(t *testing.T, a *api) *contract {
	t.Helper()
	ctx := context.Background()

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(rest.OpenAPIDocument)
	require.NoError(t, err)
	require.NoError(t, doc.Validate(ctx))

	router, err := gorillamux.NewRouter(doc)
	require.NoError(t, err)

	return &contract{
		a:      a,
		router: router,
		opts: &openapi3filter.Options{
			AuthenticationFunc:    openapi3filter.NoopAuthenticationFunc,
			IncludeResponseStatus: true,
		},
	}
}

// call sends the request and validates the response against the document.
// The request itself is validated too when checkRequest is set; error cases
// deliberately send requests the document rejects.
func (c *contract) call(t *testing.T, as *workflow.Actor, method, path string, body interface{}, checkRequest bool) (int, envelope) {
	t.Helper()
	ctx := context.Background()

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	newRequest := func() *http.Request {
		req, err := http.NewRequest(method, c.a.srv.URL+path, bytes.NewReader(raw))
		require.NoError(t, err)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if as != nil {
			req.Header.Set("Authorization", "Bearer "+c.a.token(*as))
		}
		return req
	}

	req := newRequest()
	route, params, err := c.router.FindRoute(req)
	require.NoError(t, err, "%s %s is not in the document", method, path)

	input := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: params,
		Route:      route,
		Options:    c.opts,
	}
	if checkRequest {
		require.NoError(t, openapi3filter.ValidateRequest(ctx, input), "%s %s", method, path)
	}

	resp, err := c.a.srv.Client().Do(newRequest())
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: input,
		Status:                 resp.StatusCode,
		Header:                 resp.Header,
		Options:                c.opts,
	}
	out.SetBodyBytes(respBody)
	require.NoError(t, openapi3filter.ValidateResponse(ctx, out), "%s %s -> %d: %s", method, path, resp.StatusCode, respBody)

	var env envelope
	require.NoError(t, json.Unmarshal(respBody, &env))
	return resp.StatusCode, env
}

func TestOpenAPIDocumentIsServed(t *testing.T) {
	a := newAPI(t)

	resp, err := a.srv.Client().Get(a.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	assert.Equal(t, rest.OpenAPIDocument, body)
}

func TestContractHappyPath(t *testing.T) {
	a := newAPI(t)
	c := newContract(t, a)
	manager, auditor := testutil.Manager, testutil.AuditorA

	status, _ := c.call(t, nil, http.MethodGet, "/healthz", nil, true)
	require.Equal(t, http.StatusOK, status)

	status, env := c.call(t, &manager, http.MethodPost, "/api/v1/cycles", workflow.CreateCycleCommand{
		Name:      "2025-Q4",
		Framework: "SOX",
		StartDate: testutil.Date(2025, time.October, 1),
		EndDate:   testutil.Date(2025, time.December, 31),
	}, true)
	require.Equal(t, http.StatusCreated, status, env.Error)
	cyc := data[cycle.TestingCycle](t, env)
	cyclePath := "/api/v1/cycles/" + cyc.ID.String()

	status, env = c.call(t, &manager, http.MethodPost, cyclePath+"/transition",
		map[string]interface{}{"target": cycle.StatusActive}, true)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.call(t, &manager, http.MethodPost, "/api/v1/controls", workflow.RegisterControlCommand{
		Ref:   "ITGC-010",
		Title: "Change management approvals",
		EvidenceRequirements: []control.EvidenceRequirement{
			{Type: testutil.EvidenceChangeTickets, Mandatory: true},
		},
	}, true)
	require.Equal(t, http.StatusCreated, status, env.Error)

	status, env = c.call(t, &manager, http.MethodGet, "/api/v1/controls/ITGC-010", nil, true)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.call(t, &manager, http.MethodPost, cyclePath+"/assignments", map[string]interface{}{
		"control_ref": "ITGC-010",
		"assignee":    auditor.ID,
		"due_date":    testutil.Date(2025, time.November, 15),
		"priority":    assignment.PriorityHigh,
	}, true)
	require.Equal(t, http.StatusCreated, status, env.Error)
	asg := data[assignment.ControlAssignment](t, env)
	assignmentPath := "/api/v1/assignments/" + asg.ID.String()

	status, env = c.call(t, &auditor, http.MethodPost, assignmentPath+"/transition",
		map[string]interface{}{"target": assignment.StatusInProgress}, true)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.call(t, &auditor, http.MethodGet, assignmentPath+"/requests", nil, true)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, 1, *env.Meta.Count)

	status, env = c.call(t, &manager, http.MethodGet, cyclePath+"/progress", nil, true)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.call(t, &manager, http.MethodGet, cyclePath+"/assignments", nil, true)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.call(t, &manager, http.MethodGet, cyclePath+"/findings?severity=material_weakness", nil, true)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, 0, *env.Meta.Count)

	status, env = c.call(t, &manager, http.MethodGet, "/api/v1/audit/trail/"+cyc.ID.String()+"?limit=5", nil, true)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.call(t, &manager, http.MethodGet, "/api/v1/audit/events?from_sequence=1&limit=3", nil, true)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, 3, *env.Meta.Count)

	status, env = c.call(t, &manager, http.MethodGet, "/api/v1/audit/verify", nil, true)
	require.Equal(t, http.StatusOK, status, env.Error)
}

func TestContractErrorResponses(t *testing.T) {
	a := newAPI(t)
	c := newContract(t, a)
	started := a.h.Started(t)
	auditor := testutil.AuditorA

	tests := []struct {
		name   string
		as     *workflow.Actor
		method string
		path   string
		body   interface{}
		status int
	}{
		{
			name:   "unauthenticated",
			method: http.MethodGet,
			path:   "/api/v1/cycles/" + started.CycleID.String(),
			status: http.StatusUnauthorized,
		},
		{
			name:   "invalid transition",
			as:     &auditor,
			method: http.MethodPost,
			path:   "/api/v1/assignments/" + started.ID.String() + "/transition",
			body:   map[string]interface{}{"target": assignment.StatusCompleted},
			status: http.StatusConflict,
		},
		{
			name:   "validation error",
			as:     &auditor,
			method: http.MethodPost,
			path:   "/api/v1/assignments/" + started.ID.String() + "/transition",
			body:   map[string]interface{}{"note": "no target"},
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed id",
			as:     &auditor,
			method: http.MethodGet,
			path:   "/api/v1/assignments/not-a-uuid",
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := c.call(t, tt.as, tt.method, tt.path, tt.body, false)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, env.Error)
		})
	}
}
