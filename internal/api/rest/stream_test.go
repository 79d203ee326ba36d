package rest_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/control-assurance-backend/internal/api/rest"
	"github.com/davidleathers/control-assurance-backend/internal/domain/audit"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
	"github.com/davidleathers/control-assurance-backend/internal/testutil"
)

func (a *api) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http") + path
}

func (a *api) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(a.wsURL(path), header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) rest.StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg rest.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestAuditStream(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	started := a.h.Started(t)

	requests, err := a.h.WF.Evidence.ListRequests(ctx, started.ID)
	require.NoError(t, err)
	require.NotEmpty(t, requests)
	target := requests[0]

	header := http.Header{"Authorization": []string{"Bearer " + a.token(testutil.Manager)}}
	conn := a.dial(t, "/api/v1/audit/stream?entity_id="+started.ID.String(), header)

	_, err = a.h.WF.Evidence.Acknowledge(ctx, testutil.Provider, target.ID)
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, audit.ActionRequestAcknowledged, msg.Event.Action)
	assert.Equal(t, target.ID.String(), msg.Event.EntityID)
	assert.Equal(t, testutil.Provider.ID, msg.Event.Actor)
}

func TestAuditStreamFilters(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	started := a.h.Started(t)

	requests, err := a.h.WF.Evidence.ListRequests(ctx, started.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(requests), 2)

	// Token passed as a query parameter, as a browser client would
	conn := a.dial(t, "/api/v1/audit/stream?action=evidence_request_acknowledged&actor="+testutil.Provider.ID+
		"&access_token="+a.token(testutil.Reviewer), nil)

	// Reassignment does not match the action filter
	_, err = a.h.WF.Assignments.Reassign(ctx, testutil.Manager, workflow.ReassignCommand{
		AssignmentID: started.ID,
		NewAssignee:  testutil.AuditorB.ID,
		Reason:       "rotation",
	})
	require.NoError(t, err)

	_, err = a.h.WF.Evidence.Acknowledge(ctx, testutil.Provider, requests[1].ID)
	require.NoError(t, err)

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, audit.ActionRequestAcknowledged, msg.Event.Action)
	assert.Equal(t, requests[1].ID.String(), msg.Event.EntityID)
}

func TestAuditStreamRejections(t *testing.T) {
	a := newAPI(t)

	t.Run("unauthenticated", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(a.wsURL("/api/v1/audit/stream"), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad filter", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer " + a.token(testutil.Manager)}}
		_, resp, err := websocket.DefaultDialer.Dial(a.wsURL("/api/v1/audit/stream?to=tomorrow"), header)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAuditStreamReleasesSubscription(t *testing.T) {
	a := newAPI(t)

	header := http.Header{"Authorization": []string{"Bearer " + a.token(testutil.Manager)}}
	conn := a.dial(t, "/api/v1/audit/stream", header)
	assert.Equal(t, 1, a.h.Stream.Subscribers())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")))
	_ = conn.Close()

	testutil.AssertEventually(t, func() bool {
		return a.h.Stream.Subscribers() == 0
	}, 2*time.Second, "subscription should be released when the client leaves")
}
