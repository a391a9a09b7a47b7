package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// fakeSessions scripts the orchestrator surface for handler tests.
type fakeSessions struct {
	startErr  error
	applyErr  error
	claimErr  error
	status    schemas.SessionStatus
	result    schemas.ApplyResult
	streak    int
	ended     []string
}

func (f *fakeSessions) StartSession(_ context.Context, userID string) (schemas.SessionStatus, error) {
	if f.startErr != nil {
		return schemas.SessionStatus{}, f.startErr
	}
	return schemas.SessionStatus{Active: true, BrowserRunning: true, State: schemas.StateReady}, nil
}

func (f *fakeSessions) EndSession(userID string) { f.ended = append(f.ended, userID) }

func (f *fakeSessions) Status(string) schemas.SessionStatus { return f.status }

func (f *fakeSessions) Apply(_ context.Context, _, _ string) (schemas.ApplyResult, error) {
	if f.applyErr != nil {
		return schemas.ApplyResult{}, f.applyErr
	}
	return f.result, nil
}

func (f *fakeSessions) ClaimDailyReward(context.Context, string) (int, error) {
	if f.claimErr != nil {
		return 0, f.claimErr
	}
	return f.streak, nil
}

type fakePortals struct {
	portal     schemas.Portal
	openErr    error
	resolveErr error
	doneErr    error
}

func (f *fakePortals) OpenPortal(context.Context, string, string) (schemas.Portal, error) {
	return f.portal, f.openErr
}

func (f *fakePortals) Resolve(string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.portal.UserID, nil
}

func (f *fakePortals) Complete(string) error { return f.doneErr }

type nopSink struct{}

func (nopSink) SubmitAnswer(string, string) {}

func newTestServer(t *testing.T, sessions *fakeSessions, portals *fakePortals) *httptest.Server {
	t.Helper()
	hub := NewHub(nopSink{}, zap.NewNop())
	srv := httptest.NewServer(NewServer(sessions, portals, hub, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSessionStart(t *testing.T) {
	srv := newTestServer(t, &fakeSessions{}, &fakePortals{})

	resp := post(t, srv.URL+"/session/start", `{"userId":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["sessionActive"])
	assert.Equal(t, true, body["browserRunning"])
	assert.Equal(t, string(schemas.StateReady), body["state"])
}

func TestSessionStartValidation(t *testing.T) {
	srv := newTestServer(t, &fakeSessions{}, &fakePortals{})

	resp := post(t, srv.URL+"/session/start", `{"userId":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/session/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionEnd(t *testing.T) {
	sessions := &fakeSessions{}
	srv := newTestServer(t, sessions, &fakePortals{})

	resp := post(t, srv.URL+"/session/end", `{"userId":"u1"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"u1"}, sessions.ended)
}

func TestSessionStatus(t *testing.T) {
	sessions := &fakeSessions{status: schemas.SessionStatus{Active: true, State: schemas.StateBusy, PendingQuestions: 1}}
	srv := newTestServer(t, sessions, &fakePortals{})

	resp, err := http.Get(srv.URL + "/session/status/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status schemas.SessionStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Active)
	assert.Equal(t, schemas.StateBusy, status.State)
	assert.Equal(t, 1, status.PendingQuestions)
}

func TestApply(t *testing.T) {
	sessions := &fakeSessions{result: schemas.ApplyResult{Status: "applied", Answered: 3}}
	srv := newTestServer(t, sessions, &fakePortals{})

	resp := post(t, srv.URL+"/apply", `{"userId":"u1","jobUrl":"https://example.com/jobs/1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result schemas.ApplyResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "applied", result.Status)
	assert.Equal(t, 3, result.Answered)
}

func TestApplyRequiresJobURL(t *testing.T) {
	srv := newTestServer(t, &fakeSessions{}, &fakePortals{})
	resp := post(t, srv.URL+"/apply", `{"userId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"already active", schemas.ErrAlreadyActive, http.StatusConflict},
		{"session busy", schemas.ErrSessionBusy, http.StatusConflict},
		{"credentials missing", schemas.ErrCredentialsMissing, http.StatusPreconditionFailed},
		{"login failed", schemas.ErrLoginFailed, http.StatusUnauthorized},
		{"limit exceeded", schemas.ErrLimitExceeded, http.StatusTooManyRequests},
		{"no session", schemas.ErrNoSession, http.StatusNotFound},
		{"channel timeout", schemas.ErrChannelTimeout, http.StatusGatewayTimeout},
		{"unclassified", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeSessions{applyErr: tc.err}, &fakePortals{})
			resp := post(t, srv.URL+"/apply", `{"userId":"u1","jobUrl":"https://example.com/jobs/1"}`)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestClaimReward(t *testing.T) {
	srv := newTestServer(t, &fakeSessions{streak: 4}, &fakePortals{})

	resp := post(t, srv.URL+"/reward/claim", `{"userId":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 4, body["streak"])
}

func TestCheckpointEndpoints(t *testing.T) {
	portals := &fakePortals{portal: schemas.Portal{Token: "tok", UserID: "u1", ViewURL: "http://view"}}
	srv := newTestServer(t, &fakeSessions{}, portals)

	resp := post(t, srv.URL+"/checkpoint/start", `{"userId":"u1","url":"https://example.com/checkpoint"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var portal schemas.Portal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&portal))
	assert.Equal(t, "tok", portal.Token)

	get, err := http.Get(srv.URL + "/checkpoint/tok")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)

	done := post(t, srv.URL+"/checkpoint/tok/done", "")
	assert.Equal(t, http.StatusNoContent, done.StatusCode)
}

func TestCheckpointUnknownToken(t *testing.T) {
	portals := &fakePortals{resolveErr: schemas.ErrPortalNotFound}
	srv := newTestServer(t, &fakeSessions{}, portals)

	resp, err := http.Get(srv.URL + "/checkpoint/bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
