// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schmalle/secman-outdated/internal/pkg/dbtest"
	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/outdated/api"
	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/outdated/progress"
	"github.com/schmalle/secman-outdated/pkg/outdated/query"
	"github.com/schmalle/secman-outdated/pkg/outdated/scope"
	"github.com/schmalle/secman-outdated/pkg/outdated/source"
	"github.com/schmalle/secman-outdated/pkg/outdated/store"
	"github.com/schmalle/secman-outdated/pkg/outdated/threshold"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type testEnv struct {
	server  *httptest.Server
	tracker *jobs.Tracker
	hub     *progress.Hub
}

// newEnv serves a snapshot of three assets. Refresh jobs are dispatched to
// nowhere, so that they stay running.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)

	fixture := dbtest.NewFixture(t, db, now)
	fixture.Asset(1, "web-01", "web")
	fixture.Vuln(1, "CRITICAL", 60)
	fixture.Asset(2, "web-02", "web")
	fixture.Vuln(2, "HIGH", 45)
	fixture.Asset(3, "db-01", "db")
	fixture.Vuln(3, "LOW", 35)

	st := store.New(db)
	reader := source.NewReader(db)
	tracker := jobs.NewTracker(db, jobs.WithClock(clock))
	thresholds := threshold.NewStore(db, 30)

	rows := []*models.AssetOverdueSummary{
		{AssetID: 1, AssetName: "web-01", AssetType: "SERVER", TotalOverdueCount: 1, CriticalCount: 1, OldestVulnAgeDays: 60, ScopeTags: []string{"workgroup:web"}, CalculatedAt: now},
		{AssetID: 2, AssetName: "web-02", AssetType: "SERVER", TotalOverdueCount: 1, HighCount: 1, OldestVulnAgeDays: 45, ScopeTags: []string{"workgroup:web"}, CalculatedAt: now},
		{AssetID: 3, AssetName: "db-01", AssetType: "SERVER", TotalOverdueCount: 1, LowCount: 1, OldestVulnAgeDays: 35, ScopeTags: []string{"workgroup:db"}, CalculatedAt: now},
	}
	require.NoError(t, st.Stage(ctx, "job-0", rows))
	_, err := st.Activate(ctx, store.Activation{JobID: "job-0", ThresholdDays: 30})
	require.NoError(t, err)

	noop := coordinator.DispatcherFunc(func(context.Context, string) error { return nil })
	coord := coordinator.New(tracker, reader, thresholds, noop, coordinator.WithClock(clock))
	engine := query.New(db, st, reader, thresholds, query.WithClock(clock))
	resolver := scope.NewStatic(config.ScopeConfig{
		Admins:     []string{"admin"},
		Principals: map[string][]string{"alice": {"workgroup:web"}},
	})
	hub := progress.NewHub(8)

	srv := httptest.NewServer(api.NewServer(coord, engine, resolver, hub).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, tracker: tracker, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, principal, body string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if principal != "" {
		req.Header.Set(api.DefaultPrincipalHeader, principal)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data := make(map[string]any)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))

	return resp, data
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)

	resp, data := e.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", data["status"])
}

func TestListRequiresPrincipal(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/api/v1/outdated-assets", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListIsScoped(t *testing.T) {
	e := newEnv(t)

	resp, data := e.do(t, http.MethodGet, "/api/v1/outdated-assets", "admin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, data["totalCount"])

	resp, data = e.do(t, http.MethodGet, "/api/v1/outdated-assets?sort=assetName&order=asc", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, data["totalCount"])
	items := data["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "web-01", items[0].(map[string]any)["assetName"])

	// Unknown principals see nothing
	resp, data = e.do(t, http.MethodGet, "/api/v1/outdated-assets", "mallory", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, data["totalCount"])
}

func TestListValidation(t *testing.T) {
	e := newEnv(t)

	for _, q := range []string{"sort=ip", "page=-1", "size=abc", "minSeverity=urgent"} {
		resp, data := e.do(t, http.MethodGet, "/api/v1/outdated-assets?"+q, "admin", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.NotEmpty(t, data["error"])
	}
}

func TestAssetDetail(t *testing.T) {
	e := newEnv(t)

	resp, data := e.do(t, http.MethodGet, "/api/v1/outdated-assets/1/vulnerabilities", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vulns := data["vulnerabilities"].(map[string]any)
	assert.EqualValues(t, 1, vulns["totalCount"])

	resp, _ = e.do(t, http.MethodGet, "/api/v1/outdated-assets/3/vulnerabilities", "alice", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/outdated-assets/99/vulnerabilities", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/outdated-assets/abc/vulnerabilities", "alice", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerRefresh(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/v1/outdated-assets/refresh", "alice", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, job := e.do(t, http.MethodPost, "/api/v1/outdated-assets/refresh", "admin", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "RUNNING", job["status"])
	assert.Equal(t, "manual", job["triggerSource"])
	assert.EqualValues(t, 3, job["totalAssets"])
	jobID := job["id"].(string)

	_, err := e.tracker.UpdateProgress(context.Background(), jobID, 1, 3)
	require.NoError(t, err)

	resp, conflict := e.do(t, http.MethodPost, "/api/v1/outdated-assets/refresh", "admin", `{"source":"import"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, jobID, conflict["jobId"])
	assert.EqualValues(t, 33, conflict["progressPercent"])

	resp, status := e.do(t, http.MethodGet, "/api/v1/outdated-assets/refresh/"+jobID, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, status["assetsProcessed"])

	resp, _ = e.do(t, http.MethodGet, "/api/v1/outdated-assets/refresh/unknown", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, list := e.do(t, http.MethodGet, "/api/v1/outdated-assets/refresh/jobs?limit=5", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["items"], 1)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/outdated-assets/refresh", "admin", `{"source":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResetStalled(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/v1/outdated-assets/refresh", "admin", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/outdated-assets/refresh/reset?timeout=abc", "admin", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The tracker clock does not advance, so nothing is stalled yet
	resp, data := e.do(t, http.MethodPost, "/api/v1/outdated-assets/refresh/reset", "admin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, data["reset"])
}

func TestThreshold(t *testing.T) {
	e := newEnv(t)

	resp, data := e.do(t, http.MethodGet, "/api/v1/outdated-assets/threshold", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 30, data["thresholdDays"])

	resp, _ = e.do(t, http.MethodPut, "/api/v1/outdated-assets/threshold", "alice", `{"thresholdDays":7}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPut, "/api/v1/outdated-assets/threshold", "admin", `{"thresholdDays":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = e.do(t, http.MethodPut, "/api/v1/outdated-assets/threshold", "admin", `{"thresholdDays":7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 7, data["thresholdDays"])
	job := data["job"].(map[string]any)
	assert.Equal(t, "config-change", job["triggerSource"])
}

func TestSummary(t *testing.T) {
	e := newEnv(t)

	resp, data := e.do(t, http.MethodGet, "/api/v1/outdated-assets/summary", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, data["available"])
	assert.EqualValues(t, 2, data["assets"])
	assert.EqualValues(t, 1, data["critical"])
}

func TestJobEvents(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, job := e.do(t, http.MethodPost, "/api/v1/outdated-assets/refresh", "admin", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := job["id"].(string)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/outdated-assets/refresh/" + jobID + "/events"
	header := http.Header{}
	header.Set(api.DefaultPrincipalHeader, "alice")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.CloseNow()

	var event progress.Event
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, jobID, event.JobID)
	assert.Equal(t, models.JobStatusRunning, event.Status)
	assert.Equal(t, 0, event.Processed)

	require.NoError(t, e.hub.Publish(ctx, progress.Event{JobID: jobID, Status: models.JobStatusRunning, ProgressPercent: 66, Processed: 2, Total: 3}))
	require.NoError(t, e.hub.Publish(ctx, progress.Event{JobID: jobID, Status: models.JobStatusCompleted, ProgressPercent: 100, Processed: 3, Total: 3}))

	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, 2, event.Processed)

	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, models.JobStatusCompleted, event.Status)
	assert.Equal(t, 100, event.ProgressPercent)

	_, _, err = conn.Read(ctx)
	var closeErr websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "unexpected error: %v", err)
	assert.Equal(t, websocket.StatusNormalClosure, closeErr.Code)
}

func TestJobEventsUnknownJob(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/api/v1/outdated-assets/refresh/unknown/events", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
