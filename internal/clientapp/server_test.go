package clientapp

import (
	"context"
	"html"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillip-england/minedesk/internal/apiapp"
	"github.com/phillip-england/minedesk/internal/bootstrap"
	"github.com/phillip-england/minedesk/internal/logging"
	"github.com/phillip-england/minedesk/internal/records"
	"github.com/phillip-england/minedesk/internal/security"
	"github.com/phillip-england/minedesk/internal/store"
	"github.com/phillip-england/minedesk/internal/tenant"
)

const testPassword = "correct horse battery"

type testEnv struct {
	t       *testing.T
	store   *store.Store
	company tenant.Tenant
	api     *httptest.Server
	client  *httptest.Server
	server  *server
	browser *http.Client
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "client.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	company, err := st.CreateCompany(ctx, "Quarry")
	require.NoError(t, err)
	hash, err := security.HashPassword(testPassword)
	require.NoError(t, err)
	u, err := st.CreateUser(ctx, "owner@example.com", hash)
	require.NoError(t, err)
	require.NoError(t, st.UpsertProfile(ctx, u.ID, company.ID, "owner"))

	apiHandler, err := apiapp.NewHandler(st, apiapp.Config{
		SessionTTL:         time.Hour,
		StreamTicketSecret: "0123456789abcdef0123456789abcdef",
		LoginRate:          100,
		LoginBurst:         100,
	}, logging.Discard())
	require.NoError(t, err)
	api := httptest.NewServer(apiHandler)
	t.Cleanup(api.Close)

	cfg := Config{
		APIBaseURL:       api.URL,
		BootstrapTimeout: 10 * time.Second,
		GateWait:         500 * time.Millisecond,
		GateIdle:         time.Minute,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	s := newServer(ctx, cfg, nil, logging.Discard())
	t.Cleanup(s.gates.closeAll)
	client := httptest.NewServer(s.routes())
	t.Cleanup(client.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	browser := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testEnv{t: t, store: st, company: company, api: api, client: client, server: s, browser: browser}
}

func (e *testEnv) get(path string) (*http.Response, string) {
	e.t.Helper()
	resp, err := e.browser.Get(e.client.URL + path)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp, string(body)
}

func (e *testEnv) post(path string, form url.Values) *http.Response {
	e.t.Helper()
	resp, err := e.browser.PostForm(e.client.URL+path, form)
	require.NoError(e.t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func (e *testEnv) login() {
	e.t.Helper()
	resp := e.post("/login", url.Values{"email": {"owner@example.com"}, "password": {testPassword}})
	require.Equal(e.t, http.StatusFound, resp.StatusCode)
	require.Equal(e.t, "/", resp.Header.Get("Location"))
}

func (e *testEnv) sessionID() string {
	u, _ := url.Parse(e.client.URL)
	for _, c := range e.browser.Jar.Cookies(u) {
		if c.Name == sessionCookieName {
			return c.Value
		}
	}
	return ""
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

func csrfFrom(t *testing.T, body string) string {
	t.Helper()
	m := csrfPattern.FindStringSubmatch(body)
	require.Len(t, m, 2, "page has no csrf token")
	return m[1]
}

func mustCollection(t *testing.T, name string) records.Collection {
	t.Helper()
	c, err := records.Lookup(name)
	require.NoError(t, err)
	return c
}

func TestGateRedirectsWithoutSession(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.get("/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	assert.Zero(t, e.server.gates.len())
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	e := newTestEnv(t)
	resp := e.post("/login", url.Values{"email": {"owner@example.com"}, "password": {"not the password"}})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?error=Invalid+credentials", resp.Header.Get("Location"))

	resp = e.post("/login", url.Values{"email": {""}, "password": {""}})
	assert.Contains(t, resp.Header.Get("Location"), "error=Email+and+password+are+required")
}

func TestLoginReachesDashboard(t *testing.T) {
	e := newTestEnv(t)
	e.login()
	require.NotEmpty(t, e.sessionID())

	resp, body := e.get("/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Quarry")
	assert.Contains(t, body, "owner@example.com")
	assert.Contains(t, body, `href="/app/employee_status"`)

	o, ok := e.server.gates.peek(e.sessionID())
	require.True(t, ok)
	assert.Equal(t, bootstrap.PhaseReady, o.State().Phase)

	resp, _ = e.get("/login")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestUnknownSessionGoesToLogin(t *testing.T) {
	e := newTestEnv(t)
	u, _ := url.Parse(e.client.URL)
	e.browser.Jar.SetCookies(u, []*http.Cookie{{Name: sessionCookieName, Value: "stale-session", Path: "/"}})

	resp, _ := e.get("/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	assert.Zero(t, e.server.gates.len())
	assert.Empty(t, e.sessionID())
}

func TestInactiveCompanyShowsNoticeOnLoadingView(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.SetCompanyActive(context.Background(), e.company.ID, false))
	e.login()

	require.Eventually(t, func() bool {
		resp, body := e.get("/")
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(body, html.EscapeString(loadingMessage)) &&
			strings.Contains(body, bootstrap.NoticeTenantInactive)
	}, 5*time.Second, 50*time.Millisecond)

	resp, _ := e.get("/app/vendors")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestBootstrapTimeoutRedirectsToLogin(t *testing.T) {
	e := newTestEnv(t, func(cfg *Config) {
		cfg.BootstrapTimeout = 300 * time.Millisecond
		cfg.GateWait = 100 * time.Millisecond
	})
	require.NoError(t, e.store.SetCompanyActive(context.Background(), e.company.ID, false))
	e.login()

	want := "/login?error=" + url.QueryEscape(bootstrap.NoticeFetchFailed)
	require.Eventually(t, func() bool {
		resp, _ := e.get("/")
		return resp.StatusCode == http.StatusFound && resp.Header.Get("Location") == want
	}, 5*time.Second, 50*time.Millisecond)
	assert.Zero(t, e.server.gates.len())

	resp, body := e.get(want)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, bootstrap.NoticeFetchFailed)
}

func TestRecordPages(t *testing.T) {
	e := newTestEnv(t)
	e.login()
	resp, _ := e.get("/")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.get("/app/units")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "No Units yet.")
	csrf := csrfFrom(t, body)

	resp = e.post("/app/units", url.Values{"csrf_token": {csrf}, "name": {"North Pit"}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "message=Units+record+added")

	resp = e.post("/app/units", url.Values{"csrf_token": {csrf}, "name": {""}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "error=")

	resp = e.post("/app/units", url.Values{"csrf_token": {"forged"}, "name": {"South Pit"}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "error=csrf+validation+failed")

	_, body = e.get("/app/trips")
	assert.Contains(t, body, ">North Pit</option>")
	csrf = csrfFrom(t, body)

	rows, err := e.store.ListRecords(context.Background(), mustCollection(t, "units"), e.company.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	unitID := rows[0].ID

	resp = e.post("/app/trips", url.Values{
		"csrf_token":   {csrf},
		"trip_date":    {"2024-03-01"},
		"vehicle_type": {"tripper"},
		"total_trips":  {"4"},
		"unit_id":      {unitID},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), "message=")

	_, body = e.get("/app/trips")
	assert.Contains(t, body, "<td>North Pit</td>")
	assert.Contains(t, body, "<td>Tripper</td>")

	trips, err := e.store.ListRecords(context.Background(), mustCollection(t, "trips"), e.company.ID)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	tripID := trips[0].ID

	resp, body = e.get("/app/trips/" + tripID + "/edit")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `value="2024-03-01"`)
	csrf = csrfFrom(t, body)

	resp = e.post("/app/trips/"+tripID+"/edit", url.Values{
		"csrf_token":   {csrf},
		"trip_date":    {"2024-03-02"},
		"vehicle_type": {"pickup"},
		"total_trips":  {"6"},
		"unit_id":      {unitID},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/app/trips?message="+url.QueryEscape("Trips record updated"), resp.Header.Get("Location"))

	_, body = e.get("/app/trips")
	assert.Contains(t, body, "<td>Pickup</td>")
	assert.Contains(t, body, "<td>6</td>")

	resp = e.post("/app/trips/"+tripID+"/delete", url.Values{"csrf_token": {csrf}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	_, body = e.get("/app/trips")
	assert.Contains(t, body, "No Trips yet.")

	resp, _ = e.get("/app/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportProxy(t *testing.T) {
	e := newTestEnv(t)
	e.login()
	e.get("/")

	resp, err := e.browser.Get(e.client.URL + "/app/vendors/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "vendors-")
}

func TestDeactivatedCompanyReturnsToGate(t *testing.T) {
	e := newTestEnv(t)
	e.login()
	resp, _ := e.get("/")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, e.store.SetCompanyActive(context.Background(), e.company.ID, false))

	resp, _ = e.get("/app/vendors")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	o, ok := e.server.gates.peek(e.sessionID())
	require.True(t, ok)
	assert.NotEqual(t, bootstrap.PhaseReady, o.State().Phase)

	require.Eventually(t, func() bool {
		_, body := e.get("/")
		return strings.Contains(body, bootstrap.NoticeTenantInactive)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLogoutEndsSession(t *testing.T) {
	e := newTestEnv(t)
	e.login()
	e.get("/")
	sid := e.sessionID()
	require.NotEmpty(t, sid)

	resp := e.post("/logout", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	assert.Empty(t, e.sessionID())
	assert.Zero(t, e.server.gates.len())

	req, err := http.NewRequest(http.MethodGet, e.api.URL+"/api/auth/session", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sid})
	apiResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	apiResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, apiResp.StatusCode)

	resp, _ = e.get("/app/vendors")
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestLogoutWithoutGateSignsOut(t *testing.T) {
	e := newTestEnv(t)
	e.login()
	sid := e.sessionID()
	require.NotEmpty(t, sid)
	require.Zero(t, e.server.gates.len())

	resp := e.post("/logout", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	assert.Zero(t, e.server.gates.len())

	_, _, err := e.store.LookupSession(context.Background(), sid)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeletedSessionLeavesDashboard(t *testing.T) {
	e := newTestEnv(t)
	e.login()
	resp, body := e.get("/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "owner@example.com")
	sid := e.sessionID()

	require.NoError(t, e.store.DeleteSession(context.Background(), sid))

	resp, body = e.get("/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?error="+url.QueryEscape(sessionExpiredMessage), resp.Header.Get("Location"))
	assert.NotContains(t, body, "owner@example.com")
	assert.Zero(t, e.server.gates.len())
	assert.Empty(t, e.sessionID())
}

func TestAssetsAndHealth(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.get("/assets/app.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/css; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, ".spinner")

	resp, body = e.get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)

	resp, body = e.get("/login")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `action="/login"`)
	assert.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))
}

func TestGatesSweepIdle(t *testing.T) {
	e := newTestEnv(t)
	g := e.server.gates
	now := time.Now()
	g.now = func() time.Time { return now }

	g.get("a")
	g.get("b")
	require.Equal(t, 2, g.len())

	now = now.Add(45 * time.Second)
	g.get("b")
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, g.sweep())
	_, ok := g.peek("a")
	assert.False(t, ok)
	_, ok = g.peek("b")
	assert.True(t, ok)

	g.release("b")
	g.release("b")
	assert.Zero(t, g.len())
}
