package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/service-proxy/service-proxy-srv/config"
	"github.com/codefionn/service-proxy/service-proxy-srv/proxy"
	"github.com/codefionn/service-proxy/service-proxy-srv/routing"
	"github.com/codefionn/service-proxy/service-proxy-srv/stats"
)

// fakeRegistry backs the API with a bare rule table.
type fakeRegistry struct {
	table     *routing.Table
	collector *stats.MemoryCollector
	running   bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{table: routing.NewTable(), collector: stats.NewMemoryCollector(), running: true}
}

func (f *fakeRegistry) Rules() []routing.Rule { return f.table.Rules() }

func (f *fakeRegistry) RegisterRule(rule routing.Rule) (routing.Rule, error) {
	if !f.running {
		return routing.Rule{}, proxy.NewStateError("register rule", proxy.StateStopped)
	}
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("rule-%d", f.table.Len()+1)
	}
	stored, err := f.table.Register(rule)
	if err != nil {
		return routing.Rule{}, proxy.NewInvalidRuleError(err)
	}
	return stored, nil
}

func (f *fakeRegistry) UnregisterMapping(id string) error {
	if !f.table.Unregister(id) {
		return proxy.NewProxyError(proxy.ErrCodeRuleNotFound, "no rule with id "+id, nil)
	}
	return nil
}

func (f *fakeRegistry) Collector() stats.Collector { return f.collector }

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndListMappings(t *testing.T) {
	reg := newFakeRegistry()
	api := New(reg, "")

	rec := do(t, api, http.MethodPost, "/__admin/mappings",
		`{"id": "am", "method": "get", "urlPattern": "/am/.*", "targetUrl": "http://localhost:9001", "priority": 5}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created Mapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, Mapping{
		ID:          "am",
		Method:      "GET",
		URLPattern:  "/am/.*",
		PatternKind: "regex",
		Priority:    5,
		Action:      "proxy",
		TargetURL:   "http://localhost:9001",
	}, created)

	rec = do(t, api, http.MethodPost, "/__admin/mappings",
		`{"method": "PATCH", "urlPattern": "/idm/.*", "targetUrl": "http://localhost:9002"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "ANY", created.Method, "unknown methods match any")
	assert.Equal(t, routing.PriorityNormal, created.Priority)
	assert.NotEmpty(t, created.ID)

	rec = do(t, api, http.MethodGet, "/__admin/mappings", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Mappings []Mapping `json:"mappings"`
		Total    int       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "am", list.Mappings[0].ID, "higher priority is listed first")

	rec = do(t, api, http.MethodGet, "/__admin/mappings/am", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, api, http.MethodGet, "/__admin/mappings/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMappingRejectsBadInput(t *testing.T) {
	api := New(newFakeRegistry(), "")

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"urlPattern":`},
		{"unknown field", `{"urlPattern": "/a/.*", "targetUrl": "http://x:1", "bogus": true}`},
		{"missing pattern", `{"targetUrl": "http://x:1"}`},
		{"missing target", `{"urlPattern": "/a/.*"}`},
		{"bad regex", `{"urlPattern": "/a/(", "targetUrl": "http://x:1"}`},
		{"relative target", `{"urlPattern": "/a/.*", "targetUrl": "/nowhere"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, api, http.MethodPost, "/__admin/mappings", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestCreateMappingDuplicateID(t *testing.T) {
	api := New(newFakeRegistry(), "")
	body := `{"id": "dup", "urlPattern": "/a/.*", "targetUrl": "http://x:1"}`

	require.Equal(t, http.StatusCreated, do(t, api, http.MethodPost, "/__admin/mappings", body, nil).Code)

	rec := do(t, api, http.MethodPost, "/__admin/mappings", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), proxy.ErrCodeInvalidRule)
}

func TestCreateMappingWhileStopped(t *testing.T) {
	reg := newFakeRegistry()
	reg.running = false
	api := New(reg, "")

	rec := do(t, api, http.MethodPost, "/__admin/mappings", `{"urlPattern": "/a/.*", "targetUrl": "http://x:1"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), proxy.ErrCodeInvalidState)
}

func TestDeleteMapping(t *testing.T) {
	api := New(newFakeRegistry(), "")
	require.Equal(t, http.StatusCreated, do(t, api, http.MethodPost, "/__admin/mappings",
		`{"id": "gone", "urlPattern": "/a/.*", "targetUrl": "http://x:1"}`, nil).Code)

	rec := do(t, api, http.MethodDelete, "/__admin/mappings/gone", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, api, http.MethodDelete, "/__admin/mappings/gone", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), proxy.ErrCodeRuleNotFound)
}

func TestStatsEndpoint(t *testing.T) {
	reg := newFakeRegistry()
	ctx := context.Background()
	require.NoError(t, reg.collector.RecordRequest(ctx, stats.RequestRecord{RouteID: "am", Status: 200, BytesOut: 10, Timestamp: time.Now()}))
	require.NoError(t, reg.collector.RecordRequest(ctx, stats.RequestRecord{RouteID: "am", Status: 502, Timestamp: time.Now()}))
	require.NoError(t, reg.collector.RecordError(ctx, "am", proxy.ErrCodeConnectionRefused, "refused"))

	api := New(reg, "")
	rec := do(t, api, http.MethodGet, "/__admin/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Overview)
	assert.Equal(t, int64(2), resp.Overview.TotalRequests)
	assert.Equal(t, int64(1), resp.Overview.ServerErrors)
	require.Len(t, resp.Routes, 1)
	assert.Equal(t, int64(2), resp.Routes[0].RequestCount)
	require.Len(t, resp.RecentErrors, 1)
	assert.Equal(t, proxy.ErrCodeConnectionRefused, resp.RecentErrors[0].ErrorType)

	assert.Equal(t, http.StatusBadRequest, do(t, api, http.MethodGet, "/__admin/stats?limit=-1", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, api, http.MethodGet, "/__admin/stats?limit=1", "", nil).Code)
}

func TestUnknownEndpointsAndMethods(t *testing.T) {
	api := New(newFakeRegistry(), "")

	rec := do(t, api, http.MethodGet, "/__admin/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)

	rec = do(t, api, http.MethodPut, "/__admin/mappings", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)

	rec = do(t, api, http.MethodPatch, "/__admin/mappings/abc", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuthentication(t *testing.T) {
	const secret = "admin-secret"
	api := New(newFakeRegistry(), secret)

	rec := do(t, api, http.MethodGet, "/__admin/mappings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	token, err := IssueToken(secret, "ops", time.Hour)
	require.NoError(t, err)
	rec = do(t, api, http.MethodGet, "/__admin/mappings", "", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	wrong, err := IssueToken("other-secret", "ops", time.Hour)
	require.NoError(t, err)
	rec = do(t, api, http.MethodGet, "/__admin/mappings", "", http.Header{"Authorization": {"Bearer " + wrong}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, api, http.MethodGet, "/__admin/mappings", "", http.Header{"Authorization": {"Basic b3BzOm9wcw=="}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticatorParse(t *testing.T) {
	auth := NewAuthenticator("s3cret")

	token, err := IssueToken("s3cret", "alice", time.Minute)
	require.NoError(t, err)
	claims, err := auth.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "service-proxy", claims.Issuer)

	_, err = NewAuthenticator("different").Parse(token)
	assert.Error(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = auth.Parse(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = auth.Parse(noExpiry)
	assert.Error(t, err, "tokens must expire")

	_, err = auth.Parse("not.a.token")
	assert.Error(t, err)

	_, err = NewAuthenticator("").Parse(token)
	assert.Error(t, err)

	_, err = IssueToken("", "alice", time.Minute)
	assert.Error(t, err)
}

func TestAdminThroughGateway(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("backend " + r.URL.Path))
	}))
	defer backend.Close()

	cfg := config.Default()
	cfg.Routes = nil
	cfg.ShutdownGraceSeconds = 1
	srv := proxy.NewServerWithCollector(cfg, stats.NewMemoryCollector())
	srv.SetAdminHandler(New(srv, ""))
	require.NoError(t, srv.StartNonBlocking(0))
	t.Cleanup(func() { _ = srv.Stop() })

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port)
	client := &http.Client{Timeout: 5 * time.Second}

	body := fmt.Sprintf(`{"method": "ANY", "urlPattern": "/dyn/.*", "targetUrl": %q}`, backend.URL)
	resp, err := client.Post(base+"/__admin/mappings", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = client.Get(base + "/dyn/hello")
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "backend /dyn/hello", string(got))
}
