package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gustycube/cyberstreams/internal/auth"
	"github.com/gustycube/cyberstreams/internal/broadcast"
	"github.com/gustycube/cyberstreams/internal/cache"
	"github.com/gustycube/cyberstreams/internal/credential"
	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/health"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/ratelimit"
	"github.com/gustycube/cyberstreams/internal/search"
	"github.com/gustycube/cyberstreams/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testKey  = "key_test_1234567890abcdef"
	demoKey  = "key_demo_abcdef1234567890"
	adminKey = "key_admin_supersecret123"
)

type fixture struct {
	srv    *Server
	issuer *auth.Issuer
	docs   *docstore.Memory
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	f := &fixture{now: time.Now()}
	iss, err := auth.NewIssuer(auth.IssuerConfig{Secret: "test-secret", Issuer: "cyberstreams"})
	require.NoError(t, err)
	iss.SetClock(func() time.Time { return f.now })
	f.issuer = iss

	store := credential.NewCached(credential.NewMemory(credential.DevelopmentSeeds()...), cache.NewRedis(cli), time.Minute, logging.Nop())
	authn := auth.NewAuthenticator(store, iss, logging.Nop())
	t.Cleanup(authn.Close)

	f.docs = docstore.NewMemory(
		types.Document{ID: "a", Title: "Ransomware hits hospital", SourceID: "krebs", SourceName: "Krebs", Risk: types.RiskHigh, PublishedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		types.Document{ID: "b", Title: "Patch Tuesday roundup", SourceID: "bleeping", SourceName: "Bleeping", Risk: types.RiskLow, PublishedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
	)
	hh := health.NewHandler(logging.Nop(), "test")
	hh.RegisterChecker("redis", health.NewRedisChecker(func(ctx context.Context) error { return cli.Ping(ctx).Err() }))

	f.srv = New(Deps{
		Auth:        authn,
		Issuer:      iss,
		Limiter:     ratelimit.New(cli, logging.Nop()),
		Search:      search.NewGateway(f.docs, cache.NewRedis(cli), time.Minute, logging.Nop()),
		Broadcaster: broadcast.New(broadcast.NewLocalBus(), "", time.Hour, logging.Nop()),
		Docs:        f.docs,
		Credentials: store,
		Recent:      func() []types.Document { return []types.Document{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}} },
		Health:      hh,
		CORSOrigins: []string{"https://console.example"},
		Log:         logging.Nop(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if key != "" {
		r.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth_PublicAndUnlimited(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 61; i++ {
		f.do(t, http.MethodGet, "/api/v1/search?q=patch", testKey, "")
	}
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/api/v1/search?q=patch", testKey, "").Code)

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, map[string]any{"redis": "ok"}, body["services"])
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_DeniesAfterQuota(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 60; i++ {
		rec := f.do(t, http.MethodGet, "/api/v1/search?q=patch", testKey, "")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(60-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := f.do(t, http.MethodGet, "/api/v1/search?q=patch", testKey, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	body := decode(t, rec)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.EqualValues(t, 60, body["retryAfter"])
	assert.NotEmpty(t, body["requestId"])

	// Other identities keep their own budget.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/search?q=patch", demoKey, "").Code)
}

func TestAuth_APIKeyTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	tok := f.issueToken(t, testKey, `{"scopes":["search"],"expiresIn":600}`)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/search?q=patch", nil)
	r.Header.Set("X-API-Key", demoKey)
	r.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("X-RateLimit-Limit"), "demo key tier applies, not the token's")
}

func TestAuth_Rejections(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/search?q=patch", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "AUTHENTICATION_ERROR", decode(t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/api/v1/search?q=patch", "key_nope", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid or revoked API key", decode(t, rec)["message"])

	rec = f.do(t, http.MethodGet, "/api/v1/threat-actors", testKey, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "AUTHORIZATION_ERROR", decode(t, rec)["code"])
}

func (f *fixture) issueToken(t *testing.T, key, body string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/auth/token", key, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tok auth.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.Equal(t, "Bearer", tok.TokenType)
	return tok.AccessToken
}

func TestToken_RoundTripAndExpiry(t *testing.T) {
	f := newFixture(t)
	tok := f.issueToken(t, testKey, `{"scopes":["search"],"expiresIn":60}`)

	bearer := func() int {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/search?q=patch", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, r)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, bearer())

	f.now = f.now.Add(61 * time.Second)
	assert.Equal(t, http.StatusUnauthorized, bearer())
}

func TestToken_Rules(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/v1/auth/token", testKey, `{"scopes":["admin"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/auth/token", testKey, `{"scopes":["root"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/auth/token", testKey, `{"scopes":`).Code)

	// Bearer tokens cannot be exchanged for further tokens.
	tok := f.issueToken(t, testKey, `{"scopes":["search","stream"]}`)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestToken_CustomRateLimit(t *testing.T) {
	f := newFixture(t)
	var last *httptest.ResponseRecorder
	for i := 0; i < 31; i++ {
		last = f.do(t, http.MethodPost, "/api/v1/auth/token", demoKey, `{}`)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "30", last.Header().Get("X-RateLimit-Limit"))

	// The general budget is untouched by the token counter.
	rec := f.do(t, http.MethodGet, "/api/v1/search?q=patch", demoKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "299", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestSearch_ValidationAndResults(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{
		"",
		"?q=" + strings.Repeat("a", 201),
		"?q=patch&limit=101",
		"?q=patch&offset=-1",
		"?q=patch&risk=severe",
		"?q=patch&from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z",
	} {
		rec := f.do(t, http.MethodGet, "/api/v1/search"+q, demoKey, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "VALIDATION_ERROR", decode(t, rec)["code"], q)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/search?q=ransomware&risk=high", demoKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env search.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, 1, env.Total)
	require.Len(t, env.Hits, 1)
	assert.Equal(t, "a", env.Hits[0].ID)
	assert.Equal(t, map[string]int{"high": 1}, env.Aggregations.Risks)
}

func TestSecurityHeadersAndNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "NOT_FOUND", body["code"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body["requestId"])

	for h, want := range map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "1; mode=block",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Content-Security-Policy":   "default-src 'self'",
	} {
		assert.Equal(t, want, rec.Header().Get(h), h)
	}
}

func TestCORS_Preflight(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodOptions, "/api/v1/search", nil)
	r.Header.Set("Origin", "https://console.example")
	r.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.example", rec.Header().Get("Access-Control-Allow-Origin"))

	r.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, r)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPublish_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/v1/activity/publish", testKey, `{"type":"alert"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/activity/publish", adminKey, `{"data":{}}`).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/activity/publish", adminKey, `{"type":"alert","data":{"id":"x"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])
}

func TestStream_ConnectedThenPublished(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/activity/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); l != "" {
				return l
			}
		}
		return ""
	}
	require.Equal(t, "event: connected", next())
	assert.Contains(t, next(), `"type":"connected"`)

	pub, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/activity/publish", strings.NewReader(`{"type":"alert","data":{"id":"x"}}`))
	require.NoError(t, err)
	pub.Header.Set("X-API-Key", adminKey)
	presp, err := http.DefaultClient.Do(pub)
	require.NoError(t, err)
	presp.Body.Close()
	require.Equal(t, http.StatusOK, presp.StatusCode)

	require.Equal(t, "event: threat", next())
	data := next()
	assert.Contains(t, data, `"type":"alert"`)
	assert.Contains(t, data, `"publishedBy":"admin-1"`)
}

func TestThreatActors_CRUD(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/threat-actors", adminKey, `{"aliases":["x"]}`).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/threat-actors", adminKey, `{"name":"APT29","country":"RU"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := decode(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = f.do(t, http.MethodGet, "/api/v1/threat-actors/"+id, adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APT29", decode(t, rec)["name"])

	rec = f.do(t, http.MethodPut, "/api/v1/threat-actors/"+id, adminKey, `{"country":"Russia"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Russia", decode(t, rec)["country"])

	rec = f.do(t, http.MethodGet, "/api/v1/threat-actors", adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/threat-actors/"+id, adminKey, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/threat-actors/"+id, adminKey, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/threat-actors/"+id, adminKey, "").Code)

	f.docs.SetAvailable(false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/v1/threat-actors", adminKey, "").Code)
}

// corruptDocs fails reads with an error the store does not classify.
type corruptDocs struct{ *docstore.Memory }

func (corruptDocs) Get(context.Context, string, string) (map[string]any, error) {
	return nil, errors.New("decode hit: unexpected end of JSON input")
}

func TestInternalErrorLoggedNotEchoed(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.InfoLevel)
	d := f.srv.deps
	d.Docs = corruptDocs{f.docs}
	d.Log = zap.New(core).Sugar()
	f.srv = New(d)

	rec := f.do(t, http.MethodGet, "/api/v1/threat-actors/abc", adminKey, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", body["code"])
	assert.Equal(t, "An unexpected error occurred", body["message"])
	assert.NotContains(t, rec.Body.String(), "unexpected end of JSON")

	failed := logs.FilterMessage("request failed").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, body["requestId"], fields["requestId"])
	assert.Contains(t, fields["err"], "unexpected end of JSON")

	// Client errors are not logged as failures.
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/nope", "", "").Code)
	assert.Len(t, logs.FilterMessage("request failed").All(), 1)
}

func TestRecentDocuments(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/documents/recent?limit=2", adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["total"])
	assert.Len(t, body["documents"], 2)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/documents/recent?limit=0", adminKey, "").Code)
}

func TestKeys_CreateUseRevoke(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/keys", testKey, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/keys", adminKey, `{"name":"ci"}`).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/keys", adminKey, `{"name":"ci","userId":"user-9","permissions":["search"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	key, _ := decode(t, rec)["apiKey"].(string)
	require.NotEmpty(t, key)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/search?q=patch", key, "").Code)

	rec = f.do(t, http.MethodGet, "/api/v1/keys?userId=user-9", adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["keys"], 1)
	assert.NotContains(t, rec.Body.String(), key)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/keys/revoke", adminKey, `{"apiKey":"`+key+`"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/search?q=patch", key, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/keys/revoke", adminKey, `{"apiKey":"key_missing"}`).Code)
}
