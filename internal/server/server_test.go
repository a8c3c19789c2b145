package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/engine"
	"orderline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer seeds root as admin, alice as a clerk in b1 and bob as a clerk in b2.
func newTestServer(t *testing.T, tweak func(*Config)) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), engine.Options{})
	ctx := context.Background()
	if err := e.SeedDefaults(ctx, "root"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, b := range []string{"b1", "b2"} {
		if err := e.EnsureBranch(ctx, "root", b, ""); err != nil {
			t.Fatalf("branch: %v", err)
		}
	}
	for actor, branch := range map[string]string{"alice": "b1", "bob": "b2"} {
		if err := e.AssignRole(ctx, "root", actor, "clerk"); err != nil {
			t.Fatalf("assign role: %v", err)
		}
		if err := e.AssignBranch(ctx, "root", actor, branch); err != nil {
			t.Fatalf("assign branch: %v", err)
		}
	}
	cfg := Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createItem(t *testing.T, srv *testServer, actor, branch string, body map[string]any) WorkItemResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/branches/"+branch+"/items", body, as(actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var w WorkItemResponse
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return w
}

func TestItemLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	item := createItem(t, srv, "alice", "b1", map[string]any{
		"reference":  "PO-1",
		"attributes": map[string]any{"title": "Ship order", "total": "42.50", "currency": "EUR"},
	})
	if item.Status != "Open" || item.Attributes.Total == nil || *item.Attributes.Total != "42.5" {
		t.Fatalf("unexpected created item %+v", item)
	}

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+item.ID, map[string]any{
		"priority": "high",
		"total":    nil,
		"currency": nil,
	}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var patched WorkItemResponse
	_ = json.Unmarshal(data, &patched)
	if patched.Attributes.Priority != "high" || patched.Attributes.Total != nil {
		t.Fatalf("patch not applied: %+v", patched.Attributes)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/transitions", map[string]any{
		"status": "InProgress",
		"notes":  "picked",
	}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/transitions", map[string]any{
		"status": "Open",
	}, as("alice"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+item.ID+"/history", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history HistoryResponse
	_ = json.Unmarshal(data, &history)
	fields := map[string]int{}
	for _, r := range history.Items {
		fields[r.Field]++
	}
	// create: status, title, total, currency; patch: priority, total, currency; transition: status
	if len(history.Items) != 8 || fields["status"] != 2 || fields["total"] != 2 {
		t.Fatalf("unexpected history %+v", history.Items)
	}
	last := history.Items[len(history.Items)-1]
	if last.Notes != "picked" || last.ActorID != "alice" {
		t.Fatalf("unexpected status record %+v", last)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/comments", map[string]any{"body": "on the truck"}, as("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("comment status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+item.ID+"/comments", nil, as("alice"))
	var comments CommentsResponse
	_ = json.Unmarshal(data, &comments)
	if res.StatusCode != http.StatusOK || len(comments.Items) != 1 {
		t.Fatalf("comments %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/items/"+item.ID, nil, as("root"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, as("alice"))
	var list paginatedItems
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list.Items) != 0 {
		t.Fatalf("deleted item listed: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?include_deleted=true", nil, as("alice"))
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list.Items) != 1 || list.Items[0].DeletedAt == nil {
		t.Fatalf("expected deleted item with include_deleted: %s", string(data))
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	item := createItem(t, srv, "alice", "b1", map[string]any{
		"reference":  "PO-9",
		"attributes": map[string]any{"title": "Mapped"},
	})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		actor  string
		status int
		code   string
	}{
		{"other branch item", http.MethodGet, "/v0/items/" + item.ID, nil, "bob", http.StatusNotFound, "not_found"},
		{"missing item", http.MethodGet, "/v0/items/nope", nil, "alice", http.StatusNotFound, "not_found"},
		{"other branch create", http.MethodPost, "/v0/branches/b2/items", map[string]any{"attributes": map[string]any{"title": "x"}}, "alice", http.StatusNotFound, "not_found"},
		{"missing capability", http.MethodDelete, "/v0/items/" + item.ID, nil, "alice", http.StatusForbidden, "forbidden"},
		{"unknown actor", http.MethodGet, "/v0/items", nil, "stranger", http.StatusForbidden, "forbidden"},
		{"empty title", http.MethodPost, "/v0/branches/b1/items", map[string]any{"attributes": map[string]any{"title": ""}}, "alice", http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown attribute", http.MethodPatch, "/v0/items/" + item.ID, map[string]any{"colour": "red"}, "alice", http.StatusUnprocessableEntity, "validation_failed"},
		{"skipped status", http.MethodPost, "/v0/items/" + item.ID + "/transitions", map[string]any{"status": "Closed"}, "alice", http.StatusConflict, "invalid_transition"},
		{"duplicate reference", http.MethodPost, "/v0/branches/b1/items", map[string]any{"reference": "PO-9", "attributes": map[string]any{"title": "again"}}, "alice", http.StatusConflict, "conflict"},
		{"rbac without rights", http.MethodPost, "/v0/rbac/roles/assign", map[string]any{"actor_id": "alice", "role_id": "admin"}, "alice", http.StatusForbidden, "forbidden"},
		{"bad cursor", http.MethodGet, "/v0/items?cursor=broken", nil, "alice", http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body, as(tc.actor))
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, string(data))
			}
			if code := errorCode(t, data); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	for _, title := range []string{"one", "two", "three"} {
		createItem(t, srv, "alice", "b1", map[string]any{"attributes": map[string]any{"title": title}})
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?limit=2", nil, as("alice"))
	var page paginatedItems
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?limit=2&cursor="+page.NextCursor, nil, as("alice"))
	var next paginatedItems
	_ = json.Unmarshal(data, &next)
	if res.StatusCode != http.StatusOK || len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("second page: %s", string(data))
	}
	seen := map[string]bool{}
	for _, w := range append(page.Items, next.Items...) {
		if seen[w.ID] {
			t.Fatalf("item %s returned twice", w.ID)
		}
		seen[w.ID] = true
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.Auth.AllowLegacyActorHeader = false })
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, as("alice"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header honored while disabled: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health requires no auth, got %d", res.StatusCode)
	}

	token, err := SignToken(testSecret, "alice", "Alice", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt me: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" || len(me.Branches) != 1 || me.Branches[0] != "b1" {
		t.Fatalf("unexpected me %+v", me)
	}

	forged, _ := SignToken("other-secret", "root", "", time.Hour)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("forged token accepted: %d %s", res.StatusCode, string(data))
	}

	newcomer, _ := SignToken(testSecret, "newcomer", "", time.Hour)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + newcomer})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unknown subject: %d %s", res.StatusCode, string(data))
	}
	if _, err := srv.Engine.Repo.GetActor(context.Background(), "newcomer"); err != nil {
		t.Fatalf("authenticated actor not registered: %v", err)
	}

	rootToken, _ := SignToken(testSecret, "root", "", time.Hour)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/api-keys", map[string]any{"actor_id": "bob", "name": "sync"}, map[string]string{"Authorization": "Bearer " + rootToken})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	_ = json.Unmarshal(data, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != "bob" || me.Source != "api_key" {
		t.Fatalf("api key me: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "ol_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown api key accepted: %d", res.StatusCode)
	}
}

func TestRBACRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	item := createItem(t, srv, "bob", "b2", map[string]any{"attributes": map[string]any{"title": "Remote"}})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/branches/assign", map[string]any{"actor_id": "alice", "branch_id": "b2"}, as("root"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("assign branch: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+item.ID, nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected access after grant: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rbac/roles", nil, as("root"))
	var roles RolesResponse
	_ = json.Unmarshal(data, &roles)
	if res.StatusCode != http.StatusOK || len(roles.Items) != 4 {
		t.Fatalf("roles: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, as("root"))
	var stats StatsResponse
	_ = json.Unmarshal(data, &stats)
	if res.StatusCode != http.StatusOK || len(stats.Counts) != 1 || stats.Counts[0].BranchID != "b2" {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
}

func TestRateLimitAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.RateLimit = RateLimitConfig{Burst: 2} })
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 2; i++ {
		res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d: %d", i, res.StatusCode)
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests || errorCode(t, data) != "rate_limited" {
		t.Fatalf("expected 429, got %d %s", res.StatusCode, string(data))
	}
	for _, hop := range []string{"10.0.0.9", "10.0.0.10"} {
		res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{"X-Forwarded-For": hop})
		if res.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("forwarded header %s escaped the limiter: %d", hop, res.StatusCode)
		}
	}
}

func TestRateLimitBehindTrustedProxy(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Burst: 1, TrustForwardedFor: true}
	})
	defer cleanup()
	client := srv.Client()

	fwd := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, fwd)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", res.StatusCode)
	}
	spoofed := map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, spoofed)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("client-written hop changed the key: %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, map[string]string{"X-Forwarded-For": "10.0.0.2"})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "orderline_http_requests_total") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.4:5123"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	if got := clientIP(r, false); got != "192.0.2.4" {
		t.Fatalf("untrusted: got %s", got)
	}
	if got := clientIP(r, true); got != "10.0.0.1" {
		t.Fatalf("trusted: got %s", got)
	}
	r.Header.Del("X-Forwarded-For")
	if got := clientIP(r, true); got != "192.0.2.4" {
		t.Fatalf("no header: got %s", got)
	}
}

func TestOpenAPIConcurrentRequests(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	var wg sync.WaitGroup
	bodies := make([]string, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				return
			}
			req.Header.Set("X-Actor-Id", "alice")
			res, err := client.Do(req)
			if err != nil {
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err == nil && res.StatusCode == http.StatusOK {
				bodies[i] = string(data)
			}
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if b == "" || b != bodies[0] {
			t.Fatalf("request %d returned a different document", i)
		}
	}
}
