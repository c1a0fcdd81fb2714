package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"authcore.io/internal/audit"
	"authcore.io/internal/auth"
	"authcore.io/internal/rbac"
	"authcore.io/internal/session"
	"authcore.io/internal/store/memory"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	store    *memory.Store
	resolver *rbac.Resolver
}

func newTestAPI(t *testing.T) *apiClient {
	return newTestAPIWithAudit(t, memory.NewAuditStore())
}

func newTestAPIWithAudit(t *testing.T, auditStore audit.Store) *apiClient {
	t.Helper()

	store := memory.New()
	registry, err := session.NewRegistry(memory.NewSessionStore())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	recorder, err := audit.NewRecorder(auditStore, audit.WithMode(audit.ModeStrict))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(func() { _ = recorder.Close() })
	reporter, err := audit.NewReporter(auditStore)
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	resolver, err := rbac.NewResolver(store, rbac.WithPermissionCacheTTL(0))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if err := resolver.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("ensure builtins: %v", err)
	}
	svc, err := auth.NewService(store, registry,
		auth.WithTokenSecret("test-secret"),
		auth.WithAuditRecorder(recorder),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	api := New(ReadyProbe{}, "test", svc, registry, resolver, reporter, recorder)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:  srv.URL,
		client:   srv.Client(),
		t:        t,
		store:    store,
		resolver: resolver,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

// register creates a user and returns its id.
func (c *apiClient) register(tenantID, email, password string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/register", map[string]any{
		"tenant_id": tenantID,
		"email":     email,
		"name":      "Test User",
		"password":  password,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("unexpected register status: %d", resp.StatusCode)
	}
	user := decode[map[string]any](c.t, resp)
	return user["id"].(string)
}

// login authenticates and returns the bearer header plus the raw result.
func (c *apiClient) login(tenantID, email, password string) (map[string]string, map[string]any) {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"tenant_id": tenantID,
		"email":     email,
		"password":  password,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	res := decode[map[string]any](c.t, resp)
	tokens, ok := res["tokens"].(map[string]any)
	if !ok {
		c.t.Fatalf("login did not return tokens: %v", res)
	}
	access := tokens["access_token"].(string)
	return map[string]string{"Authorization": "Bearer " + access}, res
}

// grantAdmin gives the user every builtin permission through a role.
func (c *apiClient) grantAdmin(tenantID, userID string) {
	c.t.Helper()
	ctx := context.Background()
	role, err := c.resolver.CreateRole(ctx, tenantID, "ops-admin", "test role")
	if err != nil {
		c.t.Fatalf("create role: %v", err)
	}
	keys := []string{
		rbac.PermDocumentsRead, rbac.PermDocumentsWrite, rbac.PermDocumentsShare,
		rbac.PermUsersManage, rbac.PermRolesManage, rbac.PermSessionsManage,
		rbac.PermAuditRead, rbac.PermAuditExport,
	}
	if err := c.store.SetRolePermissions(ctx, role.ID, keys); err != nil {
		c.t.Fatalf("set role permissions: %v", err)
	}
	if err := c.resolver.AssignRole(ctx, userID, role.ID, tenantID, "seed"); err != nil {
		c.t.Fatalf("assign role: %v", err)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRegisterLoginLogoutFlow(t *testing.T) {
	api := newTestAPI(t)
	api.register("t1", "flow@example.com", "Sup3r$ecret")

	header, res := api.login("t1", "flow@example.com", "Sup3r$ecret")
	if res["requires_2fa"].(bool) {
		t.Fatalf("unexpected 2fa challenge for fresh account")
	}

	// The token opens authenticated endpoints.
	resp := api.get("/v1/sessions", nil, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected sessions status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	sessions := payload["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("expected one active session, got %d", len(sessions))
	}

	resp = api.post("/v1/auth/logout", nil, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected logout status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Token is dead once its session is gone.
	resp = api.get("/v1/sessions", nil, header)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/sessions", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/register", map[string]any{
		"email":    "no-tenant@example.com",
		"password": "Sup3r$ecret",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	api.register("t1", "dup@example.com", "Sup3r$ecret")
	resp = api.post("/v1/auth/register", map[string]any{
		"tenant_id": "t1",
		"email":     "dup@example.com",
		"name":      "Dup",
		"password":  "Sup3r$ecret",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/register", map[string]any{
		"tenant_id": "t1",
		"email":     "weak@example.com",
		"name":      "Weak",
		"password":  "short",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak password, got %d", resp.StatusCode)
	}
}

func TestRefreshRotation(t *testing.T) {
	api := newTestAPI(t)
	api.register("t1", "rotate@example.com", "Sup3r$ecret")
	_, res := api.login("t1", "rotate@example.com", "Sup3r$ecret")
	tokens := res["tokens"].(map[string]any)
	refresh := tokens["refresh_token"].(string)

	resp := api.post("/v1/auth/refresh", map[string]any{"refresh_token": refresh}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected refresh status: %d", resp.StatusCode)
	}
	fresh := decode[map[string]any](t, resp)
	if fresh["access_token"] == "" || fresh["refresh_token"] == refresh {
		t.Fatalf("expected rotated token pair")
	}

	// The consumed refresh token cannot be replayed.
	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": refresh}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on refresh replay, got %d", resp.StatusCode)
	}
}

func TestRBACEndpointsRequirePermission(t *testing.T) {
	api := newTestAPI(t)
	api.register("t1", "plain@example.com", "Sup3r$ecret")
	header, _ := api.login("t1", "plain@example.com", "Sup3r$ecret")

	resp := api.post("/v1/roles", map[string]any{"name": "writers"}, header)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without roles.manage, got %d", resp.StatusCode)
	}
}

func TestRoleAndACLFlow(t *testing.T) {
	api := newTestAPI(t)
	adminID := api.register("t1", "admin@example.com", "Sup3r$ecret")
	memberID := api.register("t1", "member@example.com", "Sup3r$ecret")
	api.grantAdmin("t1", adminID)

	adminHeader, _ := api.login("t1", "admin@example.com", "Sup3r$ecret")
	memberHeader, _ := api.login("t1", "member@example.com", "Sup3r$ecret")

	// Create a custom role and assign it to the member.
	resp := api.post("/v1/roles", map[string]any{
		"name":        "writers",
		"description": "can edit documents",
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create role status: %d", resp.StatusCode)
	}
	role := decode[map[string]any](t, resp)
	roleID := role["id"].(string)

	resp = api.post("/v1/users/"+memberID+"/roles", map[string]any{"role_id": roleID}, adminHeader)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected assign status: %d", resp.StatusCode)
	}

	// Grant the role write access on a document.
	resp = api.post("/v1/documents/doc-1/acl", map[string]any{
		"role_id": roleID,
		"level":   "write",
	}, adminHeader)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected acl grant status: %d", resp.StatusCode)
	}

	// The member can now open the document at write level.
	resp = api.get("/v1/documents/doc-1/access", url.Values{"level": []string{"write"}}, memberHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected access status: %d", resp.StatusCode)
	}
	verdict := decode[map[string]any](t, resp)
	if verdict["allowed"] != true {
		t.Fatalf("expected write access to be allowed: %v", verdict)
	}

	// And the document shows up in their accessible list.
	resp = api.get("/v1/documents", url.Values{"min_level": []string{"write"}}, memberHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected documents status: %d", resp.StatusCode)
	}
	docs := decode[map[string]any](t, resp)
	list := docs["documents"].([]any)
	if len(list) != 1 || list[0] != "doc-1" {
		t.Fatalf("unexpected accessible documents: %v", list)
	}

	// Revoking the role entry takes the access away.
	resp = api.do(http.MethodDelete, "/v1/documents/doc-1/acl?role_id="+roleID, nil, adminHeader)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected acl revoke status: %d", resp.StatusCode)
	}
	resp = api.get("/v1/documents/doc-1/access", url.Values{"level": []string{"write"}}, memberHeader)
	verdict = decode[map[string]any](t, resp)
	if verdict["allowed"] != false {
		t.Fatalf("expected access revoked: %v", verdict)
	}
}

func TestUserPermissionsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	adminID := api.register("t1", "admin2@example.com", "Sup3r$ecret")
	api.grantAdmin("t1", adminID)
	header, _ := api.login("t1", "admin2@example.com", "Sup3r$ecret")

	resp := api.get("/v1/users/"+adminID+"/permissions", nil, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected permissions status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	perms := payload["permissions"].([]any)
	if len(perms) != 8 {
		t.Fatalf("expected 8 permissions, got %d", len(perms))
	}
}

func TestAuditAndGDPRFlow(t *testing.T) {
	api := newTestAPI(t)
	adminID := api.register("t1", "auditor@example.com", "Sup3r$ecret")
	api.grantAdmin("t1", adminID)
	header, _ := api.login("t1", "auditor@example.com", "Sup3r$ecret")

	// A failed login leaves a trail.
	resp := api.post("/v1/auth/login", map[string]any{
		"tenant_id": "t1",
		"email":     "auditor@example.com",
		"password":  "wrong-password",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/audit/users/"+adminID, nil, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected audit status: %d", resp.StatusCode)
	}
	trail := decode[map[string]any](t, resp)
	if len(trail["entries"].([]any)) == 0 {
		t.Fatalf("expected audit entries for user")
	}

	resp = api.get("/v1/audit/failed", nil, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected failed-events status: %d", resp.StatusCode)
	}
	failed := decode[map[string]any](t, resp)
	if len(failed["entries"].([]any)) == 0 {
		t.Fatalf("expected failed entries")
	}

	resp = api.get("/v1/audit/stats", nil, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stats status: %d", resp.StatusCode)
	}
	stats := decode[map[string]any](t, resp)
	if stats["total_events"].(float64) == 0 {
		t.Fatalf("expected non-zero event total")
	}

	resp = api.get("/v1/gdpr/users/"+adminID+"/export", nil, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected export status: %d", resp.StatusCode)
	}
	export := decode[map[string]any](t, resp)
	if len(export["audit_entries"].([]any)) == 0 {
		t.Fatalf("expected exported entries")
	}

	resp = api.post("/v1/gdpr/users/"+adminID+"/redact", nil, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected redact status: %d", resp.StatusCode)
	}
	redacted := decode[map[string]any](t, resp)
	if redacted["entries_redacted"].(float64) == 0 {
		t.Fatalf("expected redacted entries count")
	}
}

func TestAuditUserTrailScopedToTenant(t *testing.T) {
	api := newTestAPI(t)
	adminID := api.register("t1", "admin4@example.com", "Sup3r$ecret")
	api.grantAdmin("t1", adminID)
	otherID := api.register("t2", "other@example.com", "Sup3r$ecret")
	otherHeader, _ := api.login("t2", "other@example.com", "Sup3r$ecret")
	adminHeader, _ := api.login("t1", "admin4@example.com", "Sup3r$ecret")

	// The user sees their own trail.
	resp := api.get("/v1/audit/users/"+otherID, nil, otherHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected self-trail status: %d", resp.StatusCode)
	}
	own := decode[map[string]any](t, resp)
	if entries, _ := own["entries"].([]any); len(entries) == 0 {
		t.Fatalf("expected entries in own trail")
	}

	// An auditor in another tenant gets nothing across the fence.
	resp = api.get("/v1/audit/users/"+otherID, nil, adminHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected cross-tenant status: %d", resp.StatusCode)
	}
	foreign := decode[map[string]any](t, resp)
	if entries, _ := foreign["entries"].([]any); len(entries) != 0 {
		t.Fatalf("foreign tenant trail leaked: %v", entries)
	}
}

// flakyAuditStore lets a test flip the audit backend into a failing state.
type flakyAuditStore struct {
	audit.Store
	mu   sync.Mutex
	fail bool
}

func (f *flakyAuditStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyAuditStore) Append(ctx context.Context, e *audit.Entry) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("audit store down")
	}
	return f.Store.Append(ctx, e)
}

func TestGrantsFailClosedWhenAuditDown(t *testing.T) {
	flaky := &flakyAuditStore{Store: memory.NewAuditStore()}
	api := newTestAPIWithAudit(t, flaky)
	adminID := api.register("t1", "admin3@example.com", "Sup3r$ecret")
	memberID := api.register("t1", "member3@example.com", "Sup3r$ecret")
	api.grantAdmin("t1", adminID)
	header, _ := api.login("t1", "admin3@example.com", "Sup3r$ecret")

	flaky.setFail(true)
	resp := api.post("/v1/documents/doc-9/acl", map[string]any{
		"user_id": memberID,
		"level":   "read",
	}, header)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unaudited grant, got %d", resp.StatusCode)
	}

	// With the trail back, the same grant goes through.
	flaky.setFail(false)
	resp = api.post("/v1/documents/doc-9/acl", map[string]any{
		"user_id": memberID,
		"level":   "read",
	}, header)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected grant status: %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status for %s: %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
