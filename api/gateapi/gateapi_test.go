package gateapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdgate/cmdgate/internal/admin"
	"github.com/cmdgate/cmdgate/internal/admission"
	"github.com/cmdgate/cmdgate/internal/audit"
	"github.com/cmdgate/cmdgate/internal/bootstrap"
	"github.com/cmdgate/cmdgate/internal/ledger"
	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/storage"
	"github.com/cmdgate/cmdgate/storage/model"
)

const (
	adminKey  = "admin-test-key"
	memberKey = "member-test-key"
)

type testEnv struct {
	app      *fiber.App
	backends model.Backends
}

func newTestEnv(t *testing.T, opts *Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	s, err := storage.NewStorage(
		storage.Config{
			Driver:           storage.DriverSQLite,
			DataDir:          t.TempDir(),
			CredentialPepper: "test-pepper",
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	backends := s.Backends()

	matcher, err := rules.NewMatcher(ctx, backends.Rules, rules.Options{})
	require.NoError(t, err)
	seed := bootstrap.DefaultSeed(adminKey)
	seed.Principals = append(
		seed.Principals, bootstrap.SeedPrincipal{
			Username: "member",
			Role:     string(model.RoleMember),
			Credits:  100,
			APIKey:   memberKey,
		},
	)
	_, err = bootstrap.Apply(ctx, backends.Principals, matcher, seed)
	require.NoError(t, err)

	l := ledger.New(backends.Ledger, 0)
	auditService := audit.NewService(backends, nil)
	services := Services{
		Principals: backends.Principals,
		Pipeline:   admission.NewPipeline(backends, matcher, l, admission.Options{CommandCost: 10}),
		Matcher:    matcher,
		Audit:      auditService,
		Admin:      admin.NewService(backends, matcher, l, auditService),
	}
	app := fiber.New()
	require.NoError(t, Register(app.Group("/"), services, opts))
	return &testEnv{
		app:      app,
		backends: backends,
	}
}

func (e *testEnv) do(t *testing.T, method, target, key string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, ErrorCodeUnauthorized, decode[Error](t, body).Error)

	status, _ = env.do(t, http.MethodGet, "/me", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = env.do(t, http.MethodGet, "/me", memberKey, nil)
	require.Equal(t, http.StatusOK, status)
	me := decode[map[string]any](t, body)
	assert.Equal(t, "member", me["username"])
	assert.Equal(t, "member", me["role"])
	assert.EqualValues(t, 100, me["credits"])
	assert.NotContains(t, me, "credential_digest")

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+adminKey)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, &Options{RateLimit: RateLimit{RequestsPerSecond: 100, Burst: 10}})

	for _, target := range []string{"/nope", "/me/extra", "/v2/commands"} {
		status, _ := env.do(t, http.MethodGet, target, "", nil)
		assert.Equal(t, http.StatusNotFound, status, target)
	}
	status, _ := env.do(t, http.MethodGet, "/logs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = env.do(t, http.MethodGet, "/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = env.do(t, http.MethodGet, "/users", memberKey, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestOpenAPIDocument(t *testing.T) {
	env := newTestEnv(t, &Options{ServerURL: "https://gate.example.org"})
	status, body := env.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "https://gate.example.org")
	assert.Contains(t, string(body), "/commands")
}

func TestCommands(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/commands", memberKey, commandRequest{CommandText: "ls -la"})
	require.Equal(t, http.StatusOK, status, string(body))
	res := decode[admission.Result](t, body)
	assert.Equal(t, model.StatusExecuted, res.Status)
	assert.EqualValues(t, 90, res.NewBalance)

	status, body = env.do(t, http.MethodPost, "/commands", memberKey, commandRequest{CommandText: "rm -rf /"})
	require.Equal(t, http.StatusOK, status)
	res = decode[admission.Result](t, body)
	assert.Equal(t, model.StatusRejected, res.Status)
	assert.EqualValues(t, 90, res.NewBalance)

	status, body = env.do(t, http.MethodPost, "/commands", memberKey, commandRequest{CommandText: "make build"})
	require.Equal(t, http.StatusOK, status)
	res = decode[admission.Result](t, body)
	assert.Equal(t, model.StatusRejected, res.Status)
	assert.Equal(t, model.ReasonNoMatchingRule, res.Reason)

	status, _ = env.do(t, http.MethodPost, "/commands", memberKey, commandRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/commands", "", commandRequest{CommandText: "ls"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCommands_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	status, body := env.do(
		t, http.MethodPut, "/users/update?target_key="+memberKey, adminKey, map[string]any{"credits": 5},
	)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = env.do(t, http.MethodPost, "/commands", memberKey, commandRequest{CommandText: "ls"})
	require.Equal(t, http.StatusPaymentRequired, status)
	res := decode[admission.Result](t, body)
	assert.Equal(t, model.StatusRejected, res.Status)
	assert.Equal(t, model.ReasonInsufficientCredits, res.Reason)
	assert.EqualValues(t, 5, res.NewBalance)

	status, body = env.do(t, http.MethodGet, "/logs", memberKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.LogEntry](t, body), 1)
}

func TestLogs_Isolation(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, key := range []string{memberKey, adminKey, memberKey} {
		status, _ := env.do(t, http.MethodPost, "/commands", key, commandRequest{CommandText: "pwd"})
		require.Equal(t, http.StatusOK, status)
	}

	status, body := env.do(t, http.MethodGet, "/logs?role_filter=all", memberKey, nil)
	require.Equal(t, http.StatusOK, status)
	entries := decode[[]model.LogEntry](t, body)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "member", e.Username)
	}

	status, body = env.do(
		t, http.MethodGet, "/logs?target_api_key="+url.QueryEscape(adminKey), memberKey, nil,
	)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.LogEntry](t, body), 2)

	status, body = env.do(t, http.MethodGet, "/logs?sort_order=asc", adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	entries = decode[[]model.LogEntry](t, body)
	require.Len(t, entries, 3)
	assert.Equal(t, "member", entries[0].Username)
	assert.Equal(t, "admin", entries[1].Username)

	status, body = env.do(t, http.MethodGet, "/logs?role_filter=members", adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.LogEntry](t, body), 2)

	status, body = env.do(t, http.MethodGet, "/logs?role_filter=mine&limit=1", adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.LogEntry](t, body), 1)

	status, body = env.do(
		t, http.MethodGet, "/logs?role_filter=admins&target_api_key="+url.QueryEscape(memberKey), adminKey, nil,
	)
	require.Equal(t, http.StatusOK, status)
	entries = decode[[]model.LogEntry](t, body)
	require.Len(t, entries, 2)
	assert.Equal(t, "member", entries[0].Username)

	status, _ = env.do(t, http.MethodGet, "/logs?status_filter=maybe", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/logs/verify", memberKey, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, body = env.do(t, http.MethodGet, "/logs/verify", adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	report := decode[audit.Report](t, body)
	assert.True(t, report.Valid)
	assert.EqualValues(t, 3, report.Entries)
}

func TestRules(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/rules", memberKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.Rule](t, body), 5)

	newRule := model.AddRule{Pattern: `^make\b`, Action: "AUTO_ACCEPT"}
	status, _ = env.do(t, http.MethodPost, "/rules", memberKey, newRule)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = env.do(t, http.MethodPost, "/rules", adminKey, model.AddRule{Pattern: "(", Action: "AUTO_ACCEPT"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, ErrorCodeInvalidPattern, decode[Error](t, body).Error)

	status, body = env.do(t, http.MethodPost, "/rules", adminKey, model.AddRule{Pattern: "x", Action: "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = env.do(t, http.MethodPost, "/rules", adminKey, newRule)
	require.Equal(t, http.StatusCreated, status, string(body))
	rule := decode[model.Rule](t, body)
	assert.EqualValues(t, 6, rule.Sequence)

	status, body = env.do(t, http.MethodPost, "/commands", memberKey, commandRequest{CommandText: "make build"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StatusExecuted, decode[admission.Result](t, body).Status)

	status, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/rules/%d", rule.ID), memberKey, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/rules/%d", rule.ID), adminKey, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/rules/%d", rule.ID), adminKey, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodDelete, "/rules/abc", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodPost, "/commands", memberKey, commandRequest{CommandText: "make build"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StatusRejected, decode[admission.Result](t, body).Status)
}

func TestUsers(t *testing.T) {
	env := newTestEnv(t, nil)

	status, _ := env.do(t, http.MethodGet, "/users", memberKey, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodPost, "/users/generate", memberKey, admin.NewPrincipal{Username: "x"})
	assert.Equal(t, http.StatusForbidden, status)

	status, body := env.do(
		t, http.MethodPost, "/users/generate", adminKey, admin.NewPrincipal{Username: "carol", Credits: 30},
	)
	require.Equal(t, http.StatusCreated, status, string(body))
	created := decode[map[string]any](t, body)
	assert.Equal(t, "carol", created["username"])
	assert.Equal(t, "member", created["role"])
	carolKey, _ := created["api_key"].(string)
	require.NotEmpty(t, carolKey)

	status, _ = env.do(t, http.MethodPost, "/users/generate", adminKey, admin.NewPrincipal{Username: "carol"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodGet, "/me", carolKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 30, decode[map[string]any](t, body)["credits"])

	status, body = env.do(t, http.MethodGet, "/users/search?target_key="+url.QueryEscape(carolKey), adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "carol", decode[model.Principal](t, body).Username)
	status, _ = env.do(t, http.MethodGet, "/users/search?target_key=nope", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodGet, "/users/search", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(
		t, http.MethodPut, "/users/update?target_key="+url.QueryEscape(carolKey), adminKey,
		map[string]any{"username": "caroline", "role": "admin"},
	)
	require.Equal(t, http.StatusOK, status, string(body))
	updated := decode[model.Principal](t, body)
	assert.Equal(t, "caroline", updated.Username)
	assert.Equal(t, model.RoleAdmin, updated.Role)

	status, body = env.do(
		t, http.MethodPost, "/users/credit?target_key="+url.QueryEscape(carolKey), adminKey,
		creditRequest{Amount: 20},
	)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.EqualValues(t, 50, decode[model.Principal](t, body).Credits)

	status, body = env.do(t, http.MethodGet, "/users", adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.Principal](t, body), 3)

	status, _ = env.do(t, http.MethodPost, "/commands", carolKey, commandRequest{CommandText: "ls"})
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodDelete, "/users/delete?target_key="+url.QueryEscape(carolKey), adminKey, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = env.do(t, http.MethodGet, "/me", carolKey, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = env.do(t, http.MethodGet, "/logs", adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	entries := decode[[]model.LogEntry](t, body)
	require.Len(t, entries, 1)
	assert.Equal(t, "caroline", entries[0].Username)
}

func TestSettings_CommandCost(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/settings/command_cost", memberKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 10, decode[commandCost](t, body).CommandCost)

	status, _ = env.do(t, http.MethodPut, "/settings/command_cost", memberKey, commandCost{CommandCost: 1})
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodPut, "/settings/command_cost", adminKey, commandCost{CommandCost: -1})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodPut, "/settings/command_cost", adminKey, commandCost{CommandCost: 25})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, "/commands", memberKey, commandRequest{CommandText: "ls"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 75, decode[admission.Result](t, body).NewBalance)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &Options{RateLimit: RateLimit{RequestsPerSecond: 0.001, Burst: 2}})

	for range 2 {
		status, _ := env.do(t, http.MethodGet, "/me", memberKey, nil)
		require.Equal(t, http.StatusOK, status)
	}
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(HeaderAPIKey, memberKey)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))

	status, _ := env.do(t, http.MethodGet, "/me", adminKey, nil)
	assert.Equal(t, http.StatusOK, status)
}
