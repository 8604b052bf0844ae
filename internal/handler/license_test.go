package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/qqqwwwyeee-boop/server5/internal/database/databasetest"
	"github.com/qqqwwwyeee-boop/server5/internal/lifecycle"
	"github.com/qqqwwwyeee-boop/server5/internal/metrics"
	"github.com/qqqwwwyeee-boop/server5/internal/model"
	"github.com/qqqwwwyeee-boop/server5/internal/service"
	"github.com/qqqwwwyeee-boop/server5/internal/store"
	"github.com/qqqwwwyeee-boop/server5/internal/util"
)

const (
	testJWTSecret   = "handler-test-secret"
	testAdminSecret = "letmein"
)

type testEnv struct {
	app   *fiber.App
	token string
	now   time.Time
}

func setupApp(t *testing.T, configure func(d *Deps)) *testEnv {
	t.Helper()

	db := databasetest.Open(t)
	st := store.NewGormStore(db)

	env := &testEnv{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminSecret), bcrypt.MinCost)
	require.NoError(t, err)

	m := metrics.NewManager(st)
	deps := Deps{
		Licenses:        service.NewLicenseService(st, service.WithClock(func() time.Time { return env.now }), service.WithCheckObserver(m)),
		Audit:           service.NewAuditLog(db),
		Metrics:         m,
		JWTSecret:       testJWTSecret,
		AdminSecretHash: string(hash),
		TokenTTL:        time.Hour,
	}
	if configure != nil {
		configure(&deps)
	}
	env.app = NewApp(deps)

	env.token, err = util.GenerateToken(testJWTSecret, "tester", util.RoleAdmin, time.Hour)
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, auth bool) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

type checkBody struct {
	DeviceID string `json:"device_id,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
}

func TestHandleHome(t *testing.T) {
	env := setupApp(t, nil)
	status, body := env.do(t, http.MethodGet, "/", nil, false)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "online", body["status"])
}

func TestManagementRequiresToken(t *testing.T) {
	env := setupApp(t, nil)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/activate"},
		{http.MethodPost, "/deactivate"},
		{http.MethodPost, "/extend"},
		{http.MethodPost, "/suspend"},
		{http.MethodPost, "/resume"},
		{http.MethodGet, "/list"},
		{http.MethodGet, "/stats"},
		{http.MethodGet, "/logs"},
		{http.MethodGet, "/usage/K1"},
	}
	for _, r := range routes {
		t.Run(r.path, func(t *testing.T) {
			status, _ := env.do(t, r.method, r.path, nil, false)
			assert.Equal(t, fiber.StatusUnauthorized, status)
		})
	}
}

func TestActivateAndCheck(t *testing.T) {
	env := setupApp(t, nil)

	status, body := env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "abc123", "months": 1}, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ABC123", body["key"])
	assert.Equal(t, "2026-05-31T08:00:00Z", body["expiry"])

	status, body = env.do(t, http.MethodPost, "/check/ABC123", nil, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, false, body["registered"])
	assert.Equal(t, "", body["resume"])
	assert.Equal(t, float64(1), body["months"])
}

func TestActivatePermanentWhenMonthsOmitted(t *testing.T) {
	env := setupApp(t, nil)

	status, body := env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "FOREVER"}, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "permanent", body["expiry"])
}

func TestCheckBinding(t *testing.T) {
	env := setupApp(t, nil)
	_, _ = env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "K1", "months": 3}, true)

	dev := checkBody{DeviceID: "DEV-1", FilePath: "/opt/ea/bot.ex5", FileHash: "abc"}

	status, body := env.do(t, http.MethodPost, "/check/k1", dev, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["registered"])

	status, body = env.do(t, http.MethodPost, "/check/K1", dev, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, true, body["registered"])

	other := checkBody{DeviceID: "DEV-2", FilePath: dev.FilePath, FileHash: dev.FileHash}
	status, body = env.do(t, http.MethodPost, "/check/K1", other, false)
	require.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "blocked", body["status"])
	assert.Equal(t, "Access denied: Different device", body["message"])
	assert.NotContains(t, body, "expiry")
}

func TestCheckIgnoresMalformedBody(t *testing.T) {
	env := setupApp(t, nil)
	_, _ = env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "K1", "months": 1}, true)

	req := httptest.NewRequest(http.MethodPost, "/check/K1", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestCheckIgnoresOversizedFingerprint(t *testing.T) {
	env := setupApp(t, nil)
	_, _ = env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "K1", "months": 1}, true)

	huge := checkBody{DeviceID: strings.Repeat("D", 513), FilePath: "/opt/ea/bot.ex5", FileHash: "abc"}
	status, body := env.do(t, http.MethodPost, "/check/K1", huge, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["registered"])

	// the key is still free for a well-formed first use
	dev := checkBody{DeviceID: "DEV-1", FilePath: "/opt/ea/bot.ex5", FileHash: "abc"}
	status, body = env.do(t, http.MethodPost, "/check/K1", dev, false)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["registered"])
}

// gatedMirror holds each write until released, then records the key it got.
type gatedMirror struct {
	release chan struct{}
	mu      sync.Mutex
	keys    []string
}

func (m *gatedMirror) SyncKey(ctx context.Context, k *model.LicenseKey) error {
	select {
	case <-m.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, k.Key)
	return nil
}

func TestCheckKeySurvivesLaterRequests(t *testing.T) {
	ctx := context.Background()
	db := databasetest.Open(t)
	st := store.NewGormStore(db)
	mirror := &gatedMirror{release: make(chan struct{})}
	licenses := service.NewLicenseService(st, service.WithMirror(mirror))
	app := NewApp(Deps{Licenses: licenses, Audit: service.NewAuditLog(db), JWTSecret: testJWTSecret})

	_, err := st.Upsert(ctx, "ABCD1234", func(*model.LicenseKey) (*model.LicenseKey, error) {
		return lifecycle.NewKey("ABCD1234", 1, time.Now()), nil
	})
	require.NoError(t, err)

	post := func(path, body string) {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	post("/check/ABCD1234", `{"device_id":"DEV-1"}`)
	for _, path := range []string{"/check/WXYZ5678", "/check/ZZZZ9999", "/check/QQQQ0000"} {
		post(path, `{"device_id":"DEV-9"}`)
	}

	close(mirror.release)
	licenses.Close()
	assert.Equal(t, []string{"ABCD1234"}, mirror.keys)
}

func TestCheckUnknownKey(t *testing.T) {
	env := setupApp(t, nil)

	status, body := env.do(t, http.MethodPost, "/check/MISSING", nil, false)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["found"])

	status, _ = env.do(t, http.MethodPost, "/check/bad-key!", nil, false)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSuspendAutoResumes(t *testing.T) {
	env := setupApp(t, nil)
	_, _ = env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "K1", "months": 1}, true)

	status, body := env.do(t, http.MethodPost, "/suspend", fiber.Map{"key": "K1", "hours": 1}, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "2026-05-01T09:00:00Z", body["resume"])

	_, body = env.do(t, http.MethodPost, "/check/K1", nil, false)
	assert.Equal(t, "suspended", body["status"])
	assert.Equal(t, "2026-05-01T09:00:00Z", body["resume"])

	env.now = env.now.Add(time.Hour)
	_, body = env.do(t, http.MethodPost, "/check/K1", nil, false)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "", body["resume"])
}

func TestManagementOnMissingKey(t *testing.T) {
	env := setupApp(t, nil)

	tests := []struct {
		path string
		body fiber.Map
	}{
		{"/deactivate", fiber.Map{"key": "GHOST"}},
		{"/extend", fiber.Map{"key": "GHOST", "months": 1}},
		{"/suspend", fiber.Map{"key": "GHOST", "hours": 1}},
		{"/resume", fiber.Map{"key": "GHOST"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, tt.path, tt.body, true)
			assert.Equal(t, fiber.StatusOK, status)
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestManagementValidation(t *testing.T) {
	env := setupApp(t, nil)

	tests := []struct {
		name string
		path string
		body fiber.Map
	}{
		{"missing key", "/activate", fiber.Map{"months": 1}},
		{"non alphanumeric key", "/activate", fiber.Map{"key": "AB-12", "months": 1}},
		{"negative months", "/activate", fiber.Map{"key": "K1", "months": -1}},
		{"zero extension", "/extend", fiber.Map{"key": "K1", "months": 0}},
		{"zero hours", "/suspend", fiber.Map{"key": "K1", "hours": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, tt.path, tt.body, true)
			assert.Equal(t, fiber.StatusBadRequest, status)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestExtendDeactivateResume(t *testing.T) {
	env := setupApp(t, nil)
	_, _ = env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "K1", "months": 1}, true)

	status, body := env.do(t, http.MethodPost, "/deactivate", fiber.Map{"key": "K1"}, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])

	_, body = env.do(t, http.MethodPost, "/check/K1", nil, false)
	assert.Equal(t, "inactive", body["status"])

	status, body = env.do(t, http.MethodPost, "/extend", fiber.Map{"key": "K1", "months": 2}, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "2026-07-30T08:00:00Z", body["expiry"])

	_, body = env.do(t, http.MethodPost, "/check/K1", nil, false)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, float64(3), body["months"])

	status, body = env.do(t, http.MethodPost, "/resume", fiber.Map{"key": "K1"}, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
}

func TestListAndStats(t *testing.T) {
	env := setupApp(t, nil)
	for _, k := range []string{"A1", "B2", "C3"} {
		_, _ = env.do(t, http.MethodPost, "/activate", fiber.Map{"key": k, "months": 1}, true)
	}
	_, _ = env.do(t, http.MethodPost, "/suspend", fiber.Map{"key": "B2", "hours": 5}, true)
	_, _ = env.do(t, http.MethodPost, "/deactivate", fiber.Map{"key": "C3"}, true)

	status, body := env.do(t, http.MethodGet, "/list", nil, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), body["total"])
	keys, ok := body["keys"].([]interface{})
	require.True(t, ok)
	require.Len(t, keys, 3)
	first := keys[0].(map[string]interface{})
	assert.Contains(t, first, "activated")
	assert.Contains(t, first, "registered")

	status, body = env.do(t, http.MethodGet, "/stats", nil, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), body["total_keys"])
	assert.Equal(t, float64(1), body["active_keys"])
	assert.Equal(t, float64(1), body["suspended_keys"])
	assert.Equal(t, float64(1), body["inactive_keys"])
}

func TestLogsAndUsage(t *testing.T) {
	env := setupApp(t, nil)
	_, _ = env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "K1", "months": 1}, true)
	_, _ = env.do(t, http.MethodPost, "/check/K1", checkBody{DeviceID: "DEV-1"}, false)
	_, _ = env.do(t, http.MethodPost, "/check/K1", checkBody{DeviceID: "DEV-2"}, false)

	status, body := env.do(t, http.MethodGet, "/logs?page=1&page_size=10", nil, true)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])
	logs := body["logs"].([]interface{})
	require.Len(t, logs, 1)
	entry := logs[0].(map[string]interface{})
	assert.Equal(t, "activate", entry["action"])
	assert.Equal(t, "tester", entry["actor"])
	assert.NotEmpty(t, entry["request_id"])

	status, body = env.do(t, http.MethodGet, "/usage/k1", nil, true)
	require.Equal(t, fiber.StatusOK, status)
	usages := body["usages"].([]interface{})
	require.Len(t, usages, 2)
	latest := usages[0].(map[string]interface{})
	assert.Equal(t, "blocked", latest["result"])
}

func TestIssueToken(t *testing.T) {
	env := setupApp(t, nil)

	status, _ := env.do(t, http.MethodPost, "/auth/token", fiber.Map{"secret": "wrong"}, false)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := env.do(t, http.MethodPost, "/auth/token", fiber.Map{"secret": testAdminSecret}, false)
	require.Equal(t, fiber.StatusOK, status)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	env.token = token
	status, _ = env.do(t, http.MethodGet, "/stats", nil, true)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestIssueTokenWithoutConfiguredSecret(t *testing.T) {
	env := setupApp(t, func(d *Deps) { d.AdminSecretHash = "" })

	status, _ := env.do(t, http.MethodPost, "/auth/token", fiber.Map{"secret": testAdminSecret}, false)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestCheckRateLimit(t *testing.T) {
	env := setupApp(t, func(d *Deps) { d.CheckRateLimit = 2 })

	for i := 0; i < 2; i++ {
		status, _ := env.do(t, http.MethodPost, "/check/K1", nil, false)
		assert.Equal(t, fiber.StatusOK, status)
	}
	status, _ := env.do(t, http.MethodPost, "/check/K1", nil, false)
	assert.Equal(t, fiber.StatusTooManyRequests, status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupApp(t, nil)
	_, _ = env.do(t, http.MethodPost, "/activate", fiber.Map{"key": "K1", "months": 1}, true)
	_, _ = env.do(t, http.MethodPost, "/check/K1", nil, false)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `server5_license_checks_total{result="active"} 1`)
	assert.Contains(t, string(raw), `server5_license_keys{status="active"} 1`)
}
