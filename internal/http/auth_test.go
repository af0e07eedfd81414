package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mediagate/internal/cache"
)

// memMetadataStore is a map-backed cache.Store for handler tests.
type memMetadataStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func (m *memMetadataStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memMetadataStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]string)
	}
	m.entries[key] = value
	return nil
}

func (m *memMetadataStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memMetadataStore) Ping(context.Context) error { return nil }

func newMemMetadataCache(t *testing.T) *cache.MetadataCache {
	t.Helper()
	return cache.New(&memMetadataStore{}, 300*time.Second, nil)
}

func newAdminHarness(t *testing.T, password string) *testHarness {
	t.Helper()
	th := newHarness(t, &fakeEngine{})

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	th.handler.cfg.AdminPasswordHash = string(hash)
	th.handler.cfg.AdminJWTSecret = "test-secret"
	th.handler.cfg.AdminTokenTTL = time.Hour
	th.handler.cache = newMemMetadataCache(t)

	// Re-register routes now that the admin group is enabled.
	th.router = gin.New()
	th.handler.RegisterRoutes(th.router)
	return th
}

func (th *testHarness) login(t *testing.T, password string) (string, int) {
	t.Helper()
	rec := th.post("/admin/login", gin.H{"password": password})
	if rec.Code != http.StatusOK {
		return "", rec.Code
	}
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Token, rec.Code
}

func (th *testHarness) authed(method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	th.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminDisabledWithoutConfig(t *testing.T) {
	th := newHarness(t, &fakeEngine{})

	rec := th.post("/admin/login", gin.H{"password": "anything"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminLogin(t *testing.T) {
	th := newAdminHarness(t, "hunter2")

	_, code := th.login(t, "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	tok, code := th.login(t, "hunter2")
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, tok)
}

func TestAdminRoutesRequireBearer(t *testing.T) {
	th := newAdminHarness(t, "hunter2")

	rec := th.authed(http.MethodGet, "/admin/vpn/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = th.authed(http.MethodGet, "/admin/vpn/status", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, _ := th.login(t, "hunter2")
	rec = th.authed(http.MethodGet, "/admin/vpn/status", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "instance-sg", body["id"])
}

func TestAdminVPNReconnectAndReset(t *testing.T) {
	th := newAdminHarness(t, "hunter2")
	tok, _ := th.login(t, "hunter2")

	rec := th.authed(http.MethodPost, "/admin/vpn/reconnect", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, th.control.statusCalls)

	rec = th.authed(http.MethodPost, "/admin/vpn/reset", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "true")
}

func TestAdminCleanup(t *testing.T) {
	th := newAdminHarness(t, "hunter2")
	tok, _ := th.login(t, "hunter2")

	rec := th.authed(http.MethodPost, "/admin/cleanup", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "removed")
}
