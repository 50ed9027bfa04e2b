package mutebot

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPISecret = "hunter2"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t testing.TB, env *muteTestEnv) *API {
	t.Helper()
	cfg := DefaultConfig().API
	cfg.Enabled = true
	cfg.Secret = testAPISecret
	cfg.Listen = "127.0.0.1:0"
	cfg.LogLevel.Set(slog.LevelWarn)

	d, _ := newTestDiscord(t, env.guild)
	api, err := newAPI(
		&APIHandlers{
			mutes:     env.svc,
			settings:  env.store,
			scheduler: env.scheduler,
			discord:   d,
		},
		cfg,
	)
	require.NoError(t, err)
	return api
}

// apiRequest sends a request to the API's handler, with the test secret
// unless a different Authorization header is given
func apiRequest(
	t testing.TB,
	api *API,
	method string,
	path string,
	body any,
	headers ...string,
) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearerPrefix+testAPISecret)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_Auth(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	api := newTestAPI(t, env)
	path := "/api/guilds/" + testGuildID + "/mutes"

	w := apiRequest(t, api, http.MethodGet, path, nil, "Authorization", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, api, http.MethodGet, path, nil, "Authorization", bearerPrefix+"wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, api, http.MethodGet, path, nil, "Authorization", testAPISecret)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, api, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAuthMiddleware_EmptySecret(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(authMiddleware(""))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearerPrefix)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	env.guild.addMember(testGuildID, "1001", "1")
	api := newTestAPI(t, env)

	_, err := env.svc.Mute(context.Background(), testGuildID, "1001", testMuteRole, time.Hour)
	require.NoError(t, err)

	// no auth needed
	w := apiRequest(t, api, http.MethodGet, apiHealthCheck, nil, "Authorization", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeJSON[healthCheckResponse](t, w)
	assert.Equal(t, 1, health.PendingUnmutes)
	assert.False(t, health.DiscordGatewayConnected)

	assert.Zero(t, health.UnmutesFired)
	assert.Zero(t, health.UnmutesCanceled)

	_, err = env.svc.Lift(context.Background(), testGuildID, "1001")
	require.NoError(t, err)

	api.handlers.discord.connected.Store(true)
	w = apiRequest(t, api, http.MethodGet, apiHealthCheck, nil)
	health = decodeJSON[healthCheckResponse](t, w)
	assert.True(t, health.DiscordGatewayConnected)
	assert.Equal(t, 0, health.PendingUnmutes)
	assert.Equal(t, int64(1), health.UnmutesCanceled)
}

func TestAPI_Pprof(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	path := pprofPrefix + "/pprof/"

	api := newTestAPI(t, env)
	w := apiRequest(t, api, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	cfg := DefaultConfig().API
	cfg.Enabled = true
	cfg.Secret = testAPISecret
	cfg.Debug = true
	cfg.LogLevel.Set(slog.LevelWarn)
	debugAPI, err := newAPI(&APIHandlers{mutes: env.svc, settings: env.store}, cfg)
	require.NoError(t, err)

	w = apiRequest(t, debugAPI, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "goroutine")
}

func TestAPI_CreateListLiftMute(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	env.guild.addMember(testGuildID, "1001", "1", "2")
	env.guild.addMember(testGuildID, "1002", "3")
	api := newTestAPI(t, env)
	mutesPath := "/api/guilds/" + testGuildID + "/mutes"

	w := apiRequest(
		t,
		api,
		http.MethodPost,
		mutesPath,
		createMuteRequest{UserID: "1001", Duration: "2h"},
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJSON[muteResponse](t, w)
	assert.Equal(t, "1001", created.UserID)
	assert.Equal(t, testMuteRole, created.SentinelRoleID)
	assert.Equal(t, RoleIDs{"1", "2"}, created.SavedRoleIDs)
	assert.Equal(t, 2*time.Hour, created.UnmuteAtTime.Sub(created.MutedAtTime))

	w = apiRequest(
		t,
		api,
		http.MethodPost,
		mutesPath,
		createMuteRequest{UserID: "1002", Duration: "30m"},
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = apiRequest(t, api, http.MethodGet, mutesPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeJSON[[]muteResponse](t, w)
	require.Len(t, listed, 2)
	assert.Equal(t, "1002", listed[0].UserID)
	assert.Equal(t, "1001", listed[1].UserID)

	w = apiRequest(t, api, http.MethodDelete, mutesPath+"/1001", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	lifted := decodeJSON[liftResponse](t, w)
	require.NotNil(t, lifted.Mute)
	assert.Equal(t, "1001", lifted.Mute.UserID)
	assert.Equal(t, []string{"1", "2"}, lifted.RestoredRoles)
	assert.Empty(t, lifted.FailedRoles)
	assert.Equal(t, []string{"1", "2"}, env.guild.held(testGuildID, "1001"))

	w = apiRequest(t, api, http.MethodDelete, mutesPath+"/1001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, api, http.MethodGet, mutesPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]muteResponse](t, w), 1)
}

func TestAPI_CreateMuteErrors(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	env.guild.addMember(testGuildID, "1001", "1")
	api := newTestAPI(t, env)
	mutesPath := "/api/guilds/" + testGuildID + "/mutes"

	testCases := []struct {
		name     string
		body     any
		expected int
	}{
		{
			name:     "missing duration",
			body:     map[string]string{"user_id": "1001"},
			expected: http.StatusBadRequest,
		},
		{
			name:     "non-numeric user",
			body:     createMuteRequest{UserID: "someone", Duration: "30m"},
			expected: http.StatusBadRequest,
		},
		{
			name:     "bad duration",
			body:     createMuteRequest{UserID: "1001", Duration: "1h30m"},
			expected: http.StatusBadRequest,
		},
		{
			name:     "not a member",
			body:     createMuteRequest{UserID: "2002", Duration: "30m"},
			expected: http.StatusNotFound,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				w := apiRequest(t, api, http.MethodPost, mutesPath, tc.body)
				assert.Equal(t, tc.expected, w.Code, w.Body.String())
				assert.NotEmpty(t, decodeJSON[httpError](t, w).Error)
			},
		)
	}

	req := httptest.NewRequest(http.MethodPost, mutesPath, strings.NewReader("{"))
	req.Header.Set("Authorization", bearerPrefix+testAPISecret)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.svc.defaultMuteRoleID = ""
	w = apiRequest(
		t,
		api,
		http.MethodPost,
		mutesPath,
		createMuteRequest{UserID: "1001", Duration: "30m"},
	)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestAPI_CreateMuteRoleFailure(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	env.guild.addMember(testGuildID, "1001", "1")
	env.guild.setFailAdd(testMuteRole, assert.AnError)
	api := newTestAPI(t, env)

	w := apiRequest(
		t,
		api,
		http.MethodPost,
		"/api/guilds/"+testGuildID+"/mutes",
		createMuteRequest{UserID: "1001", Duration: "30m"},
	)
	assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	assert.Equal(t, []string{"1"}, env.guild.held(testGuildID, "1001"))
}

func TestAPI_Settings(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	api := newTestAPI(t, env)
	settingsPath := "/api/guilds/" + testGuildID + "/settings"

	w := apiRequest(t, api, http.MethodGet, settingsPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings := decodeJSON[GuildSettings](t, w)
	assert.Equal(t, testGuildID, settings.GuildID)
	assert.Empty(t, settings.MuteRoleID)

	w = apiRequest(t, api, http.MethodPut, settingsPath, updateSettingsRequest{MuteRoleID: "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, api, http.MethodPut, settingsPath, updateSettingsRequest{MuteRoleID: "901"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "901", decodeJSON[GuildSettings](t, w).MuteRoleID)

	roleID, err := env.svc.MuteRoleFor(context.Background(), testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "901", roleID)
}

func TestAPI_CORS(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	cfg := DefaultConfig().API
	cfg.Enabled = true
	cfg.Secret = testAPISecret
	cfg.LogLevel.Set(slog.LevelWarn)
	cfg.CORS.AllowOrigins = []string{"https://admin.example.com"}
	api, err := newAPI(&APIHandlers{mutes: env.svc, settings: env.store}, cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodOptions, "/api/guilds/1/mutes", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPI_Serve(t *testing.T) {
	t.Parallel()
	env := newMuteTestEnv(t, MutesConfig{})
	api := newTestAPI(t, env)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	api.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	served := make(chan error, 1)
	go func() {
		served <- api.Serve(ctx)
	}()

	require.Eventually(
		t,
		func() bool {
			resp, err := http.Get("http://" + ln.Addr().String() + apiHealthCheck) //nolint:noctx
			if err != nil {
				return false
			}
			_ = resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		},
		5*time.Second,
		20*time.Millisecond,
	)

	require.NoError(t, api.httpServer.Shutdown(context.Background()))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}
