package ambassador

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testAdminUsername = "admin"

// apiRequest serves a request against the admin API, with an optional
// JSON body and session cookies
func apiRequest(
	t testing.TB,
	a *Ambassador,
	method string,
	path string,
	body any,
	cookies ...*http.Cookie,
) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	a.api.engine.ServeHTTP(w, req)
	return w.Result()
}

func decodeBody[T any](t testing.TB, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// setAdminCredentials stores hashed admin credentials, as setup would,
// and returns the password
func setAdminCredentials(t testing.TB, a *Ambassador) string {
	t.Helper()
	password := fmt.Sprintf("password_%s", t.Name())
	hashed, err := HashPassword(password)
	require.NoError(t, err)
	a.runtimeConfig.AdminUsername = testAdminUsername
	a.runtimeConfig.AdminPassword = hashed
	a.pendingSetup.Store(false)
	return password
}

// loginTestAdmin logs in and returns the session cookies
func loginTestAdmin(t testing.TB, a *Ambassador) []*http.Cookie {
	t.Helper()
	password := setAdminCredentials(t, a)
	a.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 0)
	resp := apiRequest(
		t, a, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: password},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestAPI_Setup(t *testing.T) {
	a, _ := newTestAmbassador(t)
	a.pendingSetup.Store(true)

	resp := apiRequest(t, a, http.MethodGet, apiPathSetupStatus, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[setupResponse](t, resp).Required)

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+apiPathConfig, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = apiRequest(
		t, a, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        testAdminUsername,
			Password:        "hunter2hunter2",
			ConfirmPassword: "hunter3hunter3",
		},
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = apiRequest(
		t, a, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        testAdminUsername,
			Password:        "hunter2hunter2",
			ConfirmPassword: "hunter2hunter2",
		},
	)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.False(t, a.pendingSetup.Load())

	cfg := a.RuntimeConfig()
	assert.Equal(t, testAdminUsername, cfg.AdminUsername)
	valid, err := VerifyPassword(cfg.AdminPassword, "hunter2hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	var stored RuntimeConfig
	require.NoError(t, a.db.Take(&stored).Error)
	assert.Equal(t, testAdminUsername, stored.AdminUsername)

	resp = apiRequest(
		t, a, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        "someone",
			Password:        "hunter2hunter2",
			ConfirmPassword: "hunter2hunter2",
		},
	)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "setup only runs once")
}

func TestAPI_Login(t *testing.T) {
	a, _ := newTestAmbassador(t)
	password := setAdminCredentials(t, a)
	a.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 0)

	tests := []struct {
		name   string
		login  userLogin
		status int
	}{
		{"wrong password", userLogin{Username: testAdminUsername, Password: "nope"}, http.StatusUnauthorized},
		{"wrong username", userLogin{Username: "root", Password: password}, http.StatusUnauthorized},
		{"missing password", userLogin{Username: testAdminUsername}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				resp := apiRequest(t, a, http.MethodPost, apiPathLogin, tc.login)
				assert.Equal(t, tc.status, resp.StatusCode)
				assert.Empty(t, resp.Cookies())
			},
		)
	}

	resp := apiRequest(
		t, a, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: password},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookies[0].SameSite)

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testAdminUsername, decodeBody[loggedInResponse](t, resp).Username)

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = apiRequest(t, a, http.MethodPost, apiPathLogout, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	loggedOut := resp.Cookies()
	require.NotEmpty(t, loggedOut)

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, loggedOut...)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_LoginRateLimit(t *testing.T) {
	a, _ := newTestAmbassador(t)
	password := setAdminCredentials(t, a)
	login := userLogin{Username: testAdminUsername, Password: password}

	resp := apiRequest(t, a, http.MethodPost, apiPathLogin, login)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = apiRequest(t, a, http.MethodPost, apiPathLogin, login)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAPI_HealthCheck(t *testing.T) {
	a, _ := newTestAmbassador(t)
	a.pendingSetup.Store(true)
	a.discord.connected.Store(true)
	a.discord.messagesSeen.Add(2)

	resp := apiRequest(t, a, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[healthCheckResponse](t, resp)
	assert.True(t, health.PendingSetup)
	assert.False(t, health.Paused)
	require.NotNil(t, health.Gateway)
	assert.True(t, health.Gateway.Connected)
	assert.Equal(t, int64(2), health.Gateway.MessagesSeen)
	assert.NotEmpty(t, resp.Header.Get(xRequestIDHeader))
}

func TestAPI_PauseResume(t *testing.T) {
	a, _ := newTestAmbassador(t)
	cookies := loginTestAdmin(t, a)

	resp := apiRequest(t, a, http.MethodPost, apiPrefix+apiPathPause, nil, cookies...)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, a.paused.Load())
	assert.True(t, a.RuntimeConfig().Paused)

	resp = apiRequest(t, a, http.MethodPost, apiPrefix+apiPathPause, nil, cookies...)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = apiRequest(t, a, http.MethodGet, apiHealthCheck, nil)
	assert.True(t, decodeBody[healthCheckResponse](t, resp).Paused)

	resp = apiRequest(
		t, a, http.MethodPost, apiPrefix+apiPathAutoroleEvaluate+"?guild_id="+testGuildID, nil, cookies...,
	)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "evaluation doesn't run while paused")

	resp = apiRequest(t, a, http.MethodPost, apiPrefix+apiPathResume, nil, cookies...)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, a.paused.Load())

	resp = apiRequest(t, a, http.MethodPost, apiPrefix+apiPathResume, nil, cookies...)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var stored RuntimeConfig
	require.NoError(t, a.db.Take(&stored).Error)
	assert.False(t, stored.Paused)
}

func TestAPI_UpdateRuntimeConfig(t *testing.T) {
	a, _ := newTestAmbassador(t)
	cookies := loginTestAdmin(t, a)

	threshold := 5
	resp := apiRequest(
		t, a, http.MethodPatch, apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{DefaultWarningThreshold: &threshold}, cookies...,
	)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, threshold, decodeBody[RuntimeConfig](t, resp).DefaultWarningThreshold)
	assert.Equal(t, threshold, a.RuntimeConfig().DefaultWarningThreshold)

	resp = apiRequest(
		t, a, http.MethodPatch, apiPrefix+apiPathConfig,
		map[string]any{"log_level": "LOUD"}, cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tooHigh := 1000
	resp = apiRequest(
		t, a, http.MethodPatch, apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{DefaultWarningThreshold: &tooHigh}, cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, threshold, a.RuntimeConfig().DefaultWarningThreshold)
}

func TestAPI_Lists(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	cookies := loginTestAdmin(t, a)
	mustUser(t, a, "1")

	for _, name := range []string{"Rowan", "Ash"} {
		_, err := a.characters.Create(ctx, "1", NewCharacter{Name: name})
		require.NoError(t, err)
	}
	_, err := a.moderation.AddWarning(
		ctx, ModerationRequest{
			GuildID: testGuildID,
			Target:  newTestUser("2"),
			Author:  newTestUser("1"),
			Reason:  "spam",
		},
	)
	require.NoError(t, err)

	resp := apiRequest(t, a, http.MethodGet, apiPrefix+apiPathCharacters+"?limit=1&order=asc", nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	characters := decodeBody[[]Character](t, resp)
	require.Len(t, characters, 1)
	assert.Equal(t, "Rowan", characters[0].Name)

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+apiPathWarnings, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]UserWarning](t, resp), 1)

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+apiPathBans, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]UserBan](t, resp), "empty lists are arrays, not null")

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+apiPathCharacters+"?limit=500", nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+apiPathInteractionLogs, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_Users(t *testing.T) {
	a, _ := newTestAmbassador(t)
	cookies := loginTestAdmin(t, a)
	mustUser(t, a, "1")

	resp := apiRequest(t, a, http.MethodGet, apiPrefix+"/users/404", nil, cookies...)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ignored := true
	resp = apiRequest(t, a, http.MethodPatch, apiPrefix+"/users/1", apiPatchUser{Ignored: &ignored}, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[User](t, resp).Ignored)

	resp = apiRequest(t, a, http.MethodPatch, apiPrefix+"/users/1", map[string]any{}, cookies...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Catalog(t *testing.T) {
	a, _ := newTestAmbassador(t)
	cookies := loginTestAdmin(t, a)

	resp := apiRequest(t, a, http.MethodPost, apiPrefix+apiPathCatalogSeed, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, len(seedSpecies), decodeBody[SeedResult](t, resp).Species)

	colour := NewColour{Name: "Teal", Hex: "#008080"}
	resp = apiRequest(t, a, http.MethodPost, apiPrefix+apiPathColours, colour, cookies...)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = apiRequest(t, a, http.MethodPost, apiPrefix+apiPathColours, colour, cookies...)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = apiRequest(
		t, a, http.MethodPost, apiPrefix+apiPathColours, NewColour{Name: "Mud", Hex: "brown"}, cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+"/species/wolf/transformations", nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decodeBody[[]Transformation](t, resp))

	resp = apiRequest(t, a, http.MethodGet, apiPrefix+"/species/griffin/transformations", nil, cookies...)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = apiRequest(t, a, http.MethodPost, apiPrefix+apiPathAutoroleEvaluate, nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "guild_id is required")
}

func TestAPIErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ErrCharacterNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ErrRoleplayNameTaken), http.StatusConflict},
		{ErrInvalidHexColour, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.status, apiErrorStatus(tc.err), tc.err.Error())
	}
}

func TestAPI_Quit(t *testing.T) {
	a, _ := newTestAmbassador(t)
	cookies := loginTestAdmin(t, a)

	resp := apiRequest(t, a, http.MethodPost, apiPrefix+apiPathQuit, nil, cookies...)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode, "no notifier yet")

	notifier, err := newDBNotifier(a)
	require.NoError(t, err)
	a.dbNotifier = notifier

	resp = apiRequest(t, a, http.MethodPost, apiPrefix+apiPathQuit, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "quitting", decodeBody[httpReply](t, resp).Message)
	select {
	case <-a.signalStop:
	default:
		t.Fatal("stop signal wasn't sent")
	}
}
