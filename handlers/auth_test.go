package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck-backend/server"
	"agentdeck-backend/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// withAuthConfig swaps the injected auth config for the test's duration.
func withAuthConfig(t *testing.T, cfg server.AuthConfig) {
	t.Helper()
	prev := AuthCfg
	AuthCfg = cfg
	t.Cleanup(func() { AuthCfg = prev })
}

func testAuthConfig() server.AuthConfig {
	return server.AuthConfig{
		ClientID:      "client-1",
		ClientSecret:  "secret-1",
		AuthorizeURL:  "https://provider.test/authorize",
		TokenURL:      "https://provider.test/token",
		UserinfoURL:   "https://provider.test/userinfo",
		Scope:         "openid profile email",
		IDClaim:       "sub",
		SessionSecret: "test-session-secret",
	}
}

func makeState(t *testing.T, secret string, payload statePayload) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + signState(secret, encoded)
}

func TestVerifyState(t *testing.T) {
	const secret = "test-secret"
	future := time.Now().Add(time.Minute).Unix()

	tests := []struct {
		name        string
		state       string
		cookieNonce string
		wantErr     bool
		reason      string
	}{
		{
			name:        "valid state",
			state:       makeState(t, secret, statePayload{Nonce: "n1", ExpiresAt: future}),
			cookieNonce: "n1",
			wantErr:     false,
			reason:      "signature, expiry and nonce all match",
		},
		{
			name:        "malformed state",
			state:       "not-a-state",
			cookieNonce: "n1",
			wantErr:     true,
			reason:      "no payload/signature separator",
		},
		{
			name:        "tampered signature",
			state:       makeState(t, "other-secret", statePayload{Nonce: "n1", ExpiresAt: future}),
			cookieNonce: "n1",
			wantErr:     true,
			reason:      "signed with a different secret",
		},
		{
			name:        "expired state",
			state:       makeState(t, secret, statePayload{Nonce: "n1", ExpiresAt: time.Now().Add(-time.Minute).Unix()}),
			cookieNonce: "n1",
			wantErr:     true,
			reason:      "past expiry is rejected",
		},
		{
			name:        "nonce mismatch",
			state:       makeState(t, secret, statePayload{Nonce: "n1", ExpiresAt: future}),
			cookieNonce: "n2",
			wantErr:     true,
			reason:      "state not bound to this browser",
		},
		{
			name:        "missing cookie nonce",
			state:       makeState(t, secret, statePayload{Nonce: "n1", ExpiresAt: future}),
			cookieNonce: "",
			wantErr:     true,
			reason:      "callback without the nonce cookie is rejected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyState(secret, tt.state, tt.cookieNonce)
			if tt.wantErr {
				require.Error(t, err, tt.reason)
				var aerr *types.AuthError
				require.True(t, errors.As(err, &aerr))
				assert.Equal(t, types.AuthStateMismatch, aerr.Kind)
			} else {
				assert.NoError(t, err, tt.reason)
			}
		})
	}
}

func TestClaimString(t *testing.T) {
	tests := []struct {
		name     string
		claims   map[string]any
		key      string
		expected string
	}{
		{
			name:     "string claim",
			claims:   map[string]any{"sub": "alice"},
			key:      "sub",
			expected: "alice",
		},
		{
			name:     "numeric claim",
			claims:   map[string]any{"id": float64(12345678)},
			key:      "id",
			expected: "12345678",
		},
		{
			name:     "missing claim",
			claims:   map[string]any{"sub": "alice"},
			key:      "email",
			expected: "",
		},
		{
			name:     "non-scalar claim",
			claims:   map[string]any{"groups": []any{"a"}},
			key:      "groups",
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, claimString(tt.claims, tt.key))
		})
	}
}

func TestSessionTokenRoundtrip(t *testing.T) {
	withAuthConfig(t, testAuthConfig())

	token, err := issueSessionToken(&types.User{ID: "alice", Name: "Alice"})
	require.NoError(t, err)

	user, err := parseSessionToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)
	assert.Equal(t, "Alice", user.Name)
}

func TestSessionTokenTampered(t *testing.T) {
	withAuthConfig(t, testAuthConfig())

	token, err := issueSessionToken(&types.User{ID: "alice"})
	require.NoError(t, err)

	_, err = parseSessionToken(token + "x")
	assert.Error(t, err, "signature no longer matches")

	cfg := testAuthConfig()
	cfg.SessionSecret = "different-secret"
	withAuthConfig(t, cfg)
	_, err = parseSessionToken(token)
	assert.Error(t, err, "token minted under another secret is rejected")
}

// fakeProvider is an OAuth provider stub serving the token and userinfo
// endpoints from canned responses.
func fakeProvider(t *testing.T, tokenStatus int, userinfo map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "at-1"})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(userinfo)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteLogin(t *testing.T) {
	t.Run("resolves identity from the configured claim", func(t *testing.T) {
		srv := fakeProvider(t, http.StatusOK, map[string]any{
			"sub": "alice", "name": "Alice",
		})
		cfg := testAuthConfig()
		cfg.TokenURL = srv.URL + "/token"
		cfg.UserinfoURL = srv.URL + "/userinfo"
		withAuthConfig(t, cfg)

		user, err := completeLogin(context.Background(), "code-1", "http://app/oauth/callback")
		require.NoError(t, err)
		assert.Equal(t, "alice", user.ID)
		assert.Equal(t, "Alice", user.Name)
	})

	t.Run("numeric id claim is formatted", func(t *testing.T) {
		srv := fakeProvider(t, http.StatusOK, map[string]any{
			"id": 998877, "login": "alice",
		})
		cfg := testAuthConfig()
		cfg.TokenURL = srv.URL + "/token"
		cfg.UserinfoURL = srv.URL + "/userinfo"
		cfg.IDClaim = "id"
		withAuthConfig(t, cfg)

		user, err := completeLogin(context.Background(), "code-1", "http://app/oauth/callback")
		require.NoError(t, err)
		assert.Equal(t, "998877", user.ID)
		assert.Equal(t, "alice", user.Name, "login is the name fallback")
	})

	t.Run("missing claim is a hard failure", func(t *testing.T) {
		srv := fakeProvider(t, http.StatusOK, map[string]any{
			"email": "alice@example.com",
		})
		cfg := testAuthConfig()
		cfg.TokenURL = srv.URL + "/token"
		cfg.UserinfoURL = srv.URL + "/userinfo"
		withAuthConfig(t, cfg)

		_, err := completeLogin(context.Background(), "code-1", "http://app/oauth/callback")
		require.Error(t, err)
		var aerr *types.AuthError
		require.True(t, errors.As(err, &aerr))
		assert.Equal(t, types.AuthMissingClaim, aerr.Kind, "never fall back to another claim or anonymous")
	})

	t.Run("failed exchange surfaces as exchange error", func(t *testing.T) {
		srv := fakeProvider(t, http.StatusBadRequest, nil)
		cfg := testAuthConfig()
		cfg.TokenURL = srv.URL + "/token"
		cfg.UserinfoURL = srv.URL + "/userinfo"
		withAuthConfig(t, cfg)

		_, err := completeLogin(context.Background(), "bad-code", "http://app/oauth/callback")
		require.Error(t, err)
		var aerr *types.AuthError
		require.True(t, errors.As(err, &aerr))
		assert.Equal(t, types.AuthExchangeFailed, aerr.Kind)
	})
}

func TestAuthUser(t *testing.T) {
	authRouter := func() *gin.Engine {
		r := gin.New()
		r.Use(IdentityMiddleware())
		r.GET("/auth/user", AuthUser)
		return r
	}

	t.Run("auth enabled with a valid session", func(t *testing.T) {
		withAuthConfig(t, testAuthConfig())
		r := authRouter()

		token, err := issueSessionToken(&types.User{ID: "alice", Name: "Alice"})
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/user", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			AuthEnabled bool        `json:"auth_enabled"`
			User        *types.User `json:"user"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.AuthEnabled)
		require.NotNil(t, resp.User)
		assert.Equal(t, "alice", resp.User.ID)
		assert.Equal(t, "Alice", resp.User.Name)
	})

	t.Run("auth enabled without a session", func(t *testing.T) {
		withAuthConfig(t, testAuthConfig())
		r := authRouter()

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/user", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["auth_enabled"])
		assert.Nil(t, resp["user"], "anonymous caller gets a null user, not an error")
	})

	t.Run("auth disabled", func(t *testing.T) {
		cfg := testAuthConfig()
		cfg.ClientID = ""
		withAuthConfig(t, cfg)
		r := authRouter()

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/user", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["auth_enabled"])
		assert.Nil(t, resp["user"])
	})
}

func TestLogoutClearsSession(t *testing.T) {
	withAuthConfig(t, testAuthConfig())

	r := gin.New()
	r.GET("/logout", Logout)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	found := false
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == SessionCookieName {
			found = true
			assert.Empty(t, cookie.Value)
			assert.Negative(t, cookie.MaxAge, "cookie is expired immediately")
		}
	}
	assert.True(t, found, "logout must clear the session cookie")
}
