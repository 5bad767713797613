package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"agentdeck-backend/types"
)

const (
	// SessionCookieName holds the signed identity token for browser clients.
	SessionCookieName = "agentdeck_session"
	stateCookieName   = "agentdeck_oauth_nonce"

	sessionTTL = 7 * 24 * time.Hour
	stateTTL   = 5 * time.Minute
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// oauthEndpoints are the provider URLs, either configured directly or
// discovered from the server metadata document.
type oauthEndpoints struct {
	Authorize string `json:"authorization_endpoint"`
	Token     string `json:"token_endpoint"`
	Userinfo  string `json:"userinfo_endpoint"`
}

var (
	endpointsMu     sync.Mutex
	cachedEndpoints *oauthEndpoints
)

// resolveEndpoints returns the provider endpoints, fetching the OIDC metadata
// document once when only server_metadata_url is configured.
func resolveEndpoints(ctx context.Context) (*oauthEndpoints, error) {
	if AuthCfg.AuthorizeURL != "" && AuthCfg.TokenURL != "" && AuthCfg.UserinfoURL != "" {
		return &oauthEndpoints{
			Authorize: AuthCfg.AuthorizeURL,
			Token:     AuthCfg.TokenURL,
			Userinfo:  AuthCfg.UserinfoURL,
		}, nil
	}

	endpointsMu.Lock()
	defer endpointsMu.Unlock()
	if cachedEndpoints != nil {
		return cachedEndpoints, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, AuthCfg.ServerMetadataURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch server metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch server metadata: status %d", resp.StatusCode)
	}

	var eps oauthEndpoints
	if err := json.NewDecoder(resp.Body).Decode(&eps); err != nil {
		return nil, fmt.Errorf("decode server metadata: %w", err)
	}
	if eps.Authorize == "" || eps.Token == "" || eps.Userinfo == "" {
		return nil, fmt.Errorf("server metadata missing required endpoints")
	}
	cachedEndpoints = &eps
	return cachedEndpoints, nil
}

// signState signs a payload with HMAC SHA-256.
func signState(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

type statePayload struct {
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"exp"`
}

func newState(secret string) (state, nonce string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	nonce = hex.EncodeToString(buf)
	raw, err := json.Marshal(statePayload{
		Nonce:     nonce,
		ExpiresAt: time.Now().Add(stateTTL).Unix(),
	})
	if err != nil {
		return "", "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + signState(secret, payload), nonce, nil
}

// verifyState checks the signature, expiry and nonce binding of a returned
// state value. Any failure is a state mismatch; the callback never proceeds
// with a partially valid state.
func verifyState(secret, state, cookieNonce string) error {
	parts := strings.SplitN(state, ".", 2)
	if len(parts) != 2 {
		return &types.AuthError{Kind: types.AuthStateMismatch, Detail: "malformed state"}
	}
	if !hmac.Equal([]byte(signState(secret, parts[0])), []byte(parts[1])) {
		return &types.AuthError{Kind: types.AuthStateMismatch, Detail: "bad signature"}
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return &types.AuthError{Kind: types.AuthStateMismatch, Detail: "bad payload encoding"}
	}
	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &types.AuthError{Kind: types.AuthStateMismatch, Detail: "bad payload"}
	}
	if time.Now().Unix() > payload.ExpiresAt {
		return &types.AuthError{Kind: types.AuthStateMismatch, Detail: "state expired"}
	}
	if cookieNonce == "" || payload.Nonce != cookieNonce {
		return &types.AuthError{Kind: types.AuthStateMismatch, Detail: "nonce mismatch"}
	}
	return nil
}

func redirectURI(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/oauth/callback", scheme, c.Request.Host)
}

// Login starts the OAuth flow: signed state, nonce cookie, provider redirect.
func Login(c *gin.Context) {
	if !AuthEnabled() {
		c.Redirect(http.StatusFound, "/")
		return
	}
	eps, err := resolveEndpoints(c.Request.Context())
	if err != nil {
		log.Printf("Failed to resolve auth endpoints: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "authentication provider unavailable"})
		return
	}
	state, nonce, err := newState(AuthCfg.SessionSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create state"})
		return
	}
	c.SetCookie(stateCookieName, nonce, int(stateTTL.Seconds()), "/", "", false, true)

	q := url.Values{}
	q.Set("client_id", AuthCfg.ClientID)
	q.Set("redirect_uri", redirectURI(c))
	q.Set("response_type", "code")
	q.Set("scope", AuthCfg.Scope)
	q.Set("state", state)
	c.Redirect(http.StatusFound, eps.Authorize+"?"+q.Encode())
}

// OAuthCallback completes the login flow. Failures render an error page; an
// identity is only ever issued after a fully successful exchange.
func OAuthCallback(c *gin.Context) {
	if !AuthEnabled() {
		c.Redirect(http.StatusFound, "/")
		return
	}
	cookieNonce, _ := c.Cookie(stateCookieName)
	c.SetCookie(stateCookieName, "", -1, "/", "", false, true)

	if err := verifyState(AuthCfg.SessionSecret, c.Query("state"), cookieNonce); err != nil {
		log.Printf("OAuth state verification failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}

	user, err := completeLogin(c.Request.Context(), code, redirectURI(c))
	if err != nil {
		log.Printf("Login failed: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login failed"})
		return
	}

	token, err := issueSessionToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.SetCookie(SessionCookieName, token, int(sessionTTL.Seconds()), "/", "", false, true)
	c.Redirect(http.StatusFound, "/")
}

// completeLogin exchanges the authorization code and resolves the caller's
// identity from the userinfo document. The returned user ID comes from the
// configured identity claim; a missing claim is a hard failure.
func completeLogin(ctx context.Context, code, redirect string) (*types.User, error) {
	eps, err := resolveEndpoints(ctx)
	if err != nil {
		return nil, &types.AuthError{Kind: types.AuthExchangeFailed, Detail: err.Error()}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirect)
	form.Set("client_id", AuthCfg.ClientID)
	form.Set("client_secret", AuthCfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, eps.Token, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &types.AuthError{Kind: types.AuthExchangeFailed, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &types.AuthError{Kind: types.AuthExchangeFailed, Detail: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &types.AuthError{
			Kind:   types.AuthExchangeFailed,
			Detail: fmt.Sprintf("token endpoint status %d", resp.StatusCode),
		}
	}
	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil || tokenResp.AccessToken == "" {
		return nil, &types.AuthError{Kind: types.AuthExchangeFailed, Detail: "no access token in response"}
	}

	return fetchUserinfo(ctx, eps.Userinfo, tokenResp.AccessToken)
}

func fetchUserinfo(ctx context.Context, userinfoURL, accessToken string) (*types.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return nil, &types.AuthError{Kind: types.AuthExchangeFailed, Detail: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &types.AuthError{Kind: types.AuthExchangeFailed, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &types.AuthError{
			Kind:   types.AuthExchangeFailed,
			Detail: fmt.Sprintf("userinfo endpoint status %d", resp.StatusCode),
		}
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, &types.AuthError{Kind: types.AuthExchangeFailed, Detail: "decode userinfo"}
	}

	id := claimString(claims, AuthCfg.IDClaim)
	if id == "" {
		return nil, &types.AuthError{
			Kind:   types.AuthMissingClaim,
			Detail: fmt.Sprintf("claim %q absent from userinfo", AuthCfg.IDClaim),
		}
	}
	name := claimString(claims, "name")
	if name == "" {
		name = claimString(claims, "login")
	}
	if name == "" {
		name = id
	}
	return &types.User{ID: id, Name: name, Claims: claims}, nil
}

// claimString renders a claim value as a string. Some providers return
// numeric identifiers (GitHub's "id"); those are formatted without a
// fractional part.
func claimString(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func issueSessionToken(user *types.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  user.ID,
		"name": user.Name,
		"iat":  now.Unix(),
		"exp":  now.Add(sessionTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(AuthCfg.SessionSecret))
}

// parseSessionToken validates a session cookie and returns the identity it
// carries. Expired or tampered tokens yield no identity.
func parseSessionToken(tokenStr string) (*types.User, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(AuthCfg.SessionSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	name, _ := claims["name"].(string)
	return &types.User{ID: sub, Name: name}, nil
}

// Logout clears the session cookie. The identity token is stateless so the
// cookie removal is the revocation.
func Logout(c *gin.Context) {
	c.SetCookie(SessionCookieName, "", -1, "/", "", false, true)
	c.Redirect(http.StatusFound, "/login")
}

// AuthUser reports whether auth is enabled and who the caller is. Public
// route; a nil user with auth enabled means the client should log in.
func AuthUser(c *gin.Context) {
	var user *types.User
	if AuthEnabled() {
		user = currentUser(c)
	}
	c.JSON(http.StatusOK, gin.H{
		"auth_enabled": AuthEnabled(),
		"user":         user,
	})
}
