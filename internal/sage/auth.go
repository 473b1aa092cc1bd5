package sage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	passwordRealmGrant = "http://auth0.com/oauth/grant-type/password-realm"
	refreshTokenGrant  = "refresh_token"
	defaultScope       = "openid profile email offline_access"
	defaultRealm       = "Username-Password-Authentication"
	authTimeout        = 15 * time.Second
)

// ErrMissingDomain is returned when no Auth0 domain was configured
var ErrMissingDomain = errors.New("sage: auth domain not configured")

// Tokens is the result of a successful token exchange
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Auth0Sub returns the subject of the id token, or "" when it is absent.
// The token signature is not verified; it only serves as an account key.
func (t *Tokens) Auth0Sub() string {
	if t.IDToken == "" {
		return ""
	}
	token, _, err := jwt.NewParser().ParseUnverified(t.IDToken, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// Authenticator exchanges credentials for tokens
type Authenticator interface {
	PasswordRealmLogin(ctx context.Context, username, password string) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}

// AuthClient talks to the Auth0 token endpoint
type AuthClient struct {
	domain     string
	clientID   string
	realm      string
	httpClient *http.Client
}

// NewAuthClient creates an Auth0 client. An empty realm uses the default database realm.
func NewAuthClient(domain, clientID, realm string) *AuthClient {
	if realm == "" {
		realm = defaultRealm
	}
	return &AuthClient{
		domain:     strings.TrimRight(domain, "/"),
		clientID:   clientID,
		realm:      realm,
		httpClient: &http.Client{Timeout: authTimeout},
	}
}

// PasswordRealmLogin logs in with username and password
func (a *AuthClient) PasswordRealmLogin(ctx context.Context, username, password string) (*Tokens, error) {
	return a.exchange(ctx, map[string]string{
		"grant_type": passwordRealmGrant,
		"client_id":  a.clientID,
		"username":   username,
		"password":   password,
		"realm":      a.realm,
		"scope":      defaultScope,
	})
}

// Refresh exchanges a refresh token for fresh tokens
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	return a.exchange(ctx, map[string]string{
		"grant_type":    refreshTokenGrant,
		"client_id":     a.clientID,
		"refresh_token": refreshToken,
	})
}

func (a *AuthClient) tokenURL() string {
	if strings.HasPrefix(a.domain, "http://") || strings.HasPrefix(a.domain, "https://") {
		return a.domain + "/oauth/token"
	}
	return "https://" + a.domain + "/oauth/token"
}

func (a *AuthClient) exchange(ctx context.Context, form map[string]string) (*Tokens, error) {
	if a.domain == "" {
		return nil, ErrMissingDomain
	}

	body, err := json.Marshal(form)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var authErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.Unmarshal(payload, &authErr) == nil && authErr.Error != "" {
			return nil, fmt.Errorf("token request rejected: %s - %s", authErr.Error, authErr.Description)
		}
		return nil, fmt.Errorf("token request rejected: status %d", resp.StatusCode)
	}

	var tokens Tokens
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &tokens, nil
}
