package sage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedIDToken(t *testing.T, sub string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: sub})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestTokens_Auth0Sub(t *testing.T) {
	tokens := &Tokens{IDToken: signedIDToken(t, "auth0|abc123")}
	assert.Equal(t, "auth0|abc123", tokens.Auth0Sub())

	assert.Empty(t, (&Tokens{}).Auth0Sub())
	assert.Empty(t, (&Tokens{IDToken: "not-a-jwt"}).Auth0Sub())
}

func TestAuthClient_PasswordRealmLogin(t *testing.T) {
	idToken := signedIDToken(t, "auth0|user")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var form map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&form))

		if form["password"] != "secret" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "Wrong email or password.",
			})
			return
		}

		assert.Equal(t, passwordRealmGrant, form["grant_type"])
		assert.Equal(t, "client", form["client_id"])
		assert.Equal(t, defaultRealm, form["realm"])
		json.NewEncoder(w).Encode(Tokens{RefreshToken: "rt-1", IDToken: idToken})
	}))
	defer server.Close()

	client := NewAuthClient(server.URL, "client", "")

	tokens, err := client.PasswordRealmLogin(context.Background(), "me@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", tokens.RefreshToken)
	assert.Equal(t, "auth0|user", tokens.Auth0Sub())

	_, err = client.PasswordRealmLogin(context.Background(), "me@example.com", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestAuthClient_Refresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var form map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&form))
		assert.Equal(t, refreshTokenGrant, form["grant_type"])
		assert.Equal(t, "old-token", form["refresh_token"])
		json.NewEncoder(w).Encode(Tokens{AccessToken: "at", RefreshToken: "rotated"})
	}))
	defer server.Close()

	tokens, err := NewAuthClient(server.URL, "client", "").Refresh(context.Background(), "old-token")
	require.NoError(t, err)
	assert.Equal(t, "rotated", tokens.RefreshToken)
}

func TestAuthClient_MissingDomain(t *testing.T) {
	_, err := NewAuthClient("", "client", "").Refresh(context.Background(), "token")
	assert.ErrorIs(t, err, ErrMissingDomain)
}
