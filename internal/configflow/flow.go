// Package configflow adds accounts: it exchanges credentials for a refresh
// token, de-duplicates on the Auth0 account id and persists a new entry.
// Reauth replaces the token of an entry whose credentials stopped working.
package configflow

import (
	"context"
	"errors"
	"fmt"

	"sagecoffee/internal/entry"
	"sagecoffee/internal/sage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Step names offered by the flow menu
const (
	StepPassword = "password"
	StepToken    = "token"
	StepReauth   = "reauth"
)

// Form error codes
const (
	ErrCodeInvalidAuth  = "invalid_auth"
	ErrCodeInvalidBrand = "invalid_brand"
	ErrCodeUnknown      = "unknown"
	ErrCodeRequired     = "required"
)

// Abort reasons
const (
	AbortAlreadyConfigured = "already_configured"
	AbortWrongAccount      = "wrong_account"
)

const entryTitle = "Sage Coffee"

// ErrAlreadyConfigured is wrapped by aborts for an account that exists
var ErrAlreadyConfigured = errors.New("account already configured")

// Brands maps selectable brands to their labels
var Brands = map[string]string{
	entry.BrandSage:     "Sage",
	entry.BrandBreville: "Breville",
}

// Menu lists the flow steps
var Menu = []string{StepPassword, StepToken}

// FormError is a recoverable input error; the form should be shown again
type FormError struct {
	Field string
	Code  string
	Err   error
}

func (e *FormError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Code)
}

func (e *FormError) Unwrap() error {
	return e.Err
}

// AbortError ends the flow without creating an entry
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return "flow aborted: " + e.Reason
}

func (e *AbortError) Unwrap() error {
	if e.Reason == AbortAlreadyConfigured {
		return ErrAlreadyConfigured
	}
	return nil
}

// PasswordInput is submitted by the password step
type PasswordInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Brand    string `json:"brand"`
}

// TokenInput is submitted by the token step
type TokenInput struct {
	RefreshToken string `json:"refresh_token"`
	Brand        string `json:"brand"`
}

// ReauthInput is submitted by the reauth step: either a refresh token or a
// username and password
type ReauthInput struct {
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

// Loader sets up an entry once it has been stored and reloads it after its
// credentials changed
type Loader interface {
	Setup(ctx context.Context, e entry.Entry) error
	UpdateEntry(e entry.Entry)
	Reload(ctx context.Context, id string) error
}

// Flow creates config entries
type Flow struct {
	auth   sage.Authenticator
	store  entry.Store
	loader Loader
	logger *zap.Logger
}

// New creates a config flow. loader may be nil to only persist entries.
func New(auth sage.Authenticator, store entry.Store, loader Loader, logger *zap.Logger) *Flow {
	return &Flow{
		auth:   auth,
		store:  store,
		loader: loader,
		logger: logger.Named("configflow"),
	}
}

// Password logs in with username and password
func (f *Flow) Password(ctx context.Context, in PasswordInput) (entry.Entry, error) {
	if err := checkBrand(in.Brand); err != nil {
		return entry.Entry{}, err
	}
	if in.Username == "" {
		return entry.Entry{}, &FormError{Field: "username", Code: ErrCodeRequired}
	}
	if in.Password == "" {
		return entry.Entry{}, &FormError{Field: "password", Code: ErrCodeRequired}
	}

	tokens, err := f.auth.PasswordRealmLogin(ctx, in.Username, in.Password)
	if err != nil {
		f.logger.Debug("Password login failed", zap.Error(err))
		return entry.Entry{}, &FormError{Field: "base", Code: ErrCodeInvalidAuth, Err: err}
	}

	return f.create(ctx, tokens, tokens.RefreshToken, in.Brand)
}

// Token validates an existing refresh token
func (f *Flow) Token(ctx context.Context, in TokenInput) (entry.Entry, error) {
	if err := checkBrand(in.Brand); err != nil {
		return entry.Entry{}, err
	}
	if in.RefreshToken == "" {
		return entry.Entry{}, &FormError{Field: "refresh_token", Code: ErrCodeRequired}
	}

	tokens, err := f.auth.Refresh(ctx, in.RefreshToken)
	if err != nil {
		f.logger.Debug("Token refresh failed", zap.Error(err))
		return entry.Entry{}, &FormError{Field: "base", Code: ErrCodeInvalidAuth, Err: err}
	}

	// Auth0 may rotate the token on use
	refreshToken := in.RefreshToken
	if tokens.RefreshToken != "" {
		refreshToken = tokens.RefreshToken
	}

	return f.create(ctx, tokens, refreshToken, in.Brand)
}

func (f *Flow) create(ctx context.Context, tokens *sage.Tokens, refreshToken, brand string) (entry.Entry, error) {
	if refreshToken == "" {
		return entry.Entry{}, &FormError{Field: "base", Code: ErrCodeInvalidAuth, Err: errors.New("no refresh token returned")}
	}

	// Without an account id the entry cannot be de-duplicated
	uniqueID := tokens.Auth0Sub()
	if uniqueID == "" {
		f.logger.Warn("Token response carries no account id; skipping duplicate check")
		uniqueID = uuid.NewString()
	} else {
		exists, err := f.store.ExistsUniqueID(ctx, uniqueID)
		if err != nil {
			return entry.Entry{}, &FormError{Field: "base", Code: ErrCodeUnknown, Err: err}
		}
		if exists {
			return entry.Entry{}, &AbortError{Reason: AbortAlreadyConfigured}
		}
	}

	e := entry.Entry{
		Title:        entryTitle,
		UniqueID:     uniqueID,
		RefreshToken: refreshToken,
		Brand:        brand,
	}
	if err := f.store.Create(ctx, &e); err != nil {
		if errors.Is(err, entry.ErrDuplicate) {
			return entry.Entry{}, &AbortError{Reason: AbortAlreadyConfigured}
		}
		return entry.Entry{}, &FormError{Field: "base", Code: ErrCodeUnknown, Err: err}
	}

	f.logger.Info("Created config entry",
		zap.String("entry_id", e.ID),
		zap.String("brand", e.Brand))

	if f.loader != nil {
		if err := f.loader.Setup(ctx, e); err != nil {
			// the entry stays stored and can be reloaded later
			f.logger.Warn("Config entry created but setup failed",
				zap.String("entry_id", e.ID),
				zap.Error(err))
		}
	}
	return e, nil
}

// Reauth authenticates again for the entry id, stores the new refresh token
// and reloads the entry. The credentials must belong to the account the
// entry was created for. A missing entry returns entry.ErrNotFound.
func (f *Flow) Reauth(ctx context.Context, id string, in ReauthInput) (entry.Entry, error) {
	e, err := f.store.Get(ctx, id)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("reauth %s: %w", id, err)
	}

	var (
		tokens       *sage.Tokens
		refreshToken string
	)
	switch {
	case in.RefreshToken != "":
		tokens, err = f.auth.Refresh(ctx, in.RefreshToken)
		refreshToken = in.RefreshToken
	case in.Username == "":
		return entry.Entry{}, &FormError{Field: "username", Code: ErrCodeRequired}
	case in.Password == "":
		return entry.Entry{}, &FormError{Field: "password", Code: ErrCodeRequired}
	default:
		tokens, err = f.auth.PasswordRealmLogin(ctx, in.Username, in.Password)
	}
	if err != nil {
		f.logger.Debug("Re-authentication failed", zap.String("entry_id", id), zap.Error(err))
		return entry.Entry{}, &FormError{Field: "base", Code: ErrCodeInvalidAuth, Err: err}
	}
	if tokens.RefreshToken != "" {
		refreshToken = tokens.RefreshToken
	}
	if refreshToken == "" {
		return entry.Entry{}, &FormError{Field: "base", Code: ErrCodeInvalidAuth, Err: errors.New("no refresh token returned")}
	}

	if sub := tokens.Auth0Sub(); sub != "" && sub != e.UniqueID {
		f.logger.Warn("Re-authenticated with a different account",
			zap.String("entry_id", id),
			zap.String("unique_id", sub))
		return entry.Entry{}, &AbortError{Reason: AbortWrongAccount}
	}

	if err := f.store.UpdateRefreshToken(ctx, id, refreshToken); err != nil {
		return entry.Entry{}, &FormError{Field: "base", Code: ErrCodeUnknown, Err: err}
	}
	e.RefreshToken = refreshToken

	f.logger.Info("Updated config entry credentials", zap.String("entry_id", id))

	if f.loader != nil {
		f.loader.UpdateEntry(e)
		err := f.loader.Reload(ctx, id)
		if errors.Is(err, entry.ErrNotFound) {
			err = f.loader.Setup(ctx, e)
		}
		if err != nil {
			f.logger.Warn("Config entry re-authenticated but reload failed",
				zap.String("entry_id", id),
				zap.Error(err))
		}
	}
	return e, nil
}

func checkBrand(brand string) error {
	if _, ok := Brands[brand]; !ok {
		return &FormError{Field: "brand", Code: ErrCodeInvalidBrand}
	}
	return nil
}
