package identity

import (
	"context"
	"errors"

	"github.com/veridianerp/identity/internal/events"
	"github.com/veridianerp/identity/metrics"
	"github.com/veridianerp/identity/oauth"
)

// OAuthClient re-exports the registry's client type for registration calls.
type OAuthClient = oauth.Client

// OAuthAuthorizeRequest asks for an authorization code on behalf of the
// user identified by AccessToken. The code binds the client, redirect URI,
// scope, and PKCE challenge; it says nothing about the user's credentials,
// which were checked when the access token was minted.
type OAuthAuthorizeRequest struct {
	AccessToken     string
	ClientID        string
	RedirectURI     string
	Scope           []string
	CodeChallenge   string
	ChallengeMethod string
}

// OAuthTokenRequest is the token-endpoint input for both supported grants.
type OAuthTokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code grant.
	Code         string
	CodeVerifier string
	RedirectURI  string

	// refresh_token grant.
	RefreshToken string
}

// RegisterClient adds an application to the shared client registry; it
// serves token requests on every instance immediately.
func (e *Engine) RegisterClient(ctx context.Context, client OAuthClient, secret string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	return e.withRetry(ctx, func(ctx context.Context) error {
		return e.clients.Register(ctx, client, secret)
	})
}

// RotateClientSecret replaces a confidential client's secret.
func (e *Engine) RotateClientSecret(ctx context.Context, clientID, newSecret string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	return e.withRetry(ctx, func(ctx context.Context) error {
		return e.clients.RotateSecret(ctx, clientID, newSecret)
	})
}

// Clients lists the registered applications.
func (e *Engine) Clients(ctx context.Context) ([]OAuthClient, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	var out []OAuthClient
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.clients.List(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// ClientFlags reports how many review flags a client accumulated in the
// current window. Replayed and stolen codes raise flags.
func (e *Engine) ClientFlags(ctx context.Context, clientID string) (int64, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.oauthFlow.Flags(ctx, clientID)
}

// OAuthAuthorize validates the requesting user's access token and mints a
// single-use authorization code for the client.
func (e *Engine) OAuthAuthorize(ctx context.Context, req OAuthAuthorizeRequest) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}

	principal, err := e.Validate(ctx, req.AccessToken)
	if err != nil {
		return "", err
	}

	var code string
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		code, err = e.oauthFlow.Authorize(ctx, oauth.AuthorizeRequest{
			ClientID:        req.ClientID,
			RedirectURI:     req.RedirectURI,
			Scope:           req.Scope,
			UserID:          principal.UserID,
			TenantID:        principal.TenantID,
			CodeChallenge:   req.CodeChallenge,
			ChallengeMethod: req.ChallengeMethod,
		})
		return err
	}); err != nil {
		if errors.Is(err, oauth.ErrClientUnauthorized) {
			return "", ErrClientUnauthorized
		}
		return "", err
	}

	e.metrics.Inc(metrics.OAuthCodeIssued)
	return code, nil
}

// OAuthToken serves the token endpoint for the authorization_code and
// refresh_token grants.
func (e *Engine) OAuthToken(ctx context.Context, req OAuthTokenRequest) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	switch req.GrantType {
	case oauth.GrantAuthorizationCode:
		return e.exchangeCode(ctx, req)

	case oauth.GrantRefreshToken:
		if _, err := e.oauthFlow.AuthenticateForRefresh(ctx, req.ClientID, req.ClientSecret); err != nil {
			if errors.Is(err, oauth.ErrClientUnauthorized) {
				return nil, ErrClientUnauthorized
			}
			return nil, err
		}
		return e.Refresh(ctx, req.RefreshToken)

	default:
		return nil, oauth.ErrGrantNotAllowed
	}
}

func (e *Engine) exchangeCode(ctx context.Context, req OAuthTokenRequest) (*TokenPair, error) {
	var grant oauth.Grant
	if err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		grant, err = e.oauthFlow.Exchange(ctx, oauth.ExchangeRequest{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			Code:         req.Code,
			CodeVerifier: req.CodeVerifier,
			RedirectURI:  req.RedirectURI,
		})
		return err
	}); err != nil {
		switch {
		case errors.Is(err, oauth.ErrCodeReplay):
			e.metrics.Inc(metrics.OAuthCodeReplay)
			ev := e.newEvent(events.TypeCodeReplayDetected, "", tenantIDFromContext(ctx))
			ev.ClientID = req.ClientID
			e.emit(ev)
			return nil, ErrCodeReplay
		case errors.Is(err, oauth.ErrClientUnauthorized):
			return nil, ErrClientUnauthorized
		}
		return nil, err
	}

	user, err := e.directory.FindByID(ctx, grant.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != AccountActive {
		return nil, ErrAccountDisabled
	}

	result, err := e.mintSession(ctx, user, grant.TenantID, DeviceContext{}, 0, false, grant.Scope)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(metrics.OAuthCodeExchanged)
	return &result.Tokens, nil
}
