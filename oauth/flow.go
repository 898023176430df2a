package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// flagWindow is how long review flags against a client accumulate.
const flagWindow = 24 * time.Hour

// AuthorizeRequest is the authorize-step input, after the resource owner
// has authenticated. UserID identifies the approving user.
type AuthorizeRequest struct {
	ClientID        string
	RedirectURI     string
	Scope           []string
	UserID          string
	TenantID        string
	CodeChallenge   string
	ChallengeMethod string
}

// ExchangeRequest is the token-step input for the authorization_code grant.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	RedirectURI  string
}

// Flow validates authorize and exchange requests against the client
// registry and the code store. Minting the resulting session and tokens is
// the caller's job; Exchange hands back the verified grant.
type Flow struct {
	registry *Registry
	codes    *CodeStore
	redis    redis.UniversalClient
}

// NewFlow wires the flow pieces together.
func NewFlow(registry *Registry, codes *CodeStore, client redis.UniversalClient) (*Flow, error) {
	if registry == nil || codes == nil || client == nil {
		return nil, errors.New("registry, code store, and redis client are required")
	}
	return &Flow{registry: registry, codes: codes, redis: client}, nil
}

// Authorize validates the client and redirect URI and mints a single-use
// authorization code bound to the PKCE challenge.
func (f *Flow) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.UserID == "" {
		return "", errors.New("user id is required")
	}

	client, err := f.registry.Get(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if !client.allowsGrant(GrantAuthorizationCode) {
		return "", ErrGrantNotAllowed
	}
	if !client.allowsRedirect(req.RedirectURI) {
		return "", ErrClientUnauthorized
	}

	if req.CodeChallenge == "" {
		if client.Public {
			return "", ErrPKCERequired
		}
	} else if req.ChallengeMethod != ChallengeMethodS256 {
		return "", ErrPKCEMethodUnsupported
	}

	return f.codes.Issue(ctx, Grant{
		ClientID:    client.ID,
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		RedirectURI: req.RedirectURI,
		Scope:       req.Scope,
		Challenge:   req.CodeChallenge,
	})
}

// Exchange redeems an authorization code. On success the returned grant
// names the user the caller mints tokens for. Replayed codes and codes
// presented by the wrong client fail closed and flag the client for review.
func (f *Flow) Exchange(ctx context.Context, req ExchangeRequest) (Grant, error) {
	client, err := f.registry.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return Grant{}, err
	}
	if !client.allowsGrant(GrantAuthorizationCode) {
		return Grant{}, ErrGrantNotAllowed
	}

	grant, err := f.codes.Consume(ctx, req.Code)
	if err != nil {
		if errors.Is(err, ErrCodeReplay) {
			f.flag(ctx, client.ID)
		}
		return Grant{}, err
	}

	// A code minted for another client is a theft signal, not a typo.
	if grant.ClientID != client.ID {
		f.flag(ctx, client.ID)
		return Grant{}, ErrCodeInvalid
	}
	if grant.RedirectURI != req.RedirectURI {
		return Grant{}, ErrClientUnauthorized
	}

	if grant.Challenge != "" {
		if err := VerifyS256(grant.Challenge, req.CodeVerifier); err != nil {
			return Grant{}, err
		}
	} else if req.CodeVerifier != "" {
		return Grant{}, ErrPKCEVerifierInvalid
	}

	return grant, nil
}

// AuthenticateForRefresh validates client credentials for the refresh_token
// grant. The rotation itself happens in the session engine.
func (f *Flow) AuthenticateForRefresh(ctx context.Context, clientID, clientSecret string) (Client, error) {
	client, err := f.registry.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return Client{}, err
	}
	if !client.allowsGrant(GrantRefreshToken) {
		return Client{}, ErrGrantNotAllowed
	}
	return client, nil
}

// Flags reports how many review flags a client accumulated in the current
// window.
func (f *Flow) Flags(ctx context.Context, clientID string) (int64, error) {
	n, err := f.redis.Get(ctx, flagKey(clientID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return n, nil
}

func flagKey(clientID string) string {
	return "ocflag:" + clientID
}

// flag is best-effort; a failed flag write must not mask the security error
// the caller is about to return.
func (f *Flow) flag(ctx context.Context, clientID string) {
	key := flagKey(clientID)
	if n, err := f.redis.Incr(ctx, key).Result(); err == nil && n == 1 {
		_ = f.redis.Expire(ctx, key, flagWindow).Err()
	}
}
