package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/veridianerp/identity/password"
)

var (
	// ErrClientUnauthorized covers unknown clients, bad secrets, and
	// unregistered redirect URIs with one generic failure.
	ErrClientUnauthorized = errors.New("client unauthorized")
	// ErrClientExists is returned when registering a duplicate client id.
	ErrClientExists = errors.New("client already registered")
	// ErrGrantNotAllowed is returned when a client requests a grant type it
	// was not registered for.
	ErrGrantNotAllowed = errors.New("grant type not allowed for client")
)

// Grant type identifiers per RFC 6749.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Client is a registered application. Public clients (native/SPA) carry no
// secret and must use PKCE; confidential clients authenticate with their
// secret on the token endpoint.
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	GrantTypes   []string
	Public       bool

	secretHash string
}

func (c Client) allowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

func (c Client) allowsRedirect(uri string) bool {
	// Exact string match only. Prefix or wildcard matching of redirect
	// URIs is a known open-redirect hazard.
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// storedClient is the persisted shape. The secret hash has to round-trip
// through Redis, so unlike Client it is an exported field here.
type storedClient struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Public       bool     `json:"public,omitempty"`
	SecretHash   string   `json:"secret_hash,omitempty"`
}

func toStored(c Client) storedClient {
	return storedClient{
		ID:           c.ID,
		Name:         c.Name,
		RedirectURIs: c.RedirectURIs,
		GrantTypes:   c.GrantTypes,
		Public:       c.Public,
		SecretHash:   c.secretHash,
	}
}

func (s storedClient) client() Client {
	return Client{
		ID:           s.ID,
		Name:         s.Name,
		RedirectURIs: s.RedirectURIs,
		GrantTypes:   s.GrantTypes,
		Public:       s.Public,
		secretHash:   s.SecretHash,
	}
}

const clientKeyPrefix = "oacl:"

func clientKey(clientID string) string {
	return clientKeyPrefix + clientID
}

// Registry holds registered clients in the shared Redis, so a registration
// on one instance serves token requests on every other. Secrets are
// argon2id-hashed at registration; the plaintext is never retained.
type Registry struct {
	redis  redis.UniversalClient
	hasher *password.Hasher
}

// NewRegistry creates a registry over the shared Redis hashing secrets with
// hasher.
func NewRegistry(client redis.UniversalClient, hasher *password.Hasher) (*Registry, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	return &Registry{redis: client, hasher: hasher}, nil
}

// Register adds a client. secret must be empty for public clients and
// non-empty for confidential ones.
func (r *Registry) Register(ctx context.Context, client Client, secret string) error {
	if client.ID == "" || len(client.RedirectURIs) == 0 || len(client.GrantTypes) == 0 {
		return errors.New("invalid client registration")
	}
	if client.Public != (secret == "") {
		return errors.New("public clients carry no secret, confidential clients require one")
	}
	if secret != "" {
		hash, err := r.hasher.Hash(secret)
		if err != nil {
			return err
		}
		client.secretHash = hash
	}

	data, err := json.Marshal(toStored(client))
	if err != nil {
		return err
	}
	ok, err := r.redis.SetNX(ctx, clientKey(client.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return ErrClientExists
	}
	return nil
}

// RotateSecret replaces a confidential client's secret. Registration is
// otherwise immutable.
func (r *Registry) RotateSecret(ctx context.Context, clientID, newSecret string) error {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if client.Public {
		return ErrClientUnauthorized
	}
	hash, err := r.hasher.Hash(newSecret)
	if err != nil {
		return err
	}
	client.secretHash = hash

	data, err := json.Marshal(toStored(client))
	if err != nil {
		return err
	}
	if err := r.redis.Set(ctx, clientKey(clientID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Get returns a registered client by id.
func (r *Registry) Get(ctx context.Context, clientID string) (Client, error) {
	data, err := r.redis.Get(ctx, clientKey(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Client{}, ErrClientUnauthorized
		}
		return Client{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return Client{}, fmt.Errorf("corrupt client record %s: %w", clientID, err)
	}
	return stored.client(), nil
}

// List returns all clients ordered by id.
func (r *Registry) List(ctx context.Context) ([]Client, error) {
	var keys []string
	iter := r.redis.Scan(ctx, 0, clientKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	out := make([]Client, 0, len(vals))
	for _, v := range vals {
		data, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		var stored storedClient
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return nil, fmt.Errorf("corrupt client record: %w", err)
		}
		out = append(out, stored.client())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Authenticate verifies client credentials for the token endpoint. Public
// clients pass with an empty secret; confidential clients must present the
// registered secret. Every failure is ErrClientUnauthorized.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return Client{}, err
	}
	if client.Public {
		if secret != "" {
			return Client{}, ErrClientUnauthorized
		}
		return client, nil
	}
	ok, err := r.hasher.Verify(secret, client.secretHash)
	if err != nil || !ok {
		return Client{}, ErrClientUnauthorized
	}
	return client, nil
}
