package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/tdoan35/velocity-sub008/pkg/log"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// ErrUnauthenticated is returned when the auth service rejects a token
var ErrUnauthenticated = errors.New("unauthenticated")

const verifyCacheTTL = 5 * time.Minute

// User is the identity the auth service resolves a bearer token to
type User struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Tier   string `json:"tier,omitempty"`
}

// Verifier resolves bearer tokens to users
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*User, error)
}

// Client talks to the external auth service. Successful verifications are
// cached for five minutes keyed by token.
type Client struct {
	baseURL    string
	serviceKey string
	client     *http.Client
	cache      *cache.Cache
	logger     zerolog.Logger
}

// NewClient creates an auth client for the service at baseURL
func NewClient(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: 10 * time.Second},
		cache:      cache.New(verifyCacheTTL, 2*verifyCacheTTL),
		logger:     log.WithComponent("auth"),
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

// VerifyToken exchanges a bearer token for the user it belongs to
func (c *Client) VerifyToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if cached, ok := c.cache.Get(token); ok {
		return cached.(*User), nil
	}

	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Key", c.serviceKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthenticated
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("auth service returned %d: %s", resp.StatusCode, string(msg))
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	if user.UserID == "" {
		return nil, ErrUnauthenticated
	}

	c.cache.Set(token, &user, cache.DefaultExpiration)
	return &user, nil
}

// TierResolver adapts the auth service's tier field for the quota engine.
// Users without a subscription row resolve to the free tier.
func (c *Client) TierResolver() func(ctx context.Context, userID string) (types.TierName, error) {
	return func(ctx context.Context, userID string) (types.TierName, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/users/%s/tier", c.baseURL, userID), nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("X-Service-Key", c.serviceKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("auth service unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return types.TierFree, nil
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("auth service returned %d", resp.StatusCode)
		}

		var out struct {
			Tier types.TierName `json:"tier"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", err
		}
		if out.Tier == "" {
			return types.TierFree, nil
		}
		return out.Tier, nil
	}
}

// StaticVerifier authenticates from a fixed token map; the test double
type StaticVerifier struct {
	Users map[string]*User
}

func (s *StaticVerifier) VerifyToken(ctx context.Context, token string) (*User, error) {
	if u, ok := s.Users[token]; ok {
		return u, nil
	}
	return nil, ErrUnauthenticated
}

var (
	_ Verifier = (*Client)(nil)
	_ Verifier = (*StaticVerifier)(nil)
)
