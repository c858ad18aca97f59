package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/velocity-sub008/pkg/types"
)

func TestVerifyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		require.Equal(t, "svc-key", r.Header.Get("X-Service-Key"))

		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Token != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(User{UserID: "U1", Email: "u1@example.com"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc-key")

	user, err := c.VerifyToken(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "U1", user.UserID)
	assert.Equal(t, "u1@example.com", user.Email)

	_, err = c.VerifyToken(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyTokenEmpty(t *testing.T) {
	c := NewClient("http://unused", "k")
	_, err := c.VerifyToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyTokenCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(User{UserID: "U1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	for i := 0; i < 3; i++ {
		_, err := c.VerifyToken(context.Background(), "tok")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

// A 200 without a user id is treated as a rejection, not a success
func TestVerifyTokenEmptyIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(User{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	_, err := c.VerifyToken(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTierResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/U1/tier":
			_ = json.NewEncoder(w).Encode(map[string]string{"tier": "pro"})
		case "/users/U2/tier":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	resolve := NewClient(srv.URL, "k").TierResolver()

	got, err := resolve(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, types.TierPro, got)

	// No subscription row falls back to free
	got, err = resolve(context.Background(), "U2")
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, got)

	_, err = resolve(context.Background(), "U3")
	assert.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	v := &StaticVerifier{Users: map[string]*User{"t1": {UserID: "U1"}}}

	u, err := v.VerifyToken(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "U1", u.UserID)

	_, err = v.VerifyToken(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
