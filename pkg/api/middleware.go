package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tdoan35/velocity-sub008/pkg/auth"
	"github.com/tdoan35/velocity-sub008/pkg/quota"
	"github.com/tdoan35/velocity-sub008/pkg/tier"
)

type contextKey string

const userKey contextKey = "user"

// userFrom returns the authenticated user placed by the auth middleware
func userFrom(ctx context.Context) *auth.User {
	u, _ := ctx.Value(userKey).(*auth.User)
	return u
}

// authenticate resolves the bearer token and stores the user on the context
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		user, err := s.verifier.VerifyToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				s.respondError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			s.logger.Error().Err(err).Msg("auth service failure")
			s.respondError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// rateLimitReads applies the general api-requests quota to read endpoints
func (s *Server) rateLimitReads(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())

		d := s.quota.Check(r.Context(), quota.Request{
			UserID:   user.UserID,
			Resource: tier.ResourceAPIRequests,
		})
		writeRateLimitHeaders(w, d)
		if !d.Allowed {
			s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimitHeaders emits the standard X-RateLimit trio, plus
// Retry-After on denials
func writeRateLimitHeaders(w http.ResponseWriter, d quota.Decision) {
	if d.Limit >= 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.Reset.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
	if !d.Allowed {
		secs := int(d.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

// requestLogger logs one line per request in the service's structured format
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Int("bytes", ww.BytesWritten()).
			Msg("request")
	})
}

// recoverer converts handler panics into 500 responses
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				s.respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
