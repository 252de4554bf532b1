package serv

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/golang-jwt/jwt/v5"
)

var errNoToken = errors.New("no auth token")

// Claims is the JWT payload issued at login
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`

	jwt.RegisteredClaims
}

type userCtxKey struct{}

// userFromContext returns the claims attached by the auth middleware
func userFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(userCtxKey{}).(*Claims)
	return c, ok
}

// authenticator verifies HS256 tokens from the Authorization header or the
// auth cookie
type authenticator struct {
	secret []byte
	cookie string
}

func newAuthenticator(conf Auth) *authenticator {
	cookie := conf.Cookie
	if cookie == "" {
		cookie = defaultAuthCookie
	}
	return &authenticator{secret: []byte(conf.JWTSecret), cookie: cookie}
}

func (a *authenticator) token(r *http.Request) (string, error) {
	if h := r.Header.Get(headers.Authorization); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok && t != "" {
			return t, nil
		}
	}
	if c, err := r.Cookie(a.cookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errNoToken
}

func (a *authenticator) verify(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no userId claim")
	}
	return &claims, nil
}

// sign issues a token for claims, used by tests and tooling
func (a *authenticator) sign(c Claims, ttl time.Duration) (string, error) {
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	c.IssuedAt = jwt.NewNumericDate(time.Now())
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// requireUser rejects requests without a valid token with 401
func (a *authenticator) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := a.token(r)
		if err != nil {
			renderError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		claims, err := a.verify(t)
		if err != nil {
			renderError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), userCtxKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSecret gates operator endpoints behind a static bearer secret. An
// empty secret disables the endpoint.
func requireSecret(secret string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(headers.Authorization))
			if secret == "" || subtle.ConstantTimeCompare(got, want) != 1 {
				renderError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
