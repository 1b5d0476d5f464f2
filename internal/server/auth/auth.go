// Package auth checks HTTP Basic credentials against a static list and
// resolves the origin identity uploads are accounted against.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"dropit/internal/server/config"
)

// Feature is an endpoint family that may be protected.
type Feature int

const (
	FeatureUpload Feature = iota
	FeatureDownload
)

// originKey is the echo context key holding the caller's origin.
const originKey = "dropit.origin"

// Authenticator verifies static credentials. Secrets starting with "$2"
// are bcrypt hashes, anything else is compared as plain text.
type Authenticator struct {
	secrets   map[string]string
	protected map[Feature]bool
	mode      config.OriginMode
}

// New builds an authenticator from the configuration.
func New(cfg *config.Config) *Authenticator {
	a := &Authenticator{
		secrets: make(map[string]string, len(cfg.Credentials)),
		protected: map[Feature]bool{
			// username origins need an identity, so uploads always authenticate
			FeatureUpload:   cfg.AuthUpload || cfg.OriginMode == config.OriginUsername,
			FeatureDownload: cfg.AuthDownload,
		},
		mode: cfg.OriginMode,
	}
	for _, c := range cfg.Credentials {
		a.secrets[c.Username] = c.Secret
	}
	return a
}

// Verify reports whether password matches the stored secret for username.
func (a *Authenticator) Verify(username, password string) bool {
	secret, ok := a.secrets[username]
	if !ok {
		return false
	}
	if strings.HasPrefix(secret, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}

// Protects reports whether feature requires credentials.
func (a *Authenticator) Protects(feature Feature) bool {
	return a.protected[feature]
}

// Middleware rejects unauthenticated requests to a protected feature and
// stores the caller's origin (IP or username) in the context.
func (a *Authenticator) Middleware(feature Feature) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			username, password, hasAuth := c.Request().BasicAuth()
			authenticated := hasAuth && a.Verify(username, password)

			if a.Protects(feature) && !authenticated {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="dropit"`)
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
			}

			origin := c.RealIP()
			if a.mode == config.OriginUsername && authenticated {
				origin = username
			}
			c.Set(originKey, origin)
			return next(c)
		}
	}
}

// Origin returns the origin stored by Middleware, or the client IP.
func Origin(c echo.Context) string {
	if origin, ok := c.Get(originKey).(string); ok {
		return origin
	}
	return c.RealIP()
}
