package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxUserID   = "user_id"
	ctxTenantID = "tenant_id"
)

// Claims are issued by the platform: sub is the user, tenant_id the workspace.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// UserFromCtx returns the identity set by JWTMiddleware.
func UserFromCtx(c echo.Context) (userID, tenantID string, ok bool) {
	userID, _ = c.Get(ctxUserID).(string)
	tenantID, _ = c.Get(ctxTenantID).(string)
	return userID, tenantID, userID != ""
}

// IssueToken signs an HS256 token; used by the seed command and tests.
func IssueToken(secret []byte, issuer, userID, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, issuer, raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return secret, nil }, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, errors.New("token missing sub or tenant_id")
	}
	return claims, nil
}

// bearer reads the Authorization header. Browsers cannot set headers on an
// EventSource, so the access_token query parameter is accepted too.
func bearer(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.QueryParam("access_token")
}

// JWTMiddleware authenticates end users and stores user_id / tenant_id in context.
func JWTMiddleware(secret []byte, issuer string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearer(c)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}
			claims, err := parseToken(secret, issuer, raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}
			c.Set(ctxUserID, claims.Subject)
			c.Set(ctxTenantID, claims.TenantID)
			return next(c)
		}
	}
}
