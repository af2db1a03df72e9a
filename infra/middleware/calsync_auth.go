package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

// AdminClaims are the claims carried by admin API tokens.
type AdminClaims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth guards the admin API with an HS256 bearer token. Tokens are
// issued out of band; the middleware only verifies them.
func AdminAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			logger.Error("admin API called but ADMIN_JWT_SECRET is not configured")
			return apperr.Unauthorized("admin API is not configured")
		}

		header := c.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			return apperr.Unauthorized("missing bearer token")
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			return apperr.New(apperr.CodeInvalidToken, "invalid or expired token", fiber.StatusUnauthorized).WithError(err)
		}

		if claims.Role != "admin" {
			return apperr.New(apperr.CodeForbidden, "admin role required", fiber.StatusForbidden)
		}

		c.Locals("admin_subject", claims.Subject)
		return c.Next()
	}
}
