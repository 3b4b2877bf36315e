package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/richxcame/fare-settlement/pkg/common"
)

// Caller roles accepted by the settlement API
const (
	RoleService = "service"
	RoleAdmin   = "admin"
)

const (
	callerIDKey   = "caller_id"
	callerRoleKey = "caller_role"
)

var (
	errMissingToken   = errors.New("authorization header missing")
	errBadAuthScheme  = errors.New("authorization must start with Bearer")
	errInvalidSigning = errors.New("unexpected signing method")
)

// Claims identifies the calling service
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for a caller
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies signature and standard claims
func ParseToken(secret, tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errInvalidSigning
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errBadAuthScheme
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

// ServiceAuth validates the bearer token of the calling service
func ServiceAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := bearerToken(c.Request)
		if err != nil {
			common.AppErrorResponse(c, common.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}

		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			common.AppErrorResponse(c, common.NewUnauthorizedError("invalid or expired token"))
			c.Abort()
			return
		}

		c.Set(callerIDKey, claims.Subject)
		c.Set(callerRoleKey, claims.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose token carries none of the given roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(callerRoleKey)
		if !slices.Contains(roles, role) {
			common.AppErrorResponse(c, common.NewForbiddenError("insufficient permissions"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetCaller returns the authenticated caller id and role
func GetCaller(c *gin.Context) (string, string) {
	return c.GetString(callerIDKey), c.GetString(callerRoleKey)
}
