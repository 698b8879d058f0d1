package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ragchat/internal/pkg/jwtutil"
	"ragchat/internal/rag"
	"ragchat/internal/transport/http/response"
)

const (
	ContextUserIDKey   = "user_id"
	ContextUsernameKey = "username"
	// ContextOwnerKey holds the id whose documents the request works on.
	ContextOwnerKey = "owner"
	// ContextAuthenticatedKey is true when the owner came from a token.
	ContextAuthenticatedKey = "authenticated"

	HeaderUserID    = "X-User-ID"
	HeaderRequestID = "X-Request-ID"
)

// RequestID tags every request with an id, reusing the caller's if present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(response.RequestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// Identity resolves the document owner. A bearer token wins; without one the
// owner comes from the X-User-ID header or the userId query/form field, and
// falls back to anonymous. When required is set a valid token is mandatory.
// Without required, header and query ids are taken on trust: any caller can
// act as any user.
func Identity(secret string, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader != "" {
			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid authorization scheme")
				c.Abort()
				return
			}
			claims, err := jwtutil.ParseToken(secret, strings.TrimSpace(strings.TrimPrefix(authHeader, prefix)))
			if err != nil {
				response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
				c.Abort()
				return
			}
			c.Set(ContextUserIDKey, claims.UserID)
			c.Set(ContextUsernameKey, claims.Username)
			c.Set(ContextOwnerKey, rag.NormalizeUser(claims.Username))
			c.Set(ContextAuthenticatedKey, true)
			c.Next()
			return
		}

		if required {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		owner := c.GetHeader(HeaderUserID)
		if owner == "" {
			owner = c.Query("userId")
		}
		if owner == "" && strings.HasPrefix(c.ContentType(), "multipart/") {
			owner = c.PostForm("userId")
		}
		canonical, err := rag.CanonicalUser(owner)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid user id")
			c.Abort()
			return
		}
		c.Set(ContextOwnerKey, canonical)
		c.Set(ContextAuthenticatedKey, false)
		c.Next()
	}
}

// Owner returns the owner resolved by Identity. A JSON body may still name a
// user when the request carried no token and no other hint.
func Owner(c *gin.Context, bodyUserID string) string {
	owner := c.GetString(ContextOwnerKey)
	if owner == "" {
		owner = rag.AnonymousUser
	}
	if !c.GetBool(ContextAuthenticatedKey) && owner == rag.AnonymousUser && strings.TrimSpace(bodyUserID) != "" {
		return rag.NormalizeUser(bodyUserID)
	}
	return owner
}
