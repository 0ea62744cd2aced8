package middlewares

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nimbusmsp/billing_backend/config"
	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
)

// SessionMiddleware validates the bearer token when present and loads the
// session user into the request context. Requests without a token pass
// through; route handlers decide whether auth is required.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		validated, err := utils.JwtValidate(auth[len(bearer):])
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		user, err := loadSessionUser(c.Request.Context(), claim.ID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyUserId, user.ID)
		ctx = context.WithValue(ctx, utils.ContextKeyUsername, user.Username)
		ctx = context.WithValue(ctx, utils.ContextKeyUserName, user.Name)
		ctx = context.WithValue(ctx, utils.ContextKeyBusinessId, user.BusinessId)
		ctx = context.WithValue(ctx, utils.ContextKeyIsAdmin, user.Role == models.UserRoleAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// loadSessionUser reads through the Redis cache; Redis being down just means
// a DB hit per request.
func loadSessionUser(ctx context.Context, userId int) (*models.User, error) {
	cacheKey := fmt.Sprintf("User:%d", userId)

	var cached models.User
	exists, err := config.GetRedisObject(cacheKey, &cached)
	if err == nil && exists {
		return &cached, nil
	}

	if config.GetDB() == nil {
		return nil, fmt.Errorf("db is nil")
	}
	user, err := utils.FetchSingleModel[models.User](ctx, userId)
	if err != nil {
		return nil, err
	}
	if user.IsActive == nil || !*user.IsActive {
		return nil, fmt.Errorf("user %d is inactive", userId)
	}

	_ = config.SetRedisObject(cacheKey, user, 15*time.Minute)
	return user, nil
}
