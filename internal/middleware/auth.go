package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/auth"
	"github.com/pixelarcade/chat/internal/models"
)

const (
	contextUserID  = "user_id"
	contextProfile = "profile"
)

// ProfileEnsurer creates the caller's profile on first sight.
type ProfileEnsurer interface {
	EnsureProfile(ctx context.Context, p *models.Profile) error
}

// AuthMiddleware verifies the bearer token (or the token query parameter used
// by websocket upgrades) and loads the caller's profile.
func AuthMiddleware(jwtService *auth.JWTService, profiles ProfileEnsurer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
			return
		}

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		profile := &models.Profile{
			ID:          claims.UserID,
			DisplayName: claims.DisplayName,
			Role:        models.RoleUser,
		}
		if profile.Validate() != nil {
			profile.DisplayName = "player-" + claims.UserID.String()[:8]
		}
		if err := profiles.EnsureProfile(c.Request.Context(), profile); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load profile"})
			return
		}

		SetIdentity(c, profile)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return c.Query("token")
}

// RequireModerator rejects callers whose role cannot moderate.
func RequireModerator() gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, ok := Profile(c)
		if !ok || !profile.Role.CanModerate() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Moderator role required"})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(contextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// Profile returns the authenticated user's profile.
func Profile(c *gin.Context) (*models.Profile, bool) {
	v, ok := c.Get(contextProfile)
	if !ok {
		return nil, false
	}
	p, ok := v.(*models.Profile)
	return p, ok
}

// SetIdentity stores an authenticated identity on c.
func SetIdentity(c *gin.Context, profile *models.Profile) {
	c.Set(contextUserID, profile.ID)
	c.Set(contextProfile, profile)
}
