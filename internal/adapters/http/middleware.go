package http

import (
	"net/http"

	"github.com/dkeye/Relief/internal/adapters/signal"
	"github.com/dkeye/Relief/internal/auth"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionTokenKey = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a stable per-browser token in the signed
// session cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(sessionTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(sessionTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(signal.KeyClientToken, token)
		c.Next()
	}
}

// IdentityMiddleware verifies the bearer credential from the Authorization
// header or the token query parameter. Browsers cannot set headers on a
// websocket upgrade, hence the query fallback.
func IdentityMiddleware(v auth.Verifier, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" || v == nil {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "credential required"})
				return
			}
			c.Next()
			return
		}

		user, err := v.Verify(c.Request.Context(), token)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("credential rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
			return
		}
		if user == "" && required {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "credential required"})
			return
		}
		if user != "" {
			c.Set(signal.KeyVerifiedUser, string(user))
		}
		c.Next()
	}
}
