package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/matterly/internal/auth"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	obscontext "github.com/smallbiznis/matterly/internal/observability/context"
)

const (
	contextUserIDKey = "user_id"
	actorTypeUser    = "user"
)

// AuthRequired verifies the bearer token and stores the user id on the
// request. Every /api route runs behind it.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		userID, err := s.tokens.Verify(raw)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID.String())
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), actorTypeUser, userID.String()))
		c.Next()
	}
}

func (s *Server) userIDFromContext(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.GetString(contextUserIDKey))
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) actor(c *gin.Context) matterdomain.Actor {
	userID, _ := s.userIDFromContext(c)
	return matterdomain.Actor{UserID: userID}
}

func parseSnowflakeParam(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}
