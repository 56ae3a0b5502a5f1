package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
)

const defaultMatterListLimit = 50

// CreateMatter answers 201 for a new matter and 200 when the id was already
// committed, so a device replaying its outbox can tell the two apart.
func (s *Server) CreateMatter(c *gin.Context) {
	var req matterdomain.CreateMatterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if teamID := strings.TrimSpace(req.TeamID); teamID != "" {
		c.Set("team_id", teamID)
	}

	result, err := s.matterSvc.CreateMatter(c.Request.Context(), s.actor(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (s *Server) GetMatter(c *gin.Context) {
	resp, err := s.matterSvc.Get(c.Request.Context(), s.actor(c), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) DeleteMatter(c *gin.Context) {
	if err := s.matterSvc.Delete(c.Request.Context(), s.actor(c), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ListTeamMatters(c *gin.Context) {
	req := matterdomain.ListRequest{Limit: defaultMatterListLimit}
	if raw := strings.TrimSpace(c.Query("after")); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			AbortWithError(c, newValidationError("after", "invalid_after", "invalid after"))
			return
		}
		req.AfterShortID = after
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		req.Limit = limit
	}

	c.Set("team_id", strings.TrimSpace(c.Param("id")))
	resp, err := s.matterSvc.ListByTeam(c.Request.Context(), s.actor(c), c.Param("id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
