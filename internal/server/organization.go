package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	organizationdomain "github.com/smallbiznis/matterly/internal/organization/domain"
	"github.com/smallbiznis/matterly/internal/permission"
)

type createOrganizationRequest struct {
	Name string `json:"name"`
	Plan string `json:"plan"`
}

type addOrganizationMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type changePlanRequest struct {
	Plan string `json:"plan"`
}

func (s *Server) CreateOrganization(c *gin.Context) {
	userID, ok := s.userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.organizationSvc.Create(c.Request.Context(), userID, organizationdomain.CreateOrganizationRequest{
		Name: strings.TrimSpace(req.Name),
		Plan: strings.TrimSpace(req.Plan),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) ListOrganizations(c *gin.Context) {
	userID, ok := s.userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	items, err := s.organizationSvc.ListOrganizationsByUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetOrganization(c *gin.Context) {
	if err := s.authorizeOrg(c, "", ""); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.organizationSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) AddOrganizationMember(c *gin.Context) {
	userID, ok := s.userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req addOrganizationMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err := s.organizationSvc.AddMember(c.Request.Context(), userID, c.Param("id"), organizationdomain.AddMemberRequest{
		UserID: strings.TrimSpace(req.UserID),
		Role:   strings.TrimSpace(req.Role),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetOrganizationUsage(c *gin.Context) {
	if err := s.authorizeOrg(c, "", ""); err != nil {
		AbortWithError(c, err)
		return
	}

	usage, err := s.quotaSvc.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

func (s *Server) ChangeOrganizationPlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.authorizeOrg(c, permission.ObjectOrganization, permission.ActionPlan); err != nil {
		AbortWithError(c, err)
		return
	}

	usage, err := s.quotaSvc.ChangePlan(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Plan))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

// authorizeOrg requires organization membership, and the object/action
// permission when one is given.
func (s *Server) authorizeOrg(c *gin.Context, object, action string) error {
	userID, ok := s.userIDFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	orgID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		return err
	}

	role, err := s.organizationSvc.MemberRole(c.Request.Context(), orgID, userID)
	if err != nil {
		return err
	}
	if object == "" {
		return nil
	}
	return s.permissions.Authorize(permission.Membership{Role: role, Status: permission.StatusActive}, object, action)
}
