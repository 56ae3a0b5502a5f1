package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	orgdomain "github.com/smallbiznis/matterly/internal/organization/domain"
	"github.com/smallbiznis/matterly/internal/permission"
	quotadomain "github.com/smallbiznis/matterly/internal/quota/domain"
	teamdomain "github.com/smallbiznis/matterly/internal/team/domain"
	"gorm.io/gorm"
)

// Wire codes devices branch on. They are stable across releases.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeNotTeamMember    = "NOT_TEAM_MEMBER"
	CodeNotOrgMember     = "NOT_ORGANIZATION_MEMBER"
	CodeInsufficientRole = "INSUFFICIENT_ROLE"
	CodeLimitReached     = "LIMIT_REACHED"
	CodeAllocationFailed = "ALLOCATION_FAILED"
	CodeMatterIDConflict = "MATTER_ID_CONFLICT"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Code:    CodeInternal,
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    CodeInvalidRequest,
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    CodeInvalidRequest,
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	var limitErr *quotadomain.LimitReachedError

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, matterdomain.ErrNotAuthenticated):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Code:    CodeNotAuthenticated,
			Message: "authentication required",
		}
	case errors.Is(err, permission.ErrNotTeamMember):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Code:    CodeNotTeamMember,
			Message: "not an active member of this team",
		}
	case errors.Is(err, orgdomain.ErrNotMember):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Code:    CodeNotOrgMember,
			Message: "not a member of this organization",
		}
	case errors.Is(err, permission.ErrInsufficientRole),
		errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Code:    CodeInsufficientRole,
			Message: "role does not permit this action",
		}
	case errors.As(err, &limitErr):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "quota_exceeded",
			Code:    CodeLimitReached,
			Message: fmt.Sprintf("the %s plan allows no more matters", limitErr.Plan),
		}
	case errors.Is(err, quotadomain.ErrLimitReached):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "quota_exceeded",
			Code:    CodeLimitReached,
			Message: "matter limit reached",
		}
	case errors.Is(err, matterdomain.ErrAllocationFailed):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "allocation_failed",
			Code:    CodeAllocationFailed,
			Message: "could not allocate a short id, retry later",
		}
	case errors.Is(err, matterdomain.ErrIDConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    CodeMatterIDConflict,
			Message: "matter id is already used by another team",
		}
	case errors.Is(err, teamdomain.ErrCodeExists),
		errors.Is(err, teamdomain.ErrMemberExists),
		errors.Is(err, orgdomain.ErrMemberExists):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    CodeConflict,
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    CodeNotFound,
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Code:    CodeRateLimited,
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Code:    CodeUnavailable,
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Code:    CodeInternal,
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type and code the
// client sees.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, matterdomain.ErrInvalidID),
		errors.Is(err, matterdomain.ErrInvalidTeam),
		errors.Is(err, matterdomain.ErrInvalidTitle),
		errors.Is(err, matterdomain.ErrInvalidType),
		errors.Is(err, matterdomain.ErrInvalidClientShortID),
		errors.Is(err, teamdomain.ErrInvalidTeam),
		errors.Is(err, teamdomain.ErrInvalidCode),
		errors.Is(err, teamdomain.ErrInvalidName),
		errors.Is(err, teamdomain.ErrInvalidUser),
		errors.Is(err, teamdomain.ErrInvalidOrgRef),
		errors.Is(err, orgdomain.ErrInvalidName),
		errors.Is(err, orgdomain.ErrInvalidUser),
		errors.Is(err, orgdomain.ErrInvalidOrganization),
		errors.Is(err, orgdomain.ErrInvalidRole),
		errors.Is(err, quotadomain.ErrInvalidPlan),
		errors.Is(err, quotadomain.ErrInvalidOrganization),
		errors.Is(err, permission.ErrInvalidRole),
		errors.Is(err, permission.ErrInvalidStatus):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, matterdomain.ErrNotFound),
		errors.Is(err, teamdomain.ErrNotFound),
		errors.Is(err, orgdomain.ErrNotFound),
		errors.Is(err, quotadomain.ErrUsageNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	return strings.TrimPrefix(code, "invalid_")
}
