package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/matterly/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/matterly/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	rateLimitReasonOrgRate        = "org-rate"
	rateLimitReasonMatterInFlight = "matter-in-flight"
	maxRateLimitBodyBytes         = 1 << 20
)

type matterCreateRateLimitKey struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
}

// MatterCreateRateLimit throttles creates per organization and lets only
// one request per matter id run at a time. Replays of the same id from a
// flaky device are serialized here before they reach the database.
func (s *Server) MatterCreateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.matterLimiter == nil || !s.matterLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		key, err := readMatterCreateKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("matter create rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}

		// Unknown teams fall through so the handler reports the real error.
		orgID := s.resolveTeamOrg(ctx, key.TeamID)
		if orgID != "" {
			result, err := s.matterLimiter.AllowOrg(ctx, orgID)
			if err != nil {
				logger.FromContext(ctx).Warn("matter create org rate limit check failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !result.Allowed {
				c.Header("Retry-After", retryAfterSeconds(result.RetryAfter.Seconds()))
				denyMatterCreateRateLimit(c, endpoint, orgID, rateLimitReasonOrgRate, s.obsMetrics)
				return
			}
		}

		if key.ID != "" {
			token, acquired, err := s.matterLimiter.TryLockMatter(ctx, key.ID)
			if err != nil {
				logger.FromContext(ctx).Warn("matter create in-flight lock failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !acquired {
				c.Header("Retry-After", "1")
				denyMatterCreateRateLimit(c, endpoint, orgID, rateLimitReasonMatterInFlight, s.obsMetrics)
				return
			}
			defer func() {
				if err := s.matterLimiter.ReleaseMatter(context.WithoutCancel(ctx), key.ID, token); err != nil {
					logger.FromContext(ctx).Warn("matter create in-flight unlock failed", zap.Error(err))
				}
			}()
		}

		recordRateLimitAllowed(ctx, endpoint, orgID, s.obsMetrics)
		c.Next()
	}
}

func (s *Server) resolveTeamOrg(ctx context.Context, rawTeamID string) string {
	if s.teamRepo == nil {
		return ""
	}
	teamID, err := snowflake.ParseString(strings.TrimSpace(rawTeamID))
	if err != nil || teamID == 0 {
		return ""
	}
	team, err := s.teamRepo.GetByID(ctx, teamID)
	if err != nil || team == nil {
		return ""
	}
	return team.OrgID.String()
}

func denyMatterCreateRateLimit(c *gin.Context, endpoint, orgID, reason string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("matter create rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, orgID, reason, metrics)

	if c.Writer.Header().Get("Retry-After") == "" {
		c.Header("Retry-After", "1")
	}
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint, orgID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, orgID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, orgID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, orgID, endpoint, reason)
}

func readMatterCreateKey(c *gin.Context) (matterCreateRateLimitKey, error) {
	var key matterCreateRateLimitKey
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRateLimitBodyBytes))
	if err != nil {
		return key, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return key, nil
	}

	if err := json.Unmarshal(body, &key); err != nil {
		return matterCreateRateLimitKey{}, nil
	}
	key.ID = strings.TrimSpace(key.ID)
	key.TeamID = strings.TrimSpace(key.TeamID)
	return key, nil
}

func retryAfterSeconds(seconds float64) string {
	if seconds < 1 {
		return "1"
	}
	return strconv.Itoa(int(math.Ceil(seconds)))
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
