package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/matterly/internal/auth"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/matter"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	"github.com/smallbiznis/matterly/internal/observability"
	obslogger "github.com/smallbiznis/matterly/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/matterly/internal/observability/metrics"
	obstracing "github.com/smallbiznis/matterly/internal/observability/tracing"
	"github.com/smallbiznis/matterly/internal/organization"
	organizationdomain "github.com/smallbiznis/matterly/internal/organization/domain"
	"github.com/smallbiznis/matterly/internal/permission"
	"github.com/smallbiznis/matterly/internal/quota"
	quotadomain "github.com/smallbiznis/matterly/internal/quota/domain"
	"github.com/smallbiznis/matterly/internal/ratelimit"
	"github.com/smallbiznis/matterly/internal/team"
	teamdomain "github.com/smallbiznis/matterly/internal/team/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	auth.Module,
	permission.Module,
	quota.Module,
	organization.Module,
	team.Module,
	matter.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	tokens          *auth.TokenVerifier
	organizationSvc organizationdomain.Service
	quotaSvc        quotadomain.Service
	teamSvc         teamdomain.Service
	teamRepo        teamdomain.Repository
	matterSvc       matterdomain.Service
	permissions     *permission.Gate
	liveEvents      *liveevents.Hub
	obsMetrics      *obsmetrics.Metrics
	matterLimiter   *ratelimit.MatterCreateLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Tokens          *auth.TokenVerifier
	OrganizationSvc organizationdomain.Service
	QuotaSvc        quotadomain.Service
	TeamSvc         teamdomain.Service
	TeamRepo        teamdomain.Repository
	MatterSvc       matterdomain.Service
	Permissions     *permission.Gate
	LiveEvents      *liveevents.Hub                `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics            `optional:"true"`
	MatterLimiter   *ratelimit.MatterCreateLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		tokens:          p.Tokens,
		organizationSvc: p.OrganizationSvc,
		quotaSvc:        p.QuotaSvc,
		teamSvc:         p.TeamSvc,
		teamRepo:        p.TeamRepo,
		matterSvc:       p.MatterSvc,
		permissions:     p.Permissions,
		liveEvents:      p.LiveEvents,
		obsMetrics:      p.ObsMetrics,
		matterLimiter:   p.MatterLimiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	// -------- Organizations --------
	api.POST("/orgs", s.CreateOrganization)
	api.GET("/orgs", s.ListOrganizations)
	api.GET("/orgs/:id", s.GetOrganization)
	api.POST("/orgs/:id/members", s.AddOrganizationMember)
	api.GET("/orgs/:id/usage", s.GetOrganizationUsage)
	api.PUT("/orgs/:id/plan", s.ChangeOrganizationPlan)

	// -------- Teams --------
	api.POST("/orgs/:id/teams", s.CreateTeam)
	api.GET("/teams/:id", s.GetTeam)
	api.POST("/teams/:id/members", s.AddTeamMember)
	api.GET("/teams/:id/short-ids/next", s.PeekNextShortID)
	api.GET("/teams/:id/matters", s.ListTeamMatters)
	api.GET("/teams/:id/stream", s.StreamTeamEvents)

	// -------- Matters --------
	api.POST("/matters", s.MatterCreateRateLimit(), s.CreateMatter)
	api.GET("/matters/:id", s.GetMatter)
	api.DELETE("/matters/:id", s.DeleteMatter)
}
