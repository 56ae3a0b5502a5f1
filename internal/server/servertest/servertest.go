// Package servertest builds the full HTTP stack on an in-memory database
// for handler and device round-trip tests.
package servertest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/matterly/internal/auth"
	"github.com/smallbiznis/matterly/internal/clock"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	matterrepo "github.com/smallbiznis/matterly/internal/matter/repository"
	matterservice "github.com/smallbiznis/matterly/internal/matter/service"
	"github.com/smallbiznis/matterly/internal/migration"
	"github.com/smallbiznis/matterly/internal/observability"
	obsmetrics "github.com/smallbiznis/matterly/internal/observability/metrics"
	orgrepo "github.com/smallbiznis/matterly/internal/organization/repository"
	orgservice "github.com/smallbiznis/matterly/internal/organization/service"
	"github.com/smallbiznis/matterly/internal/permission"
	quotarepo "github.com/smallbiznis/matterly/internal/quota/repository"
	quotaservice "github.com/smallbiznis/matterly/internal/quota/service"
	"github.com/smallbiznis/matterly/internal/server"
	teamrepo "github.com/smallbiznis/matterly/internal/team/repository"
	teamservice "github.com/smallbiznis/matterly/internal/team/service"
	dbpkg "github.com/smallbiznis/matterly/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "servertest-secret"

type Options struct {
	// StarterLimit overrides the starter plan's matter limit.
	StarterLimit int64
}

type Env struct {
	Server *server.Server
	Engine *gin.Engine
	DB     *gorm.DB
	Hub    *liveevents.Hub
	Tokens *auth.TokenVerifier
}

func New(t testing.TB, opts Options) *Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := dbpkg.NewTest()
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))

	starterLimit := opts.StarterLimit
	if starterLimit == 0 {
		starterLimit = 100
	}
	plans := config.NewStaticPlansHolder(config.PlansConfig{
		Default: config.PlanStarter,
		Plans: []config.Plan{
			{Code: config.PlanStarter, MatterLimit: starterLimit},
			{Code: config.PlanTeam},
		},
	})

	cfg := config.Config{
		AppName:       "matterly",
		Environment:   "test",
		AuthJWTSecret: testSecret,
		Allocation:    config.AllocationConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	enforcer, err := permission.NewMemoryEnforcer()
	require.NoError(t, err)
	gate := permission.NewGate(enforcer)
	tokens, err := auth.NewTokenVerifier(cfg)
	require.NoError(t, err)

	log := zap.NewNop()
	clk := clock.SystemClock{}
	hub := liveevents.NewHub()

	usageRepo := quotarepo.NewRepository(db)
	teams := teamrepo.NewRepository(db)

	orgSvc := orgservice.NewService(orgservice.ServiceParam{
		DB:        db,
		Log:       log,
		Repo:      orgrepo.NewRepository(db),
		UsageRepo: usageRepo,
		Plans:     plans,
		Gate:      gate,
		GenID:     node,
		Clock:     clk,
	})
	teamSvc := teamservice.NewService(teamservice.ServiceParam{
		DB:     db,
		Log:    log,
		Repo:   teams,
		OrgSvc: orgSvc,
		Gate:   gate,
		GenID:  node,
		Clock:  clk,
	})
	matterSvc := matterservice.NewService(matterservice.ServiceParam{
		DB:          db,
		Log:         log,
		Config:      cfg,
		Clock:       clk,
		Repo:        matterrepo.NewRepository(db),
		TeamRepo:    teams,
		Quota:       quotaservice.NewGate(usageRepo, plans, clk),
		Permissions: gate,
		Broadcaster: liveevents.NewLocalBroadcaster(hub),
	})

	httpMetrics, err := obsmetrics.NewHTTPMetricsWithRegisterer(prometheus.NewRegistry(), obsmetrics.Config{ServiceName: "matterly"})
	require.NoError(t, err)
	engine := server.NewEngine(observability.Config{Environment: "test"}, httpMetrics)

	srv := server.NewServer(server.ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Tokens:          tokens,
		OrganizationSvc: orgSvc,
		QuotaSvc:        quotaservice.NewService(usageRepo, plans, clk, log),
		TeamSvc:         teamSvc,
		TeamRepo:        teams,
		MatterSvc:       matterSvc,
		Permissions:     gate,
		LiveEvents:      hub,
	})

	return &Env{
		Server: srv,
		Engine: engine,
		DB:     db,
		Hub:    hub,
		Tokens: tokens,
	}
}

// Token signs a bearer token for userID.
func (e *Env) Token(t testing.TB, userID snowflake.ID) string {
	t.Helper()
	token, err := e.Tokens.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

// Do serves one JSON request against the engine.
func (e *Env) Do(t testing.TB, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.Engine.ServeHTTP(rec, req)
	return rec
}

// Decode unmarshals a recorded JSON body into out.
func Decode(t testing.TB, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

// Seed creates an organization on plan with one team owned by ownerID and
// returns their ids.
func (e *Env) Seed(t testing.TB, ownerID snowflake.ID, plan, teamCode string) (string, string) {
	t.Helper()
	token := e.Token(t, ownerID)

	rec := e.Do(t, http.MethodPost, "/api/orgs", token, map[string]string{"name": "Acme " + teamCode, "plan": plan})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var org struct {
		ID string `json:"id"`
	}
	Decode(t, rec, &org)

	rec = e.Do(t, http.MethodPost, "/api/orgs/"+org.ID+"/teams", token, map[string]string{"code": teamCode, "name": teamCode + " team"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var team struct {
		ID string `json:"id"`
	}
	Decode(t, rec, &team)

	return org.ID, team.ID
}
