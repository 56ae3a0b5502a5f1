package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	quotadomain "github.com/smallbiznis/matterly/internal/quota/domain"
	"github.com/smallbiznis/matterly/internal/server/servertest"
	teamdomain "github.com/smallbiznis/matterly/internal/team/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID  = snowflake.ID(1001)
	memberID = snowflake.ID(1002)
	guestID  = snowflake.ID(1003)
	outsider = snowflake.ID(1004)
)

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apiError
	servertest.Decode(t, rec, &body)
	return body.Error.Code
}

func createBody(id, teamID string, hint int64) map[string]any {
	body := map[string]any{
		"id":        id,
		"team_id":   teamID,
		"team_code": "ENG",
		"title":     "Draft engagement letter " + id,
		"type":      matterdomain.TypeTask,
	}
	if hint > 0 {
		body["client_short_id"] = hint
	}
	return body
}

func TestHealthAndAuthentication(t *testing.T) {
	env := servertest.New(t, servertest.Options{})

	rec := env.Do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.Do(t, http.MethodPost, "/api/matters", "", createBody("m1", "1", 0))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "NOT_AUTHENTICATED", errorCode(t, rec))

	rec = env.Do(t, http.MethodGet, "/api/orgs", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMatterLifecycle(t *testing.T) {
	env := servertest.New(t, servertest.Options{})
	_, teamID := env.Seed(t, ownerID, "team", "ENG")
	token := env.Token(t, ownerID)

	rec := env.Do(t, http.MethodPost, "/api/matters", token, createBody("m-1", teamID, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first matterdomain.CreateResult
	servertest.Decode(t, rec, &first)
	assert.Equal(t, "ENG-1", first.Matter.Key)
	assert.False(t, first.Replayed)

	// replay of the same id
	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("m-1", teamID, 0))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var replay matterdomain.CreateResult
	servertest.Decode(t, rec, &replay)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Matter.ShortID, replay.Matter.ShortID)

	// a hint that is already taken is reassigned
	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("m-2", teamID, 1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var moved matterdomain.CreateResult
	servertest.Decode(t, rec, &moved)
	assert.True(t, moved.Reassigned)
	assert.Equal(t, int64(2), moved.Matter.ShortID)

	// a free hint ahead of the counter is honored
	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("m-3", teamID, 9))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var honored matterdomain.CreateResult
	servertest.Decode(t, rec, &honored)
	assert.False(t, honored.Reassigned)
	assert.Equal(t, "ENG-9", honored.Matter.Key)

	rec = env.Do(t, http.MethodGet, "/api/teams/"+teamID+"/short-ids/next", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var next teamdomain.NextShortIDResponse
	servertest.Decode(t, rec, &next)
	assert.Equal(t, int64(10), next.NextShortID)

	rec = env.Do(t, http.MethodGet, "/api/matters/m-3", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.Do(t, http.MethodGet, "/api/teams/"+teamID+"/matters?limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page matterdomain.ListResponse
	servertest.Decode(t, rec, &page)
	require.Len(t, page.Matters, 2)
	assert.Equal(t, int64(2), page.NextAfter)

	rec = env.Do(t, http.MethodGet, "/api/teams/"+teamID+"/matters?after=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	servertest.Decode(t, rec, &page)
	require.Len(t, page.Matters, 1)
	assert.Equal(t, int64(9), page.Matters[0].ShortID)

	rec = env.Do(t, http.MethodGet, "/api/teams/"+teamID+"/matters?limit=zero", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.Do(t, http.MethodDelete, "/api/matters/m-3", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.Do(t, http.MethodGet, "/api/matters/m-3", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// deleted short ids are not handed out again
	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("m-4", teamID, 9))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var after matterdomain.CreateResult
	servertest.Decode(t, rec, &after)
	assert.Equal(t, int64(10), after.Matter.ShortID)
	assert.True(t, after.Reassigned)
}

func TestQuotaAndPlanChange(t *testing.T) {
	env := servertest.New(t, servertest.Options{StarterLimit: 2})
	orgID, teamID := env.Seed(t, ownerID, "starter", "ENG")
	token := env.Token(t, ownerID)

	for _, id := range []string{"q-1", "q-2"} {
		rec := env.Do(t, http.MethodPost, "/api/matters", token, createBody(id, teamID, 0))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := env.Do(t, http.MethodPost, "/api/matters", token, createBody("q-3", teamID, 0))
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	assert.Equal(t, "LIMIT_REACHED", errorCode(t, rec))

	// a replay is answered even at the limit
	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("q-1", teamID, 0))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.Do(t, http.MethodGet, "/api/orgs/"+orgID+"/usage", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage quotadomain.UsageResponse
	servertest.Decode(t, rec, &usage)
	assert.Equal(t, int64(2), usage.MatterCount)
	assert.True(t, usage.Limited)

	// only the owner may change the plan
	rec = env.Do(t, http.MethodPost, "/api/orgs/"+orgID+"/members", token, map[string]string{"user_id": memberID.String(), "role": "MEMBER"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = env.Do(t, http.MethodPut, "/api/orgs/"+orgID+"/plan", env.Token(t, memberID), map[string]string{"plan": "team"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "INSUFFICIENT_ROLE", errorCode(t, rec))

	rec = env.Do(t, http.MethodPut, "/api/orgs/"+orgID+"/plan", token, map[string]string{"plan": "team"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("q-3", teamID, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// deleting frees a slot on the counter
	rec = env.Do(t, http.MethodDelete, "/api/matters/q-3", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.Do(t, http.MethodGet, "/api/orgs/"+orgID+"/usage", token, nil)
	servertest.Decode(t, rec, &usage)
	assert.Equal(t, int64(2), usage.MatterCount)

	rec = env.Do(t, http.MethodGet, "/api/orgs/"+orgID+"/usage", env.Token(t, outsider), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTeamPermissions(t *testing.T) {
	env := servertest.New(t, servertest.Options{})
	_, teamID := env.Seed(t, ownerID, "team", "ENG")
	token := env.Token(t, ownerID)

	rec := env.Do(t, http.MethodPost, "/api/teams/"+teamID+"/members", token, map[string]string{"user_id": guestID.String(), "role": "GUEST"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// adding again updates the membership in place
	rec = env.Do(t, http.MethodPost, "/api/teams/"+teamID+"/members", token, map[string]string{"user_id": guestID.String(), "role": "GUEST", "status": "active"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.Do(t, http.MethodPost, "/api/teams/"+teamID+"/members", env.Token(t, guestID), map[string]string{"user_id": outsider.String(), "role": "MEMBER"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.Do(t, http.MethodPost, "/api/matters", env.Token(t, outsider), createBody("p-1", teamID, 0))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_TEAM_MEMBER", errorCode(t, rec))

	rec = env.Do(t, http.MethodPost, "/api/matters", env.Token(t, guestID), createBody("p-2", teamID, 0))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "INSUFFICIENT_ROLE", errorCode(t, rec))

	request := createBody("p-3", teamID, 0)
	request["type"] = matterdomain.TypeRequest
	rec = env.Do(t, http.MethodPost, "/api/matters", env.Token(t, guestID), request)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.Do(t, http.MethodGet, "/api/teams/"+teamID, env.Token(t, outsider), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateValidationAndConflicts(t *testing.T) {
	env := servertest.New(t, servertest.Options{})
	_, teamID := env.Seed(t, ownerID, "team", "ENG")
	_, otherTeamID := env.Seed(t, ownerID, "team", "OPS")
	token := env.Token(t, ownerID)

	bad := createBody("v-1", teamID, 0)
	bad["title"] = "  "
	rec := env.Do(t, http.MethodPost, "/api/matters", token, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))

	bad = createBody("v-2", teamID, 0)
	bad["client_short_id"] = -4
	rec = env.Do(t, http.MethodPost, "/api/matters", token, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("shared", teamID, 0))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("shared", otherTeamID, 0))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "MATTER_ID_CONFLICT", errorCode(t, rec))

	rec = env.Do(t, http.MethodPost, "/api/orgs/1/teams", token, map[string]string{"code": "ENG", "name": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTeamStreamDeliversBacklogAndLiveEvents(t *testing.T) {
	env := servertest.New(t, servertest.Options{})
	_, teamID := env.Seed(t, ownerID, "team", "ENG")
	token := env.Token(t, ownerID)

	rec := env.Do(t, http.MethodPost, "/api/matters", token, createBody("s-1", teamID, 0))
	require.Equal(t, http.StatusCreated, rec.Code)

	ts := httptest.NewServer(env.Engine)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/teams/"+teamID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan liveevents.Event, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event liveevents.Event
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event) == nil {
				events <- event
			}
		}
	}()

	select {
	case event := <-events:
		assert.Equal(t, "s-1", event.MatterID)
		assert.Equal(t, "ENG-1", event.Key)
	case <-ctx.Done():
		t.Fatal("no backlog event")
	}

	rec = env.Do(t, http.MethodPost, "/api/matters", token, createBody("s-2", teamID, 1))
	require.Equal(t, http.StatusCreated, rec.Code)

	select {
	case event := <-events:
		assert.Equal(t, "s-2", event.MatterID)
		assert.Equal(t, int64(2), event.ShortID)
		assert.True(t, event.Reassigned)
		assert.Equal(t, liveevents.StatusCommitted, event.Status)
	case <-ctx.Done():
		t.Fatal("no live event")
	}

	other := env.Do(t, http.MethodGet, "/api/teams/"+teamID+"/stream", env.Token(t, outsider), nil)
	assert.Equal(t, http.StatusForbidden, other.Code)
}
