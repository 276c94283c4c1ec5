//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/postgres"
	"github.com/airenas/callscribe/internal/pkg/test"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type config struct {
	queryURL   string
	dbURL      string
	httpclient *http.Client
	pool       *pgxpool.Pool
	db         *postgres.DB
}

var cfg config

func TestMain(m *testing.M) {
	cfg.queryURL = GetEnvOrFail("QUERY_URL")
	cfg.dbURL = GetEnvOrFail("DB_URL")
	cfg.httpclient = &http.Client{Timeout: time.Second * 30}

	tCtx, cf := context.WithTimeout(context.Background(), time.Second*20)
	defer cf()
	WaitForOpenOrFail(tCtx, cfg.dbURL)
	WaitForOpenOrFail(tCtx, cfg.queryURL)

	var err error
	cfg.pool, err = pgxpool.New(tCtx, cfg.dbURL)
	if err != nil {
		log.Fatalf("FAIL: can't init db pool: %v", err)
	}
	cfg.db = waitForDB(tCtx, cfg.pool)

	code := m.Run()
	cfg.pool.Close()
	os.Exit(code)
}

type call struct {
	ID          int64  `json:"id"`
	UniqueID    string `json:"uniqueId"`
	State       string `json:"state"`
	Destination string `json:"destination"`
	Duration    int    `json:"durationSeconds"`
	HangupCause string `json:"hangupCause"`
	Events      []struct {
		Type string `json:"type"`
	} `json:"events"`
	Transcriptions []struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
		Text   string `json:"text"`
	} `json:"transcriptions"`
}

func TestQueryLive(t *testing.T) {
	t.Parallel()
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.queryURL, "/live", nil)), http.StatusOK)
}

func TestQueryStatus(t *testing.T) {
	t.Parallel()
	resp := test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.queryURL, "/status", nil))
	test.CheckCode(t, resp, http.StatusOK)
	res := test.Decode[struct {
		Connections []struct {
			Name string `json:"name"`
		} `json:"connections"`
	}](t, resp)
	assert.Equal(t, 2, len(res.Connections))
}

func TestQueryStats(t *testing.T) {
	t.Parallel()
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.queryURL, "/stats", nil)), http.StatusOK)
}

func TestQueryCalls_BadParam(t *testing.T) {
	t.Parallel()
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.queryURL, "/calls?limit=-1", nil)),
		http.StatusBadRequest)
}

func TestQueryCall_NotFound(t *testing.T) {
	t.Parallel()
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.queryURL, "/calls/999999999", nil)),
		http.StatusNotFound)
}

func TestCallLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	uid := uuid.NewString()
	st := time.Now().Add(-time.Minute).UTC()
	id, created, err := cfg.db.CreateCall(ctx, &persistence.CallRecord{UniqueID: uid, CallerID: "100",
		Channel: "PJSIP/100-01", State: "ringing", StartTime: st})
	require.Nil(t, err)
	assert.True(t, created)

	id2, created, err := cfg.db.CreateCall(ctx, &persistence.CallRecord{UniqueID: uid, State: "ringing", StartTime: st})
	require.Nil(t, err)
	assert.False(t, created)
	assert.Equal(t, id, id2)

	require.Nil(t, cfg.db.LogEvent(ctx, id, "newchannel", map[string]string{"Channel": "PJSIP/100-01"}))
	require.Nil(t, cfg.db.UpdateCallAnswered(ctx, id, st.Add(5*time.Second)))
	require.Nil(t, cfg.db.UpdateCallDestination(ctx, id, "200", "PJSIP/200-02"))
	require.Nil(t, cfg.db.UpdateCallEnded(ctx, id, &persistence.CallEnd{EndTime: st.Add(35 * time.Second),
		DurationSeconds: 35, Cause: "normal", CauseText: "Normal Clearing"}))

	tID, err := cfg.db.CreateTranscription(ctx, id, "/rec/"+uid+".wav")
	require.Nil(t, err)
	ok, err := cfg.db.MarkProcessing(ctx, tID, time.Now().Add(-time.Minute))
	require.Nil(t, err)
	assert.True(t, ok)
	ok, err = cfg.db.MarkProcessing(ctx, tID, time.Now().Add(-time.Minute))
	require.Nil(t, err)
	assert.False(t, ok, "job in work must not be claimed twice")
	ok, err = cfg.db.MarkProcessing(ctx, tID, time.Now().Add(time.Minute))
	require.Nil(t, err)
	assert.True(t, ok, "stale job is claimed again")
	require.Nil(t, cfg.db.CompleteTranscription(ctx, tID, "hello"))
	assert.Nil(t, cfg.db.FailTranscription(ctx, tID, "late failure"))
	ok, err = cfg.db.MarkProcessing(ctx, tID, time.Now().Add(time.Minute))
	require.Nil(t, err)
	assert.False(t, ok, "completed job is not claimed")

	resp := test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.queryURL, fmt.Sprintf("/calls/%d", id), nil))
	test.CheckCode(t, resp, http.StatusOK)
	c := test.Decode[call](t, resp)
	assert.Equal(t, uid, c.UniqueID)
	assert.Equal(t, "ended", c.State)
	assert.Equal(t, "200", c.Destination)
	assert.Equal(t, 35, c.Duration)
	assert.Equal(t, "normal", c.HangupCause)
	require.Equal(t, 1, len(c.Events))
	assert.Equal(t, "newchannel", c.Events[0].Type)
	require.Equal(t, 1, len(c.Transcriptions))
	assert.Equal(t, "completed", c.Transcriptions[0].Status)
	assert.Equal(t, "hello", c.Transcriptions[0].Text)

	cleaner, err := postgres.NewCleaner(cfg.pool)
	require.Nil(t, err)
	require.Nil(t, cleaner.Clean(ctx, strconv.FormatInt(id, 10)))
	cr, err := cfg.db.LoadCall(ctx, id)
	require.Nil(t, err)
	assert.Nil(t, cr)
	tr, err := cfg.db.LoadTranscription(ctx, tID)
	require.Nil(t, err)
	assert.Nil(t, tr)
}

func TestEmailLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	id := uuid.NewString()
	require.Nil(t, cfg.db.LockEmailTable(ctx, id, "Finished"))
	assert.NotNil(t, cfg.db.LockEmailTable(ctx, id, "Finished"))
	free := 0
	require.Nil(t, cfg.db.UnLockEmailTable(ctx, id, "Finished", &free))
	require.Nil(t, cfg.db.LockEmailTable(ctx, id, "Finished"))
}

func TestExpiredIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	uid := uuid.NewString()
	st := time.Now().Add(-48 * time.Hour).UTC()
	id, _, err := cfg.db.CreateCall(ctx, &persistence.CallRecord{UniqueID: uid, State: "ringing", StartTime: st})
	require.Nil(t, err)
	require.Nil(t, cfg.db.UpdateCallEnded(ctx, id, &persistence.CallEnd{EndTime: st.Add(time.Minute),
		DurationSeconds: 60, Cause: "normal"}))

	p, err := postgres.NewDBIdsProvider(cfg.pool, 24*time.Hour)
	require.Nil(t, err)
	ids, err := p.GetExpired(ctx)
	require.Nil(t, err)
	assert.Contains(t, ids, strconv.FormatInt(id, 10))
}
