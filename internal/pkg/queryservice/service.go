package queryservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/airenas/callscribe/internal/pkg/archive"
	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/callscribe/internal/pkg/supervisor"
	"github.com/airenas/callscribe/internal/pkg/transcription"
	"github.com/airenas/callscribe/internal/pkg/utils"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/facebookgo/grace/gracehttp"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DB provides read access to calls and transcriptions
type DB interface {
	LoadCall(ctx context.Context, id int64) (*persistence.CallRecord, error)
	ListCalls(ctx context.Context, filter *persistence.CallFilter) ([]*persistence.CallRecord, error)
	ListCallEvents(ctx context.Context, callID int64) ([]*persistence.CallEvent, error)
	ListCallTranscriptions(ctx context.Context, callID int64) ([]*persistence.Transcription, error)
	LoadTranscription(ctx context.Context, id int64) (*persistence.Transcription, error)
	CallStats(ctx context.Context) ([]*persistence.StateCount, error)
	TranscriptionStats(ctx context.Context) ([]*persistence.StateCount, error)
	Live(ctx context.Context) error
}

// Supervised reports the external connection health
type Supervised interface {
	Status() supervisor.Status
}

// Retrier runs batch retry of unfinished transcriptions
type Retrier interface {
	RetryPending(ctx context.Context) ([]*transcription.Result, error)
}

// FileReader loads archived objects
type FileReader interface {
	LoadFile(ctx context.Context, name string) (io.ReadSeekCloser, error)
}

// WSConnHandler WebSocket connection wrapper
type WSConnHandler interface {
	HandleConnection(WsConn) error
	GetConnections(id string) ([]WsConn, bool)
}

// Data keeps data required for service work
type Data struct {
	Port           int
	DB             DB
	WSHandler      WSConnHandler
	Retrier        Retrier
	Archive        FileReader
	Supervisors    []Supervised
	ActiveCalls    func() int
	ActiveSessions func() int
	RetryTimeout   time.Duration

	retrying int32
}

// StartWebServer starts echo web service
func StartWebServer(data *Data) error {
	goapp.Log.Info().Msgf("Starting HTTP callscribe query service at %d", data.Port)
	if err := validate(data); err != nil {
		return err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 10 * time.Second

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	return gracehttp.Serve(e.Server)
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("callscribe_query", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.GET("/live", live(data))
	e.GET("/status", statusHandler(data))
	e.GET("/stats", statsHandler(data))
	e.GET("/calls", listCalls(data))
	e.GET("/calls/:id", loadCall(data))
	e.GET("/transcriptions/:id", loadTranscription(data))
	e.GET("/transcriptions/:id/transcript", downloadTranscript(data))
	e.POST("/transcriptions/retry", retry(data))
	e.GET("/subscribe", subscribeHandler(data))

	goapp.Log.Info().Msg("Routes:")
	for _, r := range e.Routes() {
		goapp.Log.Info().Msgf("  %s %s", r.Method, r.Path)
	}
	return e
}

func live(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		if err := data.DB.Live(c.Request().Context()); err != nil {
			goapp.Log.Error().Err(err).Msg("db not live")
			return c.JSONBlob(http.StatusServiceUnavailable, []byte(`{"service":"OK","db":"FAIL"}`))
		}
		return c.JSONBlob(http.StatusOK, []byte(`{"service":"OK","db":"OK"}`))
	}
}

type health struct {
	Connections    []supervisor.Status `json:"connections"`
	ActiveCalls    int                 `json:"activeCalls"`
	ActiveSessions int                 `json:"activeSessions"`
}

func statusHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		res := health{Connections: []supervisor.Status{}}
		for _, s := range data.Supervisors {
			res.Connections = append(res.Connections, s.Status())
		}
		if data.ActiveCalls != nil {
			res.ActiveCalls = data.ActiveCalls()
		}
		if data.ActiveSessions != nil {
			res.ActiveSessions = data.ActiveSessions()
		}
		return c.JSON(http.StatusOK, res)
	}
}

type stats struct {
	Calls          []*persistence.StateCount `json:"calls"`
	Transcriptions []*persistence.StateCount `json:"transcriptions"`
}

func statsHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("stats method")()

		ctx := c.Request().Context()
		cs, err := data.DB.CallStats(ctx)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		ts, err := data.DB.TranscriptionStats(ctx)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		return c.JSON(http.StatusOK, stats{Calls: cs, Transcriptions: ts})
	}
}

func listCalls(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("list calls method")()

		filter, err := makeFilter(c)
		if err != nil {
			goapp.Log.Warn().Err(err).Send()
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		calls, err := data.DB.ListCalls(c.Request().Context(), filter)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		res := make([]*call, 0, len(calls))
		for _, cr := range calls {
			res = append(res, mapCall(cr))
		}
		return c.JSON(http.StatusOK, res)
	}
}

func makeFilter(c echo.Context) (*persistence.CallFilter, error) {
	var err error
	res := &persistence.CallFilter{CallerID: c.QueryParam("caller")}
	if res.Limit, err = utils.ParamInt("limit", c.QueryParam("limit"), 50); err != nil {
		return nil, err
	}
	if res.Offset, err = utils.ParamInt("offset", c.QueryParam("offset"), 0); err != nil {
		return nil, err
	}
	if res.From, err = utils.ParamTime("from", c.QueryParam("from")); err != nil {
		return nil, err
	}
	if res.To, err = utils.ParamTime("to", c.QueryParam("to")); err != nil {
		return nil, err
	}
	if st := c.QueryParam("state"); st != "" {
		if status.CallStateFrom(st) == 0 {
			return nil, utils.NewErrBadParam("state", fmt.Errorf("unknown state %s", st))
		}
		res.State = st
	}
	return res, nil
}

func loadCall(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("call method")()

		id, err := utils.ParamID("id", c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ctx := c.Request().Context()
		cr, err := data.DB.LoadCall(ctx, id)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		if cr == nil {
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no call %d", id))
		}
		res := mapCall(cr)
		evs, err := data.DB.ListCallEvents(ctx, id)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		res.Events = make([]*event, 0, len(evs))
		for _, e := range evs {
			res.Events = append(res.Events, &event{Type: e.Type, Payload: e.Payload, Time: e.CreatedAt})
		}
		trs, err := data.DB.ListCallTranscriptions(ctx, id)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		res.Transcriptions = make([]*transcriptionView, 0, len(trs))
		for _, t := range trs {
			res.Transcriptions = append(res.Transcriptions, mapTranscription(t))
		}
		return c.JSON(http.StatusOK, res)
	}
}

func loadTranscription(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		id, err := utils.ParamID("id", c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		t, err := data.DB.LoadTranscription(c.Request().Context(), id)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		if t == nil {
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no transcription %d", id))
		}
		return c.JSON(http.StatusOK, mapTranscription(t))
	}
}

func downloadTranscript(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("download method")()

		if data.Archive == nil {
			return echo.NewHTTPError(http.StatusNotFound, "archive is not configured")
		}
		id, err := utils.ParamID("id", c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		file, err := data.Archive.LoadFile(c.Request().Context(), transcription.ArchiveName(id))
		if err != nil {
			if archive.IsNotFound(err) {
				return echo.NewHTTPError(http.StatusNotFound, "not found")
			}
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Can't get file")
		}
		defer file.Close()
		modTime := time.Time{}
		if st, ok := file.(interface{ Stat() (fs.FileInfo, error) }); ok {
			fi, err := st.Stat()
			if err != nil {
				if archive.IsNotFound(err) {
					return echo.NewHTTPError(http.StatusNotFound, "not found")
				}
				goapp.Log.Error().Err(err).Send()
				return echo.NewHTTPError(http.StatusInternalServerError, "Can't get file stat")
			}
			modTime = fi.ModTime()
		}
		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
		w.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=transcript-%d.txt", id))
		http.ServeContent(w, c.Request(), "transcript.txt", modTime, file)
		return nil
	}
}

func retry(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		if !atomic.CompareAndSwapInt32(&data.retrying, 0, 1) {
			return echo.NewHTTPError(http.StatusConflict, "retry is already running")
		}
		go func() {
			defer atomic.StoreInt32(&data.retrying, 0)
			ctx, cf := context.WithTimeout(context.Background(), data.RetryTimeout)
			defer cf()
			res, err := data.Retrier.RetryPending(ctx)
			if err != nil {
				goapp.Log.Error().Err(err).Msg("retry failed")
				return
			}
			failed, skipped := 0, 0
			for _, r := range res {
				if r.Skipped {
					skipped++
				} else if r.Status != status.Completed {
					failed++
				}
			}
			goapp.Log.Info().Int("jobs", len(res)).Int("failed", failed).Int("skipped", skipped).Msg("retry finished")
		}()
		return c.JSONBlob(http.StatusAccepted, []byte(`{"retry":"started"}`))
	}
}

func validate(data *Data) error {
	if data.DB == nil {
		return errors.New("no DB")
	}
	if data.WSHandler == nil {
		return errors.New("no WSHandler")
	}
	if data.Retrier == nil {
		return errors.New("no Retrier")
	}
	if data.RetryTimeout <= 0 {
		data.RetryTimeout = 30 * time.Minute
	}
	return nil
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	}}

func subscribeHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return err
		}
		defer ws.Close()

		return data.WSHandler.HandleConnection(ws)
	}
}
