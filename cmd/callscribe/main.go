package main

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/airenas/async-api/pkg/miniofs"
	"github.com/airenas/callscribe/internal/pkg/ami"
	"github.com/airenas/callscribe/internal/pkg/archive"
	"github.com/airenas/callscribe/internal/pkg/ari"
	"github.com/airenas/callscribe/internal/pkg/pipeline"
	"github.com/airenas/callscribe/internal/pkg/postgres"
	"github.com/airenas/callscribe/internal/pkg/queryservice"
	"github.com/airenas/callscribe/internal/pkg/supervisor"
	"github.com/airenas/callscribe/internal/pkg/tracker"
	"github.com/airenas/callscribe/internal/pkg/transcription"
	"github.com/airenas/callscribe/internal/pkg/utils"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
	"github.com/spf13/viper"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
	"go.uber.org/multierr"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	go utils.RunPerfEndpoint()

	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	dbConfig, err := pgxpool.ParseConfig(cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	goapp.Log.Info().Int32("max_conn", dbConfig.MaxConns).Int32("min_conn", dbConfig.MinConns).Msg("db info")
	dbPool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}
	gueClient, err := gue.NewClient(pgxv5.NewConnPool(dbPool))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue")
	}
	sender, err := postgres.NewSender(gueClient)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}

	var arch transcription.Archive
	var archReader queryservice.FileReader
	if cfg.GetString("archive.url") != "" {
		filer, err := miniofs.NewFiler(ctx, miniofs.Options{Bucket: defaultV(cfg.GetString("archive.bucket"), "callscribe"),
			URL: cfg.GetString("archive.url"), User: cfg.GetString("archive.user"), Key: cfg.GetString("archive.key")})
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init archive")
		}
		saver, err := archive.NewSaver(filer)
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init archive")
		}
		arch, archReader = saver, filer
	} else {
		goapp.Log.Info().Msg("no archive.url, transcripts are not archived")
	}

	jobTimeout := defaultV(cfg.GetDuration("transcription.timeout"), 5*time.Minute)
	runner, err := transcription.NewRunner(db, transcription.Options{
		Delay: defaultV(cfg.GetDuration("transcription.delay"), 2*time.Second), Archive: arch, StaleAfter: jobTimeout})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init transcription runner")
	}

	var doneChs []chan struct{}
	wc := 2
	if cfg.IsSet("worker.count") {
		wc = cfg.GetInt("worker.count")
	}
	if wc > 0 {
		doneCh, err := transcription.StartWorkerService(ctx, &transcription.ServiceData{GueClient: gueClient,
			WorkerCount: wc, Processor: runner, MsgSender: sender, Timeout: jobTimeout,
			Inform: cfg.GetBool("inform.enabled")})
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't start transcription workers")
		}
		doneChs = append(doneChs, doneCh)
	} else {
		goapp.Log.Info().Msg("no worker.count, transcription jobs are left for external workers")
	}

	wsKeeper := queryservice.NewWSConnKeeper(cfg.GetDuration("subscribe.timeout"))
	statusCh, err := queryservice.StartStatusHandler(ctx, &queryservice.HandlerData{GueClient: gueClient,
		WorkerCount: defaultV(cfg.GetInt("status.workerCount"), 1), DB: db, WSHandler: wsKeeper})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start status handler")
	}
	doneChs = append(doneChs, statusCh)

	amiClient, err := ami.NewClient(ami.Options{Host: cfg.GetString("ami.host"),
		Port: defaultV(cfg.GetInt("ami.port"), 5038), User: cfg.GetString("ami.user"), Secret: cfg.GetString("ami.secret")})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init event stream client")
	}
	trk, err := tracker.New(db)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init call tracker")
	}
	trk.Register(amiClient)
	amiSup, err := supervisor.New("ami", amiClient, supervisorOpts(cfg, "ami", cfg.GetString("ami.host"),
		defaultV(cfg.GetInt("ami.port"), 5038)))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init event stream supervisor")
	}

	ariClient, err := ari.NewClient(ari.Options{URL: cfg.GetString("ari.url"), User: cfg.GetString("ari.user"),
		Password: cfg.GetString("ari.password"), App: cfg.GetString("ari.app"),
		CommandTimeout: cfg.GetDuration("ari.commandTimeout")})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init control channel client")
	}
	orch, err := pipeline.New(ariClient, db, sender, pipelineOpts(cfg))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init voice pipeline")
	}
	orch.Register(ariClient)
	ariHost, ariPort, err := hostPort(cfg.GetString("ari.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("wrong ari.url")
	}
	ariSup, err := supervisor.New("ari", ariClient, supervisorOpts(cfg, "ari", ariHost, ariPort))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init control channel supervisor")
	}

	for _, s := range []*supervisor.Supervisor{amiSup, ariSup} {
		name := s.Status().Name
		s.On(supervisor.SignalExhausted, func(err error) {
			goapp.Log.Error().Err(err).Str("conn", name).Msg("gave up reconnecting")
		})
	}

	printBanner()

	if err := amiSup.Start(ctx); err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start event stream connection")
	}
	if err := ariSup.Start(ctx); err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start control channel connection")
	}

	if cfg.GetBool("transcription.retryOnStart") {
		go func() {
			res, err := runner.RetryPending(ctx)
			if err != nil {
				goapp.Log.Error().Err(err).Msg("retry on start failed")
				return
			}
			goapp.Log.Info().Int("jobs", len(res)).Msg("retry on start finished")
		}()
	}

	err = queryservice.StartWebServer(&queryservice.Data{Port: defaultV(cfg.GetInt("port"), 8000), DB: db,
		WSHandler: wsKeeper, Retrier: runner, Archive: archReader, Supervisors: []queryservice.Supervised{amiSup, ariSup},
		ActiveCalls: trk.ActiveCalls, ActiveSessions: orch.ActiveSessions})
	if err != nil {
		goapp.Log.Error().Err(err).Msg("can't start web server")
	}

	goapp.Log.Info().Msg("shutting down")
	closeCtx, closeCf := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCf()
	// sessions are hung up while the control channel is still connected
	err = orch.Close(closeCtx)
	err = multierr.Append(err, ariSup.Stop())
	err = multierr.Append(err, amiSup.Stop())
	if err != nil {
		goapp.Log.Warn().Err(err).Msg("shutdown")
	}
	cancelFunc()
	waitAll(doneChs, 15*time.Second)
}

func waitAll(chs []chan struct{}, timeout time.Duration) {
	to := time.After(timeout)
	for _, ch := range chs {
		select {
		case <-ch:
		case <-to:
			goapp.Log.Warn().Msg("Timeout gracefull shutdown")
			return
		}
	}
	goapp.Log.Info().Msg("All code returned. Now exit. Bye")
}

func supervisorOpts(cfg *viper.Viper, prefix, host string, port int) supervisor.Options {
	return supervisor.Options{Host: host, Port: port,
		RetryInterval:  cfg.GetDuration(prefix + ".retryInterval"),
		MaxAttempts:    cfg.GetInt(prefix + ".maxAttempts"),
		ConnectTimeout: cfg.GetDuration(prefix + ".connectTimeout")}
}

func pipelineOpts(cfg *viper.Viper) pipeline.Options {
	return pipeline.Options{
		PromptMedia:       cfg.GetString("pipeline.promptMedia"),
		BeepMedia:         cfg.GetString("pipeline.beepMedia"),
		GoodbyeMedia:      cfg.GetString("pipeline.goodbyeMedia"),
		RecordingDuration: cfg.GetDuration("pipeline.recordingDuration"),
		RecordingFormat:   cfg.GetString("pipeline.recordingFormat"),
		RecordingDir:      cfg.GetString("pipeline.recordingDir"),
		GoodbyeDelay:      cfg.GetDuration("pipeline.goodbyeDelay"),
	}
}

func hostPort(urlStr string) (string, int, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, err
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		if u.Scheme == "https" {
			return u.Host, 443, nil
		}
		return u.Host, 80, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func defaultV[T comparable](v, d T) T {
	var zero T
	if v == zero {
		return d
	}
	return v
}

var (
	version = "DEV"
)

func printBanner() {
	banner := `
            ____                   _ __       
  _________ _/ / /_____________(_) /_  ___ 
 / ___/ __ ` + "`" + `/ / / ___/ ___/ ___/ / __ \/ _ \
/ /__/ /_/ / / (__  ) /__/ /  / / /_/ /  __/
\___/\__,_/_/_/____/\___/_/  /_/_.___/\___/  v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/callscribe"))
}
