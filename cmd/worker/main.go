package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airenas/async-api/pkg/miniofs"
	"github.com/airenas/callscribe/internal/pkg/archive"
	"github.com/airenas/callscribe/internal/pkg/postgres"
	"github.com/airenas/callscribe/internal/pkg/transcription"
	"github.com/airenas/callscribe/internal/pkg/utils"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	go utils.RunPerfEndpoint()

	data := &transcription.ServiceData{}
	ctx := context.Background()

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

	data.GueClient, err = gue.NewClient(pgxv5.NewConnPool(dbPool))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue")
	}
	data.WorkerCount = defaultV(cfg.GetInt("worker.count"), 1)
	data.Timeout = defaultV(cfg.GetDuration("transcription.timeout"), 5*time.Minute)
	data.Inform = cfg.GetBool("inform.enabled")
	data.MsgSender, err = postgres.NewSender(data.GueClient)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}
	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}

	opts := transcription.Options{Delay: defaultV(cfg.GetDuration("transcription.delay"), 2*time.Second),
		StaleAfter: data.Timeout}
	if cfg.GetString("archive.url") != "" {
		filer, err := miniofs.NewFiler(ctx, miniofs.Options{Bucket: defaultV(cfg.GetString("archive.bucket"), "callscribe"),
			URL: cfg.GetString("archive.url"), User: cfg.GetString("archive.user"), Key: cfg.GetString("archive.key")})
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init archive")
		}
		opts.Archive, err = archive.NewSaver(filer)
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init archive")
		}
	}
	data.Processor, err = transcription.NewRunner(db, opts)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init transcription runner")
	}

	printBanner()

	ctx, cancelFunc := context.WithCancel(context.Background())
	doneCh, err := transcription.StartWorkerService(ctx, data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start worker service")
	}
	/////////////////////// Waiting for terminate
	waitCh := make(chan os.Signal, 2)
	signal.Notify(waitCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-waitCh:
		goapp.Log.Info().Msg("Got exit signal")
	case <-doneCh:
		goapp.Log.Info().Msg("Service exit")
	}
	cancelFunc()
	select {
	case <-doneCh:
		goapp.Log.Info().Msg("All code returned. Now exit. Bye")
	case <-time.After(time.Second * 15):
		goapp.Log.Warn().Msg("Timeout gracefull shutdown")
	}
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
\___/\__,_/_/_/____/\___/_/  /_/_.___/\___/
                      __
 _      ______  _____/ /_____  _____
| | /| / / __ \/ ___/ //_/ _ \/ ___/
| |/ |/ / /_/ / /  / ,< /  __/ /
|__/|__/\____/_/  /_/|_|\___/_/     v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/callscribe"))
}
