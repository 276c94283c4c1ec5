package main

import (
	"context"
	"time"

	aclean "github.com/airenas/async-api/pkg/clean"
	"github.com/airenas/async-api/pkg/miniofs"
	"github.com/airenas/callscribe/internal/pkg/archive"
	"github.com/airenas/callscribe/internal/pkg/clean"
	"github.com/airenas/callscribe/internal/pkg/postgres"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	data := &clean.Data{}
	data.Port = cfg.GetInt("port")

	ctx := context.Background()

	dbConfig, err := pgxpool.ParseConfig(cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}

	dbPool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	dbCleaner, err := postgres.NewCleaner(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db cleaner")
	}

	cleaner := &aclean.CleanerGroup{}
	// transcript objects are listed from the db, so they go before the rows
	if cfg.GetString("archive.url") != "" {
		bucket := cfg.GetString("archive.bucket")
		if bucket == "" {
			bucket = "callscribe"
		}
		filer, err := miniofs.NewFiler(ctx, miniofs.Options{Bucket: bucket,
			URL: cfg.GetString("archive.url"), User: cfg.GetString("archive.user"), Key: cfg.GetString("archive.key")})
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init archive")
		}
		db, err := postgres.NewDB(dbPool)
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init db")
		}
		archCleaner, err := archive.NewCleaner(db, filer)
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init archive cleaner")
		}
		cleaner.Jobs = append(cleaner.Jobs, archCleaner)
	}
	cleaner.Jobs = append(cleaner.Jobs, dbCleaner)

	idsProvider, err := postgres.NewDBIdsProvider(dbPool, cfg.GetDuration("timer.expire"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init IDs provider")
	}

	printBanner()

	data.Cleaner = cleaner
	data.IDsProvider = idsProvider

	tData := aclean.TimerData{IDsProvider: idsProvider}
	tData.RunEvery = cfg.GetDuration("timer.runEvery")
	tData.Cleaner = cleaner

	goapp.Log.Info().Dur("duration", cfg.GetDuration("timer.expire")).Msg("expire")

	ctxTimer, cancelFunc := context.WithCancel(ctx)
	doneCh, err := aclean.StartCleanTimer(ctxTimer, &tData)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start timer")
	}
	err = clean.StartWebServer(data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start web server")
	}
	cancelFunc()
	select {
	case <-doneCh:
		goapp.Log.Info().Msg("All code returned. Now exit. Bye")
	case <-time.After(time.Second * 15):
		goapp.Log.Warn().Msg("Timeout gracefull shutdown")
	}
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
  _____/ /__  ____ _____
 / ___/ / _ \/ __ ` + "`" + `/ __ \
/ /__/ /  __/ /_/ / / / /
\___/_/\___/\__,_/_/ /_/   v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/callscribe"))
}
