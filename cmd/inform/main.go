package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	ainform "github.com/airenas/async-api/pkg/inform"
	"github.com/airenas/callscribe/internal/pkg/inform"
	"github.com/airenas/callscribe/internal/pkg/postgres"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
	"github.com/spf13/viper"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	data := &inform.ServiceData{}
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

	data.GueClient, err = gue.NewClient(pgxv5.NewConnPool(dbPool))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue")
	}
	data.WorkerCount = cfg.GetInt("worker.count")
	if data.WorkerCount < 1 {
		data.WorkerCount = 1
	}

	data.RetryDelay = cfg.GetDuration("inform.retryDelay")

	data.EmailMaker, err = inform.NewVoicemailMaker(cfg.GetString("inform.from"), cfg.GetStringSlice("inform.to"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init email maker")
	}

	data.Location, err = loadLocation(cfg.GetString("worker.location"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init location")
	}
	data.EmailSender, err = initSender(cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init email sender")
	}

	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}

	data.DB = db

	printBanner()

	ctx, cancelFunc := context.WithCancel(context.Background())
	doneCh, err := inform.StartWorkerService(ctx, data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start inform service")
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

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return nil, nil
	}
	res, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	goapp.Log.Info().Str("local", time.Now().In(res).Format(time.RFC3339)).Msg("time")
	return res, nil
}

func initSender(cfg *viper.Viper) (inform.Sender, error) {
	if cfg.GetString("smtp.fakeUrl") != "" {
		goapp.Log.Info().Str("sender", "fake").Msg("smtp")
		return inform.NewFakeEmailSender(cfg)
	}
	goapp.Log.Info().Str("sender", "real").Msg("smtp")
	return ainform.NewSimpleEmailSender(cfg)
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
    _       ____
   (_)___  / __/___  _________ ___
  / / __ \/ /_/ __ \/ ___/ __ ` + "`" + `__ \
 / / / / / __/ /_/ / /  / / / / / /
/_/_/ /_/_/  \____/_/  /_/ /_/ /_/   v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/callscribe"))
}
