package main

import (
	"context"
	"time"

	"github.com/airenas/async-api/pkg/miniofs"
	"github.com/airenas/callscribe/internal/pkg/archive"
	"github.com/airenas/callscribe/internal/pkg/postgres"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/callscribe/internal/pkg/transcription"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
)

// runs every pending or stuck transcription job once and exits
func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	timeout := cfg.GetDuration("retry.timeout")
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancelFunc := context.WithTimeout(context.Background(), timeout)
	defer cancelFunc()

	dbPool, err := pgxpool.New(ctx, cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}
	opts := transcription.Options{Delay: defaultV(cfg.GetDuration("transcription.delay"), 2*time.Second),
		StaleAfter: defaultV(cfg.GetDuration("transcription.timeout"), 5*time.Minute)}
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
	runner, err := transcription.NewRunner(db, opts)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init runner")
	}

	defer goapp.Estimate("retry")()
	res, err := runner.RetryPending(ctx)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("retry failed")
	}
	completed, failed, skipped := summarize(res)
	goapp.Log.Info().Int("jobs", len(res)).Int("completed", completed).Int("failed", failed).
		Int("skipped", skipped).Msg("retry done")
}

func summarize(res []*transcription.Result) (int, int, int) {
	completed, failed, skipped := 0, 0, 0
	for _, r := range res {
		if r.Skipped {
			skipped++
			continue
		}
		switch r.Status {
		case status.Completed:
			completed++
		case status.Failed:
			failed++
		}
	}
	return completed, failed, skipped
}

func defaultV[T comparable](v, d T) T {
	var zero T
	if v == zero {
		return d
	}
	return v
}
