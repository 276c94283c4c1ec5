package queryservice

import (
	"context"
	"fmt"
	"time"

	"github.com/airenas/callscribe/internal/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/utils"
	"github.com/airenas/callscribe/internal/pkg/utils/handler"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/vgarvardt/gue/v5"
)

// TranscriptionDB loads transcription jobs
type TranscriptionDB interface {
	LoadTranscription(ctx context.Context, id int64) (*persistence.Transcription, error)
}

// HandlerData keeps data required for handler
type HandlerData struct {
	GueClient   *gue.Client
	WorkerCount int
	DB          TranscriptionDB
	WSHandler   WSConnHandler
}

// StartStatusHandler starts the queue listener for transcription status events
// returns channel for tracking if all jobs are finished
func StartStatusHandler(ctx context.Context, data *HandlerData) (chan struct{}, error) {
	if err := validateHandler(data); err != nil {
		return nil, err
	}
	goapp.Log.Info().Msg("Starting listen for status messages")

	wm := gue.WorkMap{
		messages.StatusChange: handler.Create(data, handleStatus,
			handler.DefaultOpts[messages.StatusMessage]().WithTimeout(time.Minute).WithMaxRetries(2)),
	}

	pool, err := gue.NewWorkerPool(
		data.GueClient, wm, data.WorkerCount,
		gue.WithPoolQueue(messages.StatusChange),
		gue.WithPoolLogger(utils.NewGueLoggerAdapter()),
		gue.WithPoolPollInterval(500*time.Millisecond),
		gue.WithPoolPollStrategy(gue.RunAtPollStrategy),
		gue.WithPoolID("status-worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("could not build gue workers pool: %w", err)
	}
	res := make(chan struct{}, 1)
	go func() {
		goapp.Log.Info().Msg("Starting status workers")
		if err := pool.Run(ctx); err != nil {
			goapp.Log.Error().Err(err).Msg("pool error")
		}
		goapp.Log.Info().Msg("Status workers finished")
		res <- struct{}{}
	}()
	return res, nil
}

func handleStatus(ctx context.Context, m *messages.StatusMessage, data *HandlerData) error {
	conns, found := data.WSHandler.GetConnections(m.ID)
	if !found {
		goapp.Log.Debug().Str("ID", m.ID).Msg("no subscribers")
		return nil
	}
	id, err := utils.ParamID("id", m.ID)
	if err != nil {
		return err
	}
	t, err := data.DB.LoadTranscription(ctx, id)
	if err != nil {
		return fmt.Errorf("can't load transcription %d: %w", id, err)
	}
	if t == nil {
		return fmt.Errorf("no transcription %d", id)
	}
	res := mapTranscription(t)
	for _, c := range conns {
		if err := c.WriteJSON(res); err != nil {
			goapp.Log.Warn().Err(err).Str("ID", m.ID).Msg("can't write to websocket")
		}
	}
	goapp.Log.Debug().Str("ID", m.ID).Int("conns", len(conns)).Msg("status sent")
	return nil
}

func validateHandler(data *HandlerData) error {
	if data.GueClient == nil {
		return fmt.Errorf("no gue client")
	}
	if data.WorkerCount < 1 {
		return fmt.Errorf("no worker count provided")
	}
	if data.DB == nil {
		return fmt.Errorf("no DB")
	}
	if data.WSHandler == nil {
		return fmt.Errorf("no WSHandler")
	}
	return nil
}
