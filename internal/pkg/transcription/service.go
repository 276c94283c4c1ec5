package transcription

import (
	"context"
	"fmt"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/callscribe/internal/pkg/utils"
	"github.com/airenas/callscribe/internal/pkg/utils/handler"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/pkg/errors"
	"github.com/vgarvardt/gue/v5"
)

// Processor runs one transcription job
type Processor interface {
	Process(ctx context.Context, jobID int64, recordingPath string) *Result
}

// ServiceData keeps data required for service work
type ServiceData struct {
	GueClient   *gue.Client
	WorkerCount int
	Processor   Processor
	MsgSender   handler.MsgSender
	Timeout     time.Duration
	// Inform enables voicemail email notification of finished jobs
	Inform bool
}

// StartWorkerService starts the queue listener for transcription jobs
// returns channel for tracking if all jobs are finished
func StartWorkerService(ctx context.Context, data *ServiceData) (chan struct{}, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	goapp.Log.Info().Int("workers", data.WorkerCount).Msg("Starting listen for messages")

	wm := gue.WorkMap{
		messages.Transcribe: handler.Create(data, handleTranscribe,
			handler.DefaultOpts[messages.TranscribeMessage]().WithTimeout(data.Timeout).WithFailure(skipFailure)),
	}

	pool, err := gue.NewWorkerPool(
		data.GueClient, wm, data.WorkerCount,
		gue.WithPoolQueue(messages.Transcribe),
		gue.WithPoolLogger(utils.NewGueLoggerAdapter()),
		gue.WithPoolPollInterval(500*time.Millisecond),
		gue.WithPoolPollStrategy(gue.RunAtPollStrategy),
		gue.WithPoolID("transcription-worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("could not build gue workers pool: %w", err)
	}
	res := make(chan struct{}, 1)
	go func() {
		goapp.Log.Info().Msg("Starting workers")
		if err := pool.Run(ctx); err != nil {
			goapp.Log.Error().Err(err).Msg("pool error")
		}
		goapp.Log.Info().Msg("Pool workers finished")
		res <- struct{}{}
	}()
	return res, nil
}

func validate(data *ServiceData) error {
	if data.GueClient == nil {
		return errors.New("no gue client")
	}
	if data.WorkerCount < 1 {
		return errors.New("no worker count provided")
	}
	if data.Processor == nil {
		return errors.New("no processor")
	}
	if data.MsgSender == nil {
		return errors.New("no msg sender")
	}
	if data.Timeout <= 0 {
		data.Timeout = 5 * time.Minute
	}
	return nil
}

func handleTranscribe(ctx context.Context, m *messages.TranscribeMessage, data *ServiceData) error {
	goapp.Log.Info().Str("ID", m.ID).Int64("job", m.JobID).Msg("handling")
	if m.JobID == 0 {
		return fmt.Errorf("no job ID")
	}
	res := data.Processor.Process(ctx, m.JobID, m.RecordingPath)
	if res.Skipped {
		return nil
	}
	if err := data.MsgSender.SendMessage(ctx, messages.NewStatusMessage(m.JobID, res.Status.String()),
		messages.StatusChange); err != nil {
		goapp.Log.Warn().Err(err).Int64("job", m.JobID).Msg("can't send status change")
	}
	if data.Inform && res.Status.Terminal() {
		if err := data.MsgSender.SendMessage(ctx, &amessages.InformMessage{
			QueueMessage: amessages.QueueMessage{ID: m.ID}, Type: informType(res.Status), At: time.Now()},
			messages.Inform); err != nil {
			goapp.Log.Warn().Err(err).Int64("job", m.JobID).Msg("can't send inform msg")
		}
	}
	if res.Status != status.Completed {
		return fmt.Errorf("job %d %s: %w", m.JobID, res.Status, res.Err)
	}
	return nil
}

func informType(st status.Transcription) string {
	if st == status.Completed {
		return amessages.InformTypeFinished
	}
	return amessages.InformTypeFailed
}

// skipFailure never reschedules, the job is already marked failed and batch retry picks it up
func skipFailure(ctx context.Context, m *messages.TranscribeMessage, err error, j *gue.Job) (bool, time.Duration, error) {
	return false, 0, nil
}
