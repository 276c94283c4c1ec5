package inform

import (
	"context"
	"fmt"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/utils"
	"github.com/airenas/callscribe/internal/pkg/utils/handler"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jordan-wright/email"
	"github.com/vgarvardt/gue/v5"
)

// Sender send emails
type Sender interface {
	Send(email *email.Email) error
}

// EmailMaker prepares the email
type EmailMaker interface {
	Make(data *Data) (*email.Email, error)
}

// DB loads notification data and tracks email sending,
// the lock guarantees not to send the same email twice
type DB interface {
	LoadTranscription(ctx context.Context, id int64) (*persistence.Transcription, error)
	LoadCall(ctx context.Context, id int64) (*persistence.CallRecord, error)
	LockEmailTable(ctx context.Context, id, msgType string) error
	UnLockEmailTable(ctx context.Context, id, msgType string, value *int) error
}

// ServiceData keeps data required for service work
type ServiceData struct {
	GueClient   *gue.Client
	WorkerCount int
	EmailSender Sender
	EmailMaker  EmailMaker
	DB          DB
	Location    *time.Location
	// RetryDelay is a constant delay between send attempts, zero keeps the default backoff
	RetryDelay time.Duration
}

const (
	lockFree = 0
	lockSent = 2
)

// StartWorkerService starts the queue listener for voicemail notifications
// returns channel for tracking when all jobs are finished
func StartWorkerService(ctx context.Context, data *ServiceData) (chan struct{}, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	goapp.Log.Info().Int("workers", data.WorkerCount).Msg("Starting listen for inform messages")

	wm := gue.WorkMap{
		messages.Inform: handler.Create(data, handleInform, informOpts(data)),
	}

	pool, err := gue.NewWorkerPool(
		data.GueClient, wm, data.WorkerCount,
		gue.WithPoolQueue(messages.Inform),
		gue.WithPoolLogger(utils.NewGueLoggerAdapter()),
		gue.WithPoolPollInterval(500*time.Millisecond),
		gue.WithPoolPollStrategy(gue.RunAtPollStrategy),
		gue.WithPoolID("voicemail-inform"),
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

func informOpts(data *ServiceData) *handler.Opts[amessages.InformMessage] {
	res := handler.DefaultOpts[amessages.InformMessage]().WithTimeout(time.Minute)
	if data.RetryDelay > 0 {
		res.WithBackoff(gue.NewConstantBackoff(data.RetryDelay))
	}
	return res
}

func handleInform(ctx context.Context, m *amessages.InformMessage, data *ServiceData) error {
	goapp.Log.Info().Str("ID", m.ID).Str("type", m.Type).Msg("handling")

	jobID, err := utils.ParamID("id", m.ID)
	if err != nil {
		return err
	}
	job, err := data.DB.LoadTranscription(ctx, jobID)
	if err != nil {
		return fmt.Errorf("can't load transcription: %w", err)
	}
	if job == nil {
		goapp.Log.Warn().Str("ID", m.ID).Msg("no transcription, skip")
		return nil
	}
	call, err := data.DB.LoadCall(ctx, job.CallID)
	if err != nil {
		return fmt.Errorf("can't load call: %w", err)
	}

	mailData := makeData(job, call)
	mailData.MsgType = m.Type
	mailData.MsgTime = toLocalTime(data, m.At)
	mailData.CallTime = toLocalTime(data, mailData.CallTime)

	email, err := data.EmailMaker.Make(mailData)
	if err != nil {
		return fmt.Errorf("can't prepare email: %w", err)
	}

	if err := data.DB.LockEmailTable(ctx, m.ID, m.Type); err != nil {
		return fmt.Errorf("can't lock mail table: %w", err)
	}
	var unlockValue = lockFree
	defer func() {
		if err := data.DB.UnLockEmailTable(ctx, m.ID, m.Type, &unlockValue); err != nil {
			goapp.Log.Error().Err(err).Str("ID", m.ID).Msg("can't unlock mail table")
		}
	}()

	if err := data.EmailSender.Send(email); err != nil {
		return fmt.Errorf("can't send email: %w", err)
	}
	unlockValue = lockSent
	goapp.Log.Info().Str("ID", m.ID).Str("type", m.Type).Msg("email sent")
	return nil
}

func makeData(job *persistence.Transcription, call *persistence.CallRecord) *Data {
	res := &Data{JobID: job.ID, Status: job.Status, Text: utils.FromSQLStr(job.Text),
		Error: utils.FromSQLStr(job.Error), CallTime: job.Created}
	if call != nil {
		res.CallerID = call.CallerID
		res.CallerName = call.CallerName
		res.Destination = call.Destination
		res.CallTime = call.StartTime
	}
	return res
}

func validate(data *ServiceData) error {
	if data.GueClient == nil {
		return fmt.Errorf("no gue client")
	}
	if data.WorkerCount < 1 {
		return fmt.Errorf("no worker count provided")
	}
	if data.EmailMaker == nil {
		return fmt.Errorf("no EmailMaker")
	}
	if data.EmailSender == nil {
		return fmt.Errorf("no EmailSender")
	}
	if data.DB == nil {
		return fmt.Errorf("no DB")
	}
	return nil
}

func toLocalTime(data *ServiceData, t time.Time) time.Time {
	if data.Location != nil {
		return t.In(data.Location)
	}
	return t
}
