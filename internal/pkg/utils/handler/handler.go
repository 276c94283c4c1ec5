package handler

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/vgarvardt/gue/v5"
)

// MsgSender provides send msg functionality
type MsgSender interface {
	SendMessage(context.Context, amessages.Message, string) error
}

// FailureFunc decides if the failed job is rescheduled and after what delay,
// zero delay means the backoff decides
type FailureFunc[TM any] func(context.Context, *TM, error, *gue.Job) (bool, time.Duration, error)

// Opts configures the gue work func
type Opts[TM any] struct {
	backoff        gue.Backoff
	timeout        time.Duration
	maxRetries     int32
	failureHandler FailureFunc[TM]
}

// Create wraps a typed message handler into gue.WorkFunc
func Create[TM any, SD any](data *SD, hf func(context.Context, *TM, *SD) error, opts *Opts[TM]) gue.WorkFunc {
	if opts == nil {
		goapp.Log.Panic().Msg("no opts provided")
	}
	return func(ctx context.Context, j *gue.Job) error {
		goapp.Log.Debug().Str("queue", j.Queue).Str("type", j.Type).Int32("errCount", j.ErrorCount).Msg("got msg")

		var m TM
		err := json.Unmarshal(j.Args, &m)
		if err != nil {
			goapp.Log.Error().Err(err).Str("queue", j.Queue).Msg("drop message")
			return nil
		}
		wrkCtx, cf := context.WithTimeout(ctx, opts.timeout)
		defer cf()
		if err = hf(wrkCtx, &m, data); err == nil {
			return nil
		}
		goapp.Log.Warn().Err(err).Str("queue", j.Queue).Str("type", j.Type).Msg("fail")

		retry, delay, errHandler := opts.failureHandler(ctx, &m, err, j)
		if errHandler != nil {
			goapp.Log.Error().Err(errHandler).Str("queue", j.Queue).Int32("errCount", j.ErrorCount).Msg("failure handler")
		}
		if !retry || j.ErrorCount >= opts.maxRetries {
			goapp.Log.Warn().Str("queue", j.Queue).Str("type", j.Type).Int32("errCount", j.ErrorCount).Msg("giving up")
			return nil
		}
		if delay == 0 {
			delay = opts.backoff(int(j.ErrorCount + 1))
		}
		goapp.Log.Info().Str("queue", j.Queue).Str("type", j.Type).Dur("after", delay).Msg("retry after")
		return gue.ErrRescheduleJobIn(delay, err.Error())
	}
}

// DefaultOpts retries 3 times with jittered linear backoff
func DefaultOpts[TM any]() *Opts[TM] {
	return &Opts[TM]{timeout: time.Minute * 15, maxRetries: 3, backoff: DefaultBackoff(),
		failureHandler: func(context.Context, *TM, error, *gue.Job) (bool, time.Duration, error) { return true, 0, nil }}
}

// DefaultBackoff returns random delay in [0, retries*10s)
func DefaultBackoff() gue.Backoff {
	return func(retries int) time.Duration {
		return fullJitter(time.Duration(retries) * time.Second * 10)
	}
}

// WithFailure sets failure handler
func (o *Opts[TM]) WithFailure(failureHandler FailureFunc[TM]) *Opts[TM] {
	o.failureHandler = failureHandler
	return o
}

// WithTimeout sets timeout for one message handling
func (o *Opts[TM]) WithTimeout(timeout time.Duration) *Opts[TM] {
	o.timeout = timeout
	return o
}

// WithBackoff sets backoff
func (o *Opts[TM]) WithBackoff(b gue.Backoff) *Opts[TM] {
	o.backoff = b
	return o
}

// WithMaxRetries sets how many times the job is rescheduled
func (o *Opts[TM]) WithMaxRetries(n int32) *Opts[TM] {
	o.maxRetries = n
	return o
}

// fullJitter return randomized duration in interval [0, t)
func fullJitter(t time.Duration) time.Duration {
	return time.Duration(float64(t) * rand.Float64())
}
