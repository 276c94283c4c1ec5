package transcription

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/go-app/pkg/goapp"
)

// DB provides transcription job persistence
type DB interface {
	// MarkProcessing claims the job, false if it is finished or held by a live worker
	MarkProcessing(ctx context.Context, id int64, staleBefore time.Time) (bool, error)
	CompleteTranscription(ctx context.Context, id int64, text string) error
	FailTranscription(ctx context.Context, id int64, msg string) error
	LoadUnfinishedTranscriptions(ctx context.Context) ([]*persistence.Transcription, error)
}

// Archive stores the transcript text
type Archive interface {
	Save(ctx context.Context, name, text string) error
}

// Options of the runner
type Options struct {
	Delay   time.Duration
	Texts   []string
	Archive Archive
	// StaleAfter is the age of a processing job after which it may be claimed again
	StaleAfter time.Duration
}

// DefaultTexts is the result pool of the simulated transcriber
var DefaultTexts = []string{
	"Hello, I would like to check the status of my order.",
	"Please call me back tomorrow morning.",
	"I have a question about my last invoice.",
	"The service has been down since yesterday evening.",
	"Thank you, that is all I wanted to say.",
}

func (o Options) withDefaults() Options {
	if o.Delay < 0 {
		o.Delay = 0
	}
	if len(o.Texts) == 0 {
		o.Texts = DefaultTexts
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	return o
}

// Result of one job, Status is not set for a skipped job
type Result struct {
	JobID   int64
	Status  status.Transcription
	Text    string
	Err     error
	Skipped bool
}

var errNotRunnable = errors.New("job is not runnable")

// Runner performs transcription jobs.
// A job is claimed in the store before the work starts, so concurrent runs of the same job are skipped
type Runner struct {
	db   DB
	opts Options
}

// NewRunner creates job runner
func NewRunner(db DB, opts Options) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("no DB")
	}
	return &Runner{db: db, opts: opts.withDefaults()}, nil
}

// Process runs the job, failures are recorded on the job and returned in the result
func (r *Runner) Process(ctx context.Context, jobID int64, recordingPath string) *Result {
	goapp.Log.Info().Int64("job", jobID).Str("path", recordingPath).Msg("processing")
	text, err := r.process(ctx, jobID, recordingPath)
	if errors.Is(err, errNotRunnable) {
		goapp.Log.Info().Int64("job", jobID).Msg("finished or taken by other worker, skip")
		return &Result{JobID: jobID, Skipped: true}
	}
	if err != nil {
		goapp.Log.Error().Err(err).Int64("job", jobID).Msg("transcription failed")
		fCtx, cf := context.WithTimeout(context.Background(), 10*time.Second)
		defer cf()
		if errF := r.db.FailTranscription(fCtx, jobID, err.Error()); errF != nil {
			goapp.Log.Error().Err(errF).Int64("job", jobID).Msg("can't mark failed")
		}
		return &Result{JobID: jobID, Status: status.Failed, Err: err}
	}
	goapp.Log.Info().Int64("job", jobID).Msg("completed")
	return &Result{JobID: jobID, Status: status.Completed, Text: text}
}

func (r *Runner) process(ctx context.Context, jobID int64, recordingPath string) (string, error) {
	ok, err := r.db.MarkProcessing(ctx, jobID, time.Now().Add(-r.opts.StaleAfter))
	if err != nil {
		return "", fmt.Errorf("can't mark processing: %w", err)
	}
	if !ok {
		return "", errNotRunnable
	}
	if r.opts.Delay > 0 {
		select {
		case <-time.After(r.opts.Delay):
		case <-ctx.Done():
			return "", fmt.Errorf("interrupted: %w", ctx.Err())
		}
	}
	text := pick(r.opts.Texts, jobID, recordingPath)
	if r.opts.Archive != nil {
		if err := r.opts.Archive.Save(ctx, ArchiveName(jobID), text); err != nil {
			return "", fmt.Errorf("can't archive: %w", err)
		}
	}
	if err := r.db.CompleteTranscription(ctx, jobID, text); err != nil {
		return "", fmt.Errorf("can't complete: %w", err)
	}
	return text, nil
}

// RetryPending processes all unfinished jobs one by one, oldest first
func (r *Runner) RetryPending(ctx context.Context) ([]*Result, error) {
	jobs, err := r.db.LoadUnfinishedTranscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't load jobs: %w", err)
	}
	goapp.Log.Info().Int("count", len(jobs)).Msg("retry pending")
	res := make([]*Result, 0, len(jobs))
	for _, j := range jobs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res = append(res, r.Process(ctx, j.ID, j.RecordingPath))
	}
	return res, nil
}

// pick selects a text deterministically by the job
func pick(texts []string, jobID int64, recordingPath string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(jobID, 10) + ":" + recordingPath))
	return texts[int(h.Sum32()%uint32(len(texts)))]
}

// ArchiveName is the object name of the archived transcript
func ArchiveName(jobID int64) string {
	return strconv.FormatInt(jobID, 10) + "/transcript.txt"
}
