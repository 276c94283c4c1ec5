package pipeline

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/ari"
	"github.com/airenas/callscribe/internal/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Controller issues commands to the control channel
type Controller interface {
	Answer(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, playbackID, media string) error
	Record(ctx context.Context, channelID string, opts ari.RecordOptions) error
	StopRecording(ctx context.Context, name string) error
	Hangup(ctx context.Context, channelID, reason string) error
}

// DB provides call and transcription records
type DB interface {
	FindCallByUniqueID(ctx context.Context, uniqueID string) (*persistence.CallRecord, error)
	CreateCall(ctx context.Context, rec *persistence.CallRecord) (int64, bool, error)
	CreateTranscription(ctx context.Context, callID int64, recordingPath string) (int64, error)
}

// Queue hands the transcription job off to the runner
type Queue interface {
	SendMessage(context.Context, amessages.Message, string) error
}

// Subscriber provides control channel events
type Subscriber interface {
	On(eventType string, h ari.Handler)
}

// Options of the voice pipeline
type Options struct {
	PromptMedia       string
	BeepMedia         string
	GoodbyeMedia      string
	RecordingDuration time.Duration
	RecordingFormat   string
	RecordingDir      string
	GoodbyeDelay      time.Duration
}

func (o Options) withDefaults() Options {
	if o.PromptMedia == "" {
		o.PromptMedia = "sound:vm-intro"
	}
	if o.BeepMedia == "" {
		o.BeepMedia = "sound:beep"
	}
	if o.GoodbyeMedia == "" {
		o.GoodbyeMedia = "sound:vm-goodbye"
	}
	if o.RecordingDuration <= 0 {
		o.RecordingDuration = 10 * time.Second
	}
	if o.RecordingFormat == "" {
		o.RecordingFormat = "wav"
	}
	if o.RecordingDir == "" {
		o.RecordingDir = "/var/spool/asterisk/recording"
	}
	if o.GoodbyeDelay <= 0 {
		o.GoodbyeDelay = 3 * time.Second
	}
	return o
}

// Orchestrator drives every channel through answer, prompt, record and transcription hand-off
type Orchestrator struct {
	ctrl  Controller
	db    DB
	queue Queue
	opts  Options
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock     sync.Mutex
	closed   bool
	sessions map[string]*session
	// onState is called under the lock after each transition
	onState func(channelID string, st State)
}

// New creates voice pipeline orchestrator
func New(ctrl Controller, db DB, queue Queue, opts Options) (*Orchestrator, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("no controller")
	}
	if db == nil {
		return nil, fmt.Errorf("no DB")
	}
	if queue == nil {
		return nil, fmt.Errorf("no queue")
	}
	ctx, cf := context.WithCancel(context.Background())
	return &Orchestrator{ctrl: ctrl, db: db, queue: queue, opts: opts.withDefaults(), now: time.Now,
		ctx: ctx, cancel: cf, sessions: map[string]*session{}}, nil
}

// Register subscribes handlers to the control channel events
func (o *Orchestrator) Register(sub Subscriber) {
	sub.On(ari.EventStasisStart, o.OnStasisStart)
	sub.On(ari.EventStasisEnd, o.OnStasisEnd)
	sub.On(ari.EventPlaybackFinished, o.OnPlaybackFinished)
	sub.On(ari.EventRecordingFinished, o.OnRecordingFinished)
	sub.On(ari.EventRecordingFailed, o.OnRecordingFailed)
}

// ActiveSessions returns the count of sessions in the index
func (o *Orchestrator) ActiveSessions() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.sessions)
}

// OnStasisStart creates the session and starts the pipeline
func (o *Orchestrator) OnStasisStart(e *ari.Event) {
	if e.Channel == nil || e.Channel.ID == "" {
		goapp.Log.Warn().Msg("no channel in session start")
		return
	}
	id := e.Channel.ID
	o.lock.Lock()
	if _, ok := o.sessions[id]; ok {
		o.lock.Unlock()
		goapp.Log.Warn().Str("channel", id).Msg("session exists")
		return
	}
	s := &session{channelID: id, callerID: e.Channel.Caller.Number, callerName: e.Channel.Caller.Name,
		startTime: o.now(), state: Started}
	o.sessions[id] = s
	o.notify(s)
	o.lock.Unlock()

	goapp.Log.Info().Str("channel", id).Str("caller", goapp.Sanitize(s.callerID)).Msg("session started")
	o.run(func() { o.answer(id) })
}

// OnStasisEnd evicts the session
func (o *Orchestrator) OnStasisEnd(e *ari.Event) {
	if e.Channel == nil {
		return
	}
	id := e.Channel.ID
	o.lock.Lock()
	s, ok := o.sessions[id]
	if ok {
		s.stopTimers()
		_ = s.transition(Ended)
		o.notify(s)
		delete(o.sessions, id)
	}
	o.lock.Unlock()
	if !ok {
		goapp.Log.Debug().Str("channel", id).Msg("end of unknown session")
		return
	}
	goapp.Log.Info().Str("channel", id).Msg("session ended")
}

// OnPlaybackFinished moves the prompted session to recording
func (o *Orchestrator) OnPlaybackFinished(e *ari.Event) {
	if e.Playback == nil {
		return
	}
	target := e.Playback.PlaybackChannel()
	o.lock.Lock()
	s := o.findLocked(func(s *session) bool {
		return s.recordingPending && s.playbackID == e.Playback.ID && (target == "" || target == s.channelID)
	})
	var id string
	if s != nil {
		s.recordingPending = false
		s.playbackID = ""
		id = s.channelID
	}
	o.lock.Unlock()
	if s == nil {
		goapp.Log.Debug().Str("playback", e.Playback.ID).Msg("no session for playback")
		return
	}
	o.run(func() { o.record(id) })
}

// OnRecordingFinished moves the recorded session to processing
func (o *Orchestrator) OnRecordingFinished(e *ari.Event) {
	if e.Recording == nil {
		return
	}
	name := e.Recording.Name
	o.lock.Lock()
	s := o.findLocked(func(s *session) bool { return s.state == Recording && s.recordingName == name })
	var id string
	var err error
	if s != nil {
		id = s.channelID
		s.stopTimers()
		if err = s.transition(Processing); err == nil {
			o.notify(s)
		}
	}
	o.lock.Unlock()
	if s == nil {
		goapp.Log.Debug().Str("recording", name).Msg("no session for recording")
		return
	}
	if err != nil {
		goapp.Log.Warn().Err(err).Str("channel", id).Msg("skip recording finish")
		return
	}
	goapp.Log.Info().Str("channel", id).Str("recording", name).Msg("recording finished")
	o.run(func() { o.process(id, name) })
}

// OnRecordingFailed aborts the session holding the recording
func (o *Orchestrator) OnRecordingFailed(e *ari.Event) {
	if e.Recording == nil {
		return
	}
	name := e.Recording.Name
	o.lock.Lock()
	s := o.findLocked(func(s *session) bool { return s.state == Recording && s.recordingName == name })
	var id string
	if s != nil {
		id = s.channelID
	}
	o.lock.Unlock()
	if s == nil {
		return
	}
	o.abort(id, ReasonRecord, fmt.Errorf("recording failed: %s", e.Recording.Cause))
}

// Close hangs up all active sessions, individual failures are aggregated
func (o *Orchestrator) Close(ctx context.Context) error {
	o.lock.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.sessions))
	for id, s := range o.sessions {
		s.stopTimers()
		ids = append(ids, id)
	}
	o.lock.Unlock()

	goapp.Log.Info().Int("sessions", len(ids)).Msg("closing pipeline")
	var err error
	for _, id := range ids {
		if errH := o.ctrl.Hangup(ctx, id, "normal"); errH != nil {
			err = multierr.Append(err, fmt.Errorf("can't hangup %s: %w", id, errH))
		}
	}
	o.cancel()
	o.wg.Wait()
	return err
}

func (o *Orchestrator) answer(id string) {
	if err := o.ctrl.Answer(o.ctx, id); err != nil {
		o.abort(id, ReasonAnswer, err)
		return
	}
	pbID := uuid.NewString()
	o.lock.Lock()
	s, ok := o.sessions[id]
	if !ok {
		o.lock.Unlock()
		return
	}
	err := s.transition(Answered)
	if err == nil {
		o.notify(s)
		if err = s.transition(Prompting); err == nil {
			s.playbackID = pbID
			s.recordingPending = true
			o.notify(s)
		}
	}
	o.lock.Unlock()
	if err != nil {
		goapp.Log.Warn().Err(err).Str("channel", id).Msg("skip prompt")
		return
	}
	goapp.Log.Info().Str("channel", id).Msg("answered")
	if err := o.ctrl.Play(o.ctx, id, pbID, o.opts.PromptMedia); err != nil {
		o.abort(id, ReasonPrompt, err)
	}
}

func (o *Orchestrator) record(id string) {
	name := fmt.Sprintf("rec-%s-%d", id, o.now().UnixNano()/int64(time.Millisecond))
	o.lock.Lock()
	s, ok := o.sessions[id]
	if !ok {
		o.lock.Unlock()
		return
	}
	err := s.transition(Recording)
	if err == nil {
		s.recordingName = name
		o.notify(s)
	}
	o.lock.Unlock()
	if err != nil {
		goapp.Log.Warn().Err(err).Str("channel", id).Msg("skip recording")
		return
	}

	if err := o.ctrl.Play(o.ctx, id, uuid.NewString(), o.opts.BeepMedia); err != nil {
		goapp.Log.Warn().Err(err).Str("channel", id).Msg("can't play tone")
	}
	err = o.ctrl.Record(o.ctx, id, ari.RecordOptions{Name: name, Format: o.opts.RecordingFormat,
		MaxDurationSeconds: int(o.opts.RecordingDuration / time.Second)})
	if err != nil {
		o.abort(id, ReasonRecord, err)
		return
	}
	goapp.Log.Info().Str("channel", id).Str("recording", name).Msg("recording")

	o.lock.Lock()
	if s, ok := o.sessions[id]; ok && s.state == Recording && s.recordingName == name {
		s.timers = append(s.timers, time.AfterFunc(o.opts.RecordingDuration+time.Second, func() { o.watchdog(id, name) }))
	}
	o.lock.Unlock()
}

func (o *Orchestrator) watchdog(id, name string) {
	o.lock.Lock()
	s, ok := o.sessions[id]
	active := ok && s.state == Recording && s.recordingName == name
	o.lock.Unlock()
	if !active {
		return
	}
	goapp.Log.Warn().Str("channel", id).Str("recording", name).Msg("recording watchdog, stop")
	if err := o.ctrl.StopRecording(o.ctx, name); err != nil {
		goapp.Log.Warn().Err(err).Str("recording", name).Msg("can't stop recording")
	}
}

func (o *Orchestrator) process(id, name string) {
	o.lock.Lock()
	s, ok := o.sessions[id]
	var rec *persistence.CallRecord
	if ok {
		rec = &persistence.CallRecord{UniqueID: id, CallerID: s.callerID, CallerName: s.callerName,
			Channel: id, State: status.InStasis.String(), StartTime: s.startTime}
	}
	o.lock.Unlock()
	if !ok {
		return
	}

	recPath := path.Join(o.opts.RecordingDir, name+"."+o.opts.RecordingFormat)
	if err := o.handOff(rec, recPath); err != nil {
		goapp.Log.Error().Err(err).Str("channel", id).Msg("can't hand off transcription")
	}

	if err := o.ctrl.Play(o.ctx, id, uuid.NewString(), o.opts.GoodbyeMedia); err != nil {
		goapp.Log.Warn().Err(err).Str("channel", id).Msg("can't play goodbye")
	}
	o.lock.Lock()
	if s, ok := o.sessions[id]; ok {
		s.timers = append(s.timers, time.AfterFunc(o.opts.GoodbyeDelay, func() { o.hangup(id) }))
	}
	o.lock.Unlock()
}

func (o *Orchestrator) handOff(rec *persistence.CallRecord, recPath string) error {
	ctx := o.ctx
	callID, err := o.resolveCall(ctx, rec)
	if err != nil {
		return err
	}
	jobID, err := o.db.CreateTranscription(ctx, callID, recPath)
	if err != nil {
		return fmt.Errorf("can't create transcription: %w", err)
	}
	goapp.Log.Info().Str("channel", rec.UniqueID).Int64("job", jobID).Str("path", recPath).Msg("transcription created")
	if err := o.queue.SendMessage(ctx, messages.NewTranscribeMessage(jobID, callID, recPath), messages.Transcribe); err != nil {
		return fmt.Errorf("can't send transcription job: %w", err)
	}
	return nil
}

func (o *Orchestrator) resolveCall(ctx context.Context, rec *persistence.CallRecord) (int64, error) {
	c, err := o.db.FindCallByUniqueID(ctx, rec.UniqueID)
	if err != nil {
		return 0, fmt.Errorf("can't find call: %w", err)
	}
	if c != nil {
		return c.ID, nil
	}
	id, _, err := o.db.CreateCall(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("can't create call: %w", err)
	}
	return id, nil
}

func (o *Orchestrator) hangup(id string) {
	if err := o.ctrl.Hangup(o.ctx, id, "normal"); err != nil {
		goapp.Log.Warn().Err(err).Str("channel", id).Msg("can't hangup")
		return
	}
	goapp.Log.Info().Str("channel", id).Msg("hangup")
}

func (o *Orchestrator) abort(id string, reason Reason, cause error) {
	o.lock.Lock()
	s, ok := o.sessions[id]
	if ok {
		if s.aborted != "" {
			ok = false
		} else {
			s.aborted = reason
			s.recordingPending = false
			s.stopTimers()
		}
	}
	o.lock.Unlock()
	if !ok {
		return
	}
	goapp.Log.Error().Err(cause).Str("channel", id).Str("reason", string(reason)).Msg("pipeline aborted")
	if err := o.ctrl.Hangup(o.ctx, id, string(reason)); err != nil {
		goapp.Log.Warn().Err(err).Str("channel", id).Msg("can't hangup")
	}
}

// findLocked scans sessions, expects the lock to be held
func (o *Orchestrator) findLocked(match func(*session) bool) *session {
	for _, s := range o.sessions {
		if match(s) {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) notify(s *session) {
	if o.onState != nil {
		o.onState(s.channelID, s.state)
	}
}

func (o *Orchestrator) run(f func()) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		f()
	}()
}
