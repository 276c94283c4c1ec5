package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/cenkalti/backoff/v4"
)

// Conn is an external connection handle kept alive by the Supervisor
type Conn interface {
	// Connect establishes the connection. The returned channel receives (or is closed)
	// when the established connection drops.
	Connect(ctx context.Context) (<-chan error, error)
	Disconnect() error
}

// Phase of the supervised connection
type Phase int

const (
	// Disconnected - no connection and no pending attempt
	Disconnected Phase = iota
	// Connecting - an attempt is in flight
	Connecting
	// Connected - connection is live
	Connected
	// Reconnecting - waiting for the retry timer
	Reconnecting
	// Stopped - terminal
	Stopped
)

var phaseName = map[Phase]string{Disconnected: "disconnected", Connecting: "connecting",
	Connected: "connected", Reconnecting: "reconnecting", Stopped: "stopped"}

func (p Phase) String() string {
	return phaseName[p]
}

// Signal is a supervisor notification
type Signal int

const (
	// SignalConnected is emitted after a successful connect
	SignalConnected Signal = iota
	// SignalDisconnected is emitted when a live connection drops
	SignalDisconnected
	// SignalError is emitted on a failed attempt
	SignalError
	// SignalExhausted is emitted once max attempts are reached
	SignalExhausted
)

// Options configure reconnect policy
type Options struct {
	Host           string
	Port           int
	RetryInterval  time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	// Backoff provides the delay policy, constant RetryInterval by default
	Backoff func() backoff.BackOff
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	if o.Backoff == nil {
		interval := o.RetryInterval
		o.Backoff = func() backoff.BackOff { return backoff.NewConstantBackOff(interval) }
	}
	return o
}

// Status is the health snapshot of the supervised connection
type Status struct {
	Name      string `json:"name"`
	Phase     string `json:"phase"`
	Connected bool   `json:"connected"`
	Attempt   int    `json:"attempt"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	LastError string `json:"lastError,omitempty"`
}

// Supervisor keeps one external connection alive
type Supervisor struct {
	name string
	conn Conn
	opts Options
	bo   backoff.BackOff

	lock       sync.Mutex
	phase      Phase
	attempt    int
	lastErr    error
	timer      *time.Timer
	inFlight   bool
	cancelConn context.CancelFunc
	ctx        context.Context
	handlers   map[Signal][]func(error)
}

// New creates a supervisor for the connection
func New(name string, conn Conn, opts Options) (*Supervisor, error) {
	if conn == nil {
		return nil, fmt.Errorf("no conn")
	}
	if name == "" {
		return nil, fmt.Errorf("no name")
	}
	opts = opts.withDefaults()
	return &Supervisor{name: name, conn: conn, opts: opts, bo: opts.Backoff(), phase: Disconnected,
		handlers: map[Signal][]func(error){}}, nil
}

// On registers a signal handler. Handlers are invoked on the supervisor goroutine
// after the state change and must not block.
func (s *Supervisor) On(sig Signal, h func(error)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.handlers[sig] = append(s.handlers[sig], h)
}

// Start makes the first connection attempt in background
func (s *Supervisor) Start(ctx context.Context) error {
	s.lock.Lock()
	if s.phase == Stopped {
		s.lock.Unlock()
		return fmt.Errorf("%s supervisor is stopped", s.name)
	}
	if s.ctx != nil {
		s.lock.Unlock()
		return fmt.Errorf("%s supervisor already started", s.name)
	}
	s.ctx = ctx
	s.lock.Unlock()
	goapp.Log.Info().Str("conn", s.name).Str("host", s.opts.Host).Int("port", s.opts.Port).Msg("starting connection")
	go s.tryConnect()
	return nil
}

// Stop disconnects and suppresses all future reconnects
func (s *Supervisor) Stop() error {
	s.lock.Lock()
	if s.phase == Stopped {
		s.lock.Unlock()
		return nil
	}
	wasConnected := s.phase == Connected
	s.phase = Stopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelConn != nil {
		s.cancelConn()
		s.cancelConn = nil
	}
	s.lock.Unlock()
	goapp.Log.Info().Str("conn", s.name).Msg("stopped")
	if wasConnected {
		return s.conn.Disconnect()
	}
	return nil
}

// Status returns connection status for health reporting
func (s *Supervisor) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := Status{Name: s.name, Phase: s.phase.String(), Connected: s.phase == Connected,
		Attempt: s.attempt, Host: s.opts.Host, Port: s.opts.Port}
	if s.lastErr != nil {
		res.LastError = s.lastErr.Error()
	}
	return res
}

func (s *Supervisor) tryConnect() {
	s.lock.Lock()
	if s.phase == Stopped || s.inFlight {
		s.lock.Unlock()
		return
	}
	if s.ctx.Err() != nil {
		s.lock.Unlock()
		_ = s.Stop()
		return
	}
	s.inFlight = true
	s.timer = nil
	s.phase = Connecting
	ctx, cf := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	s.cancelConn = cf
	s.lock.Unlock()

	dropped, err := s.connect(ctx)
	cf()

	s.lock.Lock()
	s.inFlight = false
	s.cancelConn = nil
	if s.phase == Stopped {
		s.lock.Unlock()
		if err == nil {
			_ = s.conn.Disconnect()
		}
		return
	}
	if err != nil {
		s.onFailure(err)
		return
	}
	s.phase = Connected
	s.attempt = 0
	s.lastErr = nil
	s.bo.Reset()
	hs := s.handlersFor(SignalConnected)
	s.lock.Unlock()

	goapp.Log.Info().Str("conn", s.name).Msg("connected")
	notify(hs, nil)
	go s.watch(dropped)
}

// connect treats an attempt exceeding the timeout as failed even if Conn ignores ctx
func (s *Supervisor) connect(ctx context.Context) (<-chan error, error) {
	type result struct {
		dropped <-chan error
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		d, err := s.conn.Connect(ctx)
		resCh <- result{dropped: d, err: err}
	}()
	select {
	case r := <-resCh:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("can't connect %s in %v: %w", s.name, s.opts.ConnectTimeout, r.err)
			}
			return nil, r.err
		}
		return r.dropped, nil
	case <-ctx.Done():
		go func() {
			if r := <-resCh; r.err == nil {
				goapp.Log.Warn().Str("conn", s.name).Msg("late connect, closing")
				_ = s.conn.Disconnect()
			}
		}()
		return nil, fmt.Errorf("can't connect %s in %v: %w", s.name, s.opts.ConnectTimeout, ctx.Err())
	}
}

// onFailure expects the lock to be held, releases it
func (s *Supervisor) onFailure(err error) {
	s.attempt++
	s.lastErr = err
	attempt := s.attempt
	errHs := s.handlersFor(SignalError)
	if s.opts.MaxAttempts > 0 && attempt >= s.opts.MaxAttempts {
		s.phase = Disconnected
		exHs := s.handlersFor(SignalExhausted)
		s.lock.Unlock()
		goapp.Log.Error().Err(err).Str("conn", s.name).Int("attempt", attempt).Msg("connect attempts exhausted")
		notify(errHs, err)
		notify(exHs, err)
		return
	}
	delay := s.bo.NextBackOff()
	if delay == backoff.Stop {
		s.phase = Disconnected
		exHs := s.handlersFor(SignalExhausted)
		s.lock.Unlock()
		goapp.Log.Error().Err(err).Str("conn", s.name).Int("attempt", attempt).Msg("backoff stopped")
		notify(errHs, err)
		notify(exHs, err)
		return
	}
	s.schedule(delay)
	s.lock.Unlock()
	goapp.Log.Warn().Err(err).Str("conn", s.name).Int("attempt", attempt).Dur("after", delay).Msg("connect failed, retry")
	notify(errHs, err)
}

// schedule expects the lock to be held
func (s *Supervisor) schedule(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.phase = Reconnecting
	s.timer = time.AfterFunc(delay, s.tryConnect)
}

func (s *Supervisor) watch(dropped <-chan error) {
	var err error
	select {
	case e, ok := <-dropped:
		if ok {
			err = e
		}
	case <-s.ctx.Done():
		_ = s.Stop()
		return
	}
	if err == nil {
		err = fmt.Errorf("%s connection closed", s.name)
	}
	s.lock.Lock()
	if s.phase != Connected {
		s.lock.Unlock()
		return
	}
	s.lastErr = err
	hs := s.handlersFor(SignalDisconnected)
	delay := s.bo.NextBackOff()
	if delay == backoff.Stop {
		delay = s.opts.RetryInterval
	}
	s.schedule(delay)
	s.lock.Unlock()
	goapp.Log.Warn().Err(err).Str("conn", s.name).Dur("after", delay).Msg("connection dropped, reconnect")
	notify(hs, err)
}

func (s *Supervisor) handlersFor(sig Signal) []func(error) {
	return append([]func(error){}, s.handlers[sig]...)
}

func notify(hs []func(error), err error) {
	for _, h := range hs {
		h(err)
	}
}
