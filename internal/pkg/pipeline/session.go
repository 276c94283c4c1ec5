package pipeline

import (
	"fmt"
	"time"
)

// State of the channel session
type State int

const (
	// Started - channel entered the application
	Started State = iota + 1
	// Answered - answer command succeeded
	Answered
	// Prompting - prompt playback is in progress
	Prompting
	// Recording - live recording is in progress
	Recording
	// Processing - transcription handed off, goodbye and hangup pending
	Processing
	// Ended - terminal
	Ended
)

var stateName = map[State]string{Started: "started", Answered: "answered", Prompting: "prompting",
	Recording: "recording", Processing: "processing", Ended: "ended"}

func (s State) String() string {
	return stateName[s]
}

// Reason identifies the failed step of an aborted pipeline
type Reason string

const (
	// ReasonAnswer - answer command failed
	ReasonAnswer Reason = "answer_failed"
	// ReasonPrompt - prompt playback failed
	ReasonPrompt Reason = "prompt_failed"
	// ReasonRecord - recording failed
	ReasonRecord Reason = "record_failed"
)

type session struct {
	channelID  string
	callerID   string
	callerName string
	startTime  time.Time
	state      State

	playbackID       string
	recordingPending bool
	recordingName    string
	aborted          Reason

	timers []*time.Timer
}

// transition allows only the next state or Ended
func (s *session) transition(to State) error {
	if s.state == Ended {
		return fmt.Errorf("session %s ended", s.channelID)
	}
	if s.aborted != "" && to != Ended {
		return fmt.Errorf("session %s aborted: %s", s.channelID, s.aborted)
	}
	if to != Ended && to != s.state+1 {
		return fmt.Errorf("wrong transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

func (s *session) stopTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
