package ari

import "strings"

const (
	// EventStasisStart - channel entered the application
	EventStasisStart = "StasisStart"
	// EventStasisEnd - channel left the application
	EventStasisEnd = "StasisEnd"
	// EventPlaybackFinished - playback completed
	EventPlaybackFinished = "PlaybackFinished"
	// EventRecordingFinished - live recording completed
	EventRecordingFinished = "RecordingFinished"
	// EventRecordingFailed - live recording failed
	EventRecordingFailed = "RecordingFailed"
)

// Event is a push notification received over the control channel
type Event struct {
	Type        string     `json:"type"`
	Application string     `json:"application,omitempty"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Args        []string   `json:"args,omitempty"`
	Channel     *Channel   `json:"channel,omitempty"`
	Playback    *Playback  `json:"playback,omitempty"`
	Recording   *Recording `json:"recording,omitempty"`
}

// Channel data
type Channel struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	State    string    `json:"state,omitempty"`
	Caller   CallerID  `json:"caller"`
	Dialplan *Dialplan `json:"dialplan,omitempty"`
}

// CallerID data
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Dialplan location of the channel
type Dialplan struct {
	Context  string `json:"context,omitempty"`
	Exten    string `json:"exten,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Playback data
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri,omitempty"`
	TargetURI string `json:"target_uri,omitempty"`
	State     string `json:"state,omitempty"`
}

// Recording data
type Recording struct {
	Name      string `json:"name"`
	Format    string `json:"format,omitempty"`
	State     string `json:"state,omitempty"`
	TargetURI string `json:"target_uri,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

func targetChannel(uri string) string {
	if strings.HasPrefix(uri, "channel:") {
		return strings.TrimPrefix(uri, "channel:")
	}
	return ""
}

// PlaybackChannel returns targeted channel id if playback targets a channel
func (p *Playback) PlaybackChannel() string {
	return targetChannel(p.TargetURI)
}

// RecordOptions for the live recording
type RecordOptions struct {
	Name               string
	Format             string
	MaxDurationSeconds int
	MaxSilenceSeconds  int
	Beep               bool
	TerminateOn        string
}
