package queryservice

import (
	"time"

	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/utils"
)

type call struct {
	ID              int64                `json:"id"`
	UniqueID        string               `json:"uniqueId"`
	CallerID        string               `json:"callerId,omitempty"`
	CallerName      string               `json:"callerName,omitempty"`
	Destination     string               `json:"destination,omitempty"`
	Channel         string               `json:"channel,omitempty"`
	DestChannel     string               `json:"destChannel,omitempty"`
	State           string               `json:"state"`
	StartTime       time.Time            `json:"startTime"`
	AnswerTime      *time.Time           `json:"answerTime,omitempty"`
	EndTime         *time.Time           `json:"endTime,omitempty"`
	DurationSeconds int                  `json:"durationSeconds"`
	HangupCause     string               `json:"hangupCause,omitempty"`
	HangupCauseText string               `json:"hangupCauseText,omitempty"`
	Events          []*event             `json:"events,omitempty"`
	Transcriptions  []*transcriptionView `json:"transcriptions,omitempty"`
}

type event struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload,omitempty"`
	Time    time.Time         `json:"time"`
}

type transcriptionView struct {
	ID            int64      `json:"id"`
	CallID        int64      `json:"callId"`
	RecordingPath string     `json:"recordingPath"`
	Status        string     `json:"status"`
	Text          string     `json:"text,omitempty"`
	Error         string     `json:"error,omitempty"`
	Started       *time.Time `json:"started,omitempty"`
	Finished      *time.Time `json:"finished,omitempty"`
	Created       time.Time  `json:"created"`
}

func mapCall(c *persistence.CallRecord) *call {
	return &call{ID: c.ID, UniqueID: c.UniqueID, CallerID: c.CallerID, CallerName: c.CallerName,
		Destination: c.Destination, Channel: c.Channel, DestChannel: c.DestChannel, State: c.State,
		StartTime: c.StartTime, AnswerTime: c.AnswerTime, EndTime: c.EndTime, DurationSeconds: c.DurationSeconds,
		HangupCause: utils.FromSQLStr(c.HangupCause), HangupCauseText: utils.FromSQLStr(c.HangupCauseText)}
}

func mapTranscription(t *persistence.Transcription) *transcriptionView {
	return &transcriptionView{ID: t.ID, CallID: t.CallID, RecordingPath: t.RecordingPath, Status: t.Status,
		Text: utils.FromSQLStr(t.Text), Error: utils.FromSQLStr(t.Error), Started: t.Started,
		Finished: t.Finished, Created: t.Created}
}
