package messages

import (
	"strconv"

	amessages "github.com/airenas/async-api/pkg/messages"
)

const (
	st = "CALLSCRIBE/"
	// Transcribe queue name
	Transcribe = st + "Transcribe"
	// StatusChange queue name, transcription status updates for subscribers
	StatusChange = st + "StatusChange"
	// Inform queue name, voicemail email notifications
	Inform = st + "Inform"
)

// TranscribeMessage hands a recorded call over to the transcription workers
type TranscribeMessage struct {
	amessages.QueueMessage
	JobID         int64  `json:"jobID"`
	CallID        int64  `json:"callID,omitempty"`
	RecordingPath string `json:"recordingPath"`
}

// NewTranscribeMessage creates a queue message for the transcription job
func NewTranscribeMessage(jobID, callID int64, recordingPath string) *TranscribeMessage {
	return &TranscribeMessage{QueueMessage: amessages.QueueMessage{ID: strconv.FormatInt(jobID, 10)},
		JobID: jobID, CallID: callID, RecordingPath: recordingPath}
}

// StatusMessage notifies that the transcription job status changed, ID is the job id
type StatusMessage struct {
	amessages.QueueMessage
	Status string `json:"status"`
}

// NewStatusMessage creates status change message
func NewStatusMessage(jobID int64, status string) *StatusMessage {
	return &StatusMessage{QueueMessage: amessages.QueueMessage{ID: strconv.FormatInt(jobID, 10)}, Status: status}
}
