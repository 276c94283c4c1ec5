package persistence

import (
	"database/sql"
	"time"
)

type (

	//CallRecord table
	CallRecord struct {
		ID              int64
		UniqueID        string
		CallerID        string
		CallerName      string
		Destination     string
		Channel         string
		DestChannel     string
		State           string
		StartTime       time.Time
		AnswerTime      *time.Time
		EndTime         *time.Time
		DurationSeconds int
		HangupCause     sql.NullString
		HangupCauseText sql.NullString
	}

	//CallEnd keeps data for the call finish update
	CallEnd struct {
		EndTime         time.Time
		DurationSeconds int
		Cause           string
		CauseText       string
	}

	//CallEvent table, the lifecycle log of a call
	CallEvent struct {
		ID        int64
		CallID    int64
		Type      string
		Payload   map[string]string
		CreatedAt time.Time
	}

	//Transcription job table
	Transcription struct {
		ID            int64
		CallID        int64
		RecordingPath string
		Status        string
		Text          sql.NullString
		Error         sql.NullString
		Started       *time.Time
		Finished      *time.Time
		Created       time.Time
	}

	//CallFilter for paginated call list
	CallFilter struct {
		State    string
		CallerID string
		From     *time.Time
		To       *time.Time
		Limit    int
		Offset   int
	}

	//StateCount keeps aggregate counts by state/status name
	StateCount struct {
		Name  string `json:"name"`
		Count int64  `json:"count"`
	}
)
