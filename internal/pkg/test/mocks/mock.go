package mocks

import (
	"context"
	"io"
	"time"

	"github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// DB is postgres record store mock
type DB struct{ mock.Mock }

func (m *DB) CreateCall(ctx context.Context, rec *persistence.CallRecord) (int64, bool, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *DB) FindCallByUniqueID(ctx context.Context, uniqueID string) (*persistence.CallRecord, error) {
	args := m.Called(ctx, uniqueID)
	return to[*persistence.CallRecord](args.Get(0)), args.Error(1)
}

func (m *DB) LoadCall(ctx context.Context, id int64) (*persistence.CallRecord, error) {
	args := m.Called(ctx, id)
	return to[*persistence.CallRecord](args.Get(0)), args.Error(1)
}

func (m *DB) UpdateCallAnswered(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *DB) UpdateCallDestination(ctx context.Context, id int64, destination, destChannel string) error {
	args := m.Called(ctx, id, destination, destChannel)
	return args.Error(0)
}

func (m *DB) UpdateCallEnded(ctx context.Context, id int64, end *persistence.CallEnd) error {
	args := m.Called(ctx, id, end)
	return args.Error(0)
}

func (m *DB) LogEvent(ctx context.Context, callID int64, eventType string, payload map[string]string) error {
	args := m.Called(ctx, callID, eventType, payload)
	return args.Error(0)
}

func (m *DB) ListCallEvents(ctx context.Context, callID int64) ([]*persistence.CallEvent, error) {
	args := m.Called(ctx, callID)
	return to[[]*persistence.CallEvent](args.Get(0)), args.Error(1)
}

func (m *DB) ListCalls(ctx context.Context, filter *persistence.CallFilter) ([]*persistence.CallRecord, error) {
	args := m.Called(ctx, filter)
	return to[[]*persistence.CallRecord](args.Get(0)), args.Error(1)
}

func (m *DB) CallStats(ctx context.Context) ([]*persistence.StateCount, error) {
	args := m.Called(ctx)
	return to[[]*persistence.StateCount](args.Get(0)), args.Error(1)
}

func (m *DB) CreateTranscription(ctx context.Context, callID int64, recordingPath string) (int64, error) {
	args := m.Called(ctx, callID, recordingPath)
	return args.Get(0).(int64), args.Error(1)
}

func (m *DB) MarkProcessing(ctx context.Context, id int64, staleBefore time.Time) (bool, error) {
	args := m.Called(ctx, id, staleBefore)
	return args.Bool(0), args.Error(1)
}

func (m *DB) CompleteTranscription(ctx context.Context, id int64, text string) error {
	args := m.Called(ctx, id, text)
	return args.Error(0)
}

func (m *DB) FailTranscription(ctx context.Context, id int64, msg string) error {
	args := m.Called(ctx, id, msg)
	return args.Error(0)
}

func (m *DB) LoadTranscription(ctx context.Context, id int64) (*persistence.Transcription, error) {
	args := m.Called(ctx, id)
	return to[*persistence.Transcription](args.Get(0)), args.Error(1)
}

func (m *DB) ListCallTranscriptions(ctx context.Context, callID int64) ([]*persistence.Transcription, error) {
	args := m.Called(ctx, callID)
	return to[[]*persistence.Transcription](args.Get(0)), args.Error(1)
}

func (m *DB) LoadUnfinishedTranscriptions(ctx context.Context) ([]*persistence.Transcription, error) {
	args := m.Called(ctx)
	return to[[]*persistence.Transcription](args.Get(0)), args.Error(1)
}

func (m *DB) TranscriptionStats(ctx context.Context) ([]*persistence.StateCount, error) {
	args := m.Called(ctx)
	return to[[]*persistence.StateCount](args.Get(0)), args.Error(1)
}

func (m *DB) LockEmailTable(ctx context.Context, id, msgType string) error {
	args := m.Called(ctx, id, msgType)
	return args.Error(0)
}

func (m *DB) UnLockEmailTable(ctx context.Context, id, msgType string, value *int) error {
	args := m.Called(ctx, id, msgType, value)
	return args.Error(0)
}

func (m *DB) Live(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Sender is postgres queue mock
type Sender struct{ mock.Mock }

func (m *Sender) SendMessage(ctx context.Context, msg messages.Message, queue string) error {
	args := m.Called(ctx, msg, queue)
	return args.Error(0)
}

// Archive is transcript archive mock
type Archive struct{ mock.Mock }

func (m *Archive) Save(ctx context.Context, name, text string) error {
	args := m.Called(ctx, name, text)
	return args.Error(0)
}

// Filer is object storage mock
type Filer struct{ mock.Mock }

func (m *Filer) SaveFile(ctx context.Context, name string, r io.Reader) error {
	args := m.Called(ctx, name, r)
	return args.Error(0)
}

func (m *Filer) LoadFile(ctx context.Context, name string) (io.ReadSeekCloser, error) {
	args := m.Called(ctx, name)
	return to[io.ReadSeekCloser](args.Get(0)), args.Error(1)
}

func (m *Filer) Clean(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func to[T interface{}](val interface{}) T {
	if val == nil {
		var res T
		return res
	}
	return val.(T)
}
