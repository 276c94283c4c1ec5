package transcription

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/callscribe/internal/pkg/test"
	"github.com/airenas/callscribe/internal/pkg/test/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	dbMock      *mocks.DB
	archiveMock *mocks.Archive
)

func initTest(t *testing.T) {
	t.Helper()
	dbMock = &mocks.DB{}
	archiveMock = &mocks.Archive{}
}

func newTestRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	r, err := NewRunner(dbMock, opts)
	require.Nil(t, err)
	return r
}

func TestNewRunner(t *testing.T) {
	initTest(t)
	_, err := NewRunner(nil, Options{})
	assert.NotNil(t, err)
	r, err := NewRunner(dbMock, Options{Delay: -1})
	require.Nil(t, err)
	assert.Equal(t, time.Duration(0), r.opts.Delay)
	assert.Equal(t, DefaultTexts, r.opts.Texts)
	assert.Equal(t, 5*time.Minute, r.opts.StaleAfter)
}

func TestProcess(t *testing.T) {
	initTest(t)
	r := newTestRunner(t, Options{Delay: time.Millisecond, Texts: []string{"olia"}, Archive: archiveMock})
	dbMock.On("MarkProcessing", mock.Anything, int64(1), mock.Anything).Return(true, nil)
	dbMock.On("CompleteTranscription", mock.Anything, int64(1), "olia").Return(nil)
	archiveMock.On("Save", mock.Anything, "1/transcript.txt", "olia").Return(nil)

	res := r.Process(test.Ctx(t), 1, "/rec/r1.wav")

	assert.Equal(t, &Result{JobID: 1, Status: status.Completed, Text: "olia"}, res)
	dbMock.AssertExpectations(t)
	archiveMock.AssertExpectations(t)
	dbMock.AssertNotCalled(t, "FailTranscription", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_Fails(t *testing.T) {
	tests := []struct {
		name    string
		mark    error
		archive error
		done    error
	}{
		{name: "mark", mark: fmt.Errorf("olia")},
		{name: "archive", archive: fmt.Errorf("olia")},
		{name: "complete", done: fmt.Errorf("olia")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initTest(t)
			r := newTestRunner(t, Options{Archive: archiveMock})
			dbMock.On("MarkProcessing", mock.Anything, int64(1), mock.Anything).Return(true, tt.mark)
			dbMock.On("CompleteTranscription", mock.Anything, int64(1), mock.Anything).Return(tt.done)
			dbMock.On("FailTranscription", mock.Anything, int64(1), mock.Anything).Return(nil)
			archiveMock.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(tt.archive)

			res := r.Process(test.Ctx(t), 1, "/rec/r1.wav")

			assert.Equal(t, status.Failed, res.Status)
			assert.NotNil(t, res.Err)
			assert.Equal(t, "", res.Text)
			dbMock.AssertCalled(t, "FailTranscription", mock.Anything, int64(1), res.Err.Error())
		})
	}
}

func TestProcess_FailOfFailDoesNotPanic(t *testing.T) {
	initTest(t)
	r := newTestRunner(t, Options{})
	dbMock.On("MarkProcessing", mock.Anything, int64(1), mock.Anything).Return(false, fmt.Errorf("olia"))
	dbMock.On("FailTranscription", mock.Anything, int64(1), mock.Anything).Return(fmt.Errorf("olia2"))
	res := r.Process(test.Ctx(t), 1, "/rec/r1.wav")
	assert.Equal(t, status.Failed, res.Status)
}

func TestProcess_Cancelled(t *testing.T) {
	initTest(t)
	r := newTestRunner(t, Options{Delay: time.Minute})
	dbMock.On("MarkProcessing", mock.Anything, int64(1), mock.Anything).Return(true, nil)
	dbMock.On("FailTranscription", mock.Anything, int64(1), mock.Anything).Return(nil)
	ctx, cf := context.WithCancel(test.Ctx(t))
	go func() {
		time.Sleep(10 * time.Millisecond)
		cf()
	}()
	res := r.Process(ctx, 1, "/rec/r1.wav")
	assert.Equal(t, status.Failed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	dbMock.AssertNotCalled(t, "CompleteTranscription", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryPending(t *testing.T) {
	initTest(t)
	r := newTestRunner(t, Options{})
	dbMock.On("LoadUnfinishedTranscriptions", mock.Anything).Return([]*persistence.Transcription{
		{ID: 1, RecordingPath: "r1"}, {ID: 2, RecordingPath: "r2"}, {ID: 3, RecordingPath: "r3"}}, nil)
	dbMock.On("MarkProcessing", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	dbMock.On("CompleteTranscription", mock.Anything, int64(1), mock.Anything).Return(nil)
	dbMock.On("CompleteTranscription", mock.Anything, int64(2), mock.Anything).Return(fmt.Errorf("olia"))
	dbMock.On("CompleteTranscription", mock.Anything, int64(3), mock.Anything).Return(nil)
	dbMock.On("FailTranscription", mock.Anything, int64(2), mock.Anything).Return(nil)

	res, err := r.RetryPending(test.Ctx(t))

	require.Nil(t, err)
	require.Equal(t, 3, len(res))
	assert.Equal(t, []int64{1, 2, 3}, []int64{res[0].JobID, res[1].JobID, res[2].JobID})
	assert.Equal(t, status.Completed, res[0].Status)
	assert.Equal(t, status.Failed, res[1].Status)
	assert.Equal(t, status.Completed, res[2].Status)
	for _, r := range res {
		assert.True(t, r.Status.Terminal())
	}
}

func TestProcess_SkipsNotRunnable(t *testing.T) {
	initTest(t)
	r := newTestRunner(t, Options{StaleAfter: time.Minute, Archive: archiveMock})
	dbMock.On("MarkProcessing", mock.Anything, int64(7), mock.Anything).Return(false, nil)

	st := time.Now()
	res := r.Process(test.Ctx(t), 7, "/rec/r7.wav")

	assert.Equal(t, &Result{JobID: 7, Skipped: true}, res)
	dbMock.AssertNotCalled(t, "FailTranscription", mock.Anything, mock.Anything, mock.Anything)
	dbMock.AssertNotCalled(t, "CompleteTranscription", mock.Anything, mock.Anything, mock.Anything)
	archiveMock.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	staleBefore := dbMock.Calls[0].Arguments[2].(time.Time)
	assert.WithinDuration(t, st.Add(-time.Minute), staleBefore, time.Second)
}

func TestRetryPending_SkipsJobsInWork(t *testing.T) {
	initTest(t)
	r := newTestRunner(t, Options{})
	dbMock.On("LoadUnfinishedTranscriptions", mock.Anything).Return([]*persistence.Transcription{
		{ID: 1, RecordingPath: "r1", Status: "processing"}, {ID: 2, RecordingPath: "r2", Status: "pending"}}, nil)
	dbMock.On("MarkProcessing", mock.Anything, int64(1), mock.Anything).Return(false, nil)
	dbMock.On("MarkProcessing", mock.Anything, int64(2), mock.Anything).Return(true, nil)
	dbMock.On("CompleteTranscription", mock.Anything, int64(2), mock.Anything).Return(nil)

	res, err := r.RetryPending(test.Ctx(t))

	require.Nil(t, err)
	require.Equal(t, 2, len(res))
	assert.True(t, res[0].Skipped)
	assert.Equal(t, status.Completed, res[1].Status)
	dbMock.AssertNotCalled(t, "CompleteTranscription", mock.Anything, int64(1), mock.Anything)
	dbMock.AssertNotCalled(t, "FailTranscription", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryPending_Empty(t *testing.T) {
	initTest(t)
	r := newTestRunner(t, Options{})
	dbMock.On("LoadUnfinishedTranscriptions", mock.Anything).Return(nil, nil)
	res, err := r.RetryPending(test.Ctx(t))
	require.Nil(t, err)
	assert.Empty(t, res)
}

func TestRetryPending_Fail(t *testing.T) {
	initTest(t)
	r := newTestRunner(t, Options{})
	dbMock.On("LoadUnfinishedTranscriptions", mock.Anything).Return(nil, fmt.Errorf("olia"))
	_, err := r.RetryPending(test.Ctx(t))
	assert.NotNil(t, err)
}

func TestPick(t *testing.T) {
	texts := []string{"a", "b", "c", "d"}
	assert.Equal(t, pick(texts, 1, "r1"), pick(texts, 1, "r1"))
	seen := map[string]bool{}
	for i := int64(0); i < 50; i++ {
		seen[pick(texts, i, "rec")] = true
	}
	assert.Greater(t, len(seen), 1)
	assert.Equal(t, "x", pick([]string{"x"}, 5, "r"))
}
