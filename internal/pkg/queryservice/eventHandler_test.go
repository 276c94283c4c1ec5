package queryservice

import (
	"database/sql"
	"fmt"
	"testing"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/messages"
	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/test"
	"github.com/airenas/callscribe/internal/pkg/test/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vgarvardt/gue/v5"
)

var (
	handlerEHMock *mockWSConnHandler
	hndData       *HandlerData
	connMock      *mockWSConn
)

func initHandlerTest(t *testing.T) {
	t.Helper()
	dbMock = &mocks.DB{}
	handlerEHMock = &mockWSConnHandler{}
	connMock = &mockWSConn{}
	hndData = &HandlerData{DB: dbMock, GueClient: &gue.Client{}, WorkerCount: 10, WSHandler: handlerEHMock}
	handlerEHMock.On("GetConnections", mock.Anything).Return([]WsConn{connMock}, true)
	dbMock.On("LoadTranscription", mock.Anything, mock.Anything).Return(&persistence.Transcription{ID: 1, CallID: 2,
		Status: "completed", Text: sql.NullString{String: "olia", Valid: true}}, nil)
	connMock.On("WriteJSON", mock.Anything).Return(nil)
}

func Test_handleStatus(t *testing.T) {
	initHandlerTest(t)
	err := handleStatus(test.Ctx(t), messages.NewStatusMessage(1, "completed"), hndData)
	assert.Nil(t, err)
	require.Equal(t, 1, len(connMock.Calls))
	assert.Equal(t, &transcriptionView{ID: 1, CallID: 2, Status: "completed", Text: "olia"}, connMock.Calls[0].Arguments[0])
	dbMock.AssertCalled(t, "LoadTranscription", mock.Anything, int64(1))
}

func Test_handleStatus_WriteFailIgnored(t *testing.T) {
	initHandlerTest(t)
	connMock.ExpectedCalls = nil
	connMock.On("WriteJSON", mock.Anything).Return(fmt.Errorf("olia"))
	err := handleStatus(test.Ctx(t), messages.NewStatusMessage(1, "completed"), hndData)
	assert.Nil(t, err)
}

func Test_handleStatus_NoConn(t *testing.T) {
	initHandlerTest(t)
	handlerEHMock.ExpectedCalls = nil
	handlerEHMock.On("GetConnections", mock.Anything).Return(nil, false)
	err := handleStatus(test.Ctx(t), messages.NewStatusMessage(1, "completed"), hndData)
	assert.Nil(t, err)
	assert.Equal(t, 0, len(connMock.Calls))
	dbMock.AssertNotCalled(t, "LoadTranscription", mock.Anything, mock.Anything)
}

func Test_handleStatus_WrongID(t *testing.T) {
	initHandlerTest(t)
	err := handleStatus(test.Ctx(t), &messages.StatusMessage{QueueMessage: amessages.QueueMessage{ID: "olia"}}, hndData)
	assert.NotNil(t, err)
}

func Test_handleStatus_NoTranscription(t *testing.T) {
	initHandlerTest(t)
	dbMock.ExpectedCalls = nil
	dbMock.On("LoadTranscription", mock.Anything, mock.Anything).Return(nil, nil)
	err := handleStatus(test.Ctx(t), messages.NewStatusMessage(1, "completed"), hndData)
	assert.NotNil(t, err)
}

func Test_handleStatus_Error(t *testing.T) {
	initHandlerTest(t)
	dbMock.ExpectedCalls = nil
	dbMock.On("LoadTranscription", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("olia"))
	err := handleStatus(test.Ctx(t), messages.NewStatusMessage(1, "completed"), hndData)
	assert.NotNil(t, err)
}

func Test_validateHandler(t *testing.T) {
	initHandlerTest(t)
	tests := []struct {
		name    string
		data    *HandlerData
		wantErr bool
	}{
		{name: "OK", data: &HandlerData{DB: dbMock, GueClient: &gue.Client{}, WorkerCount: 10, WSHandler: handlerEHMock}, wantErr: false},
		{name: "Fail no DB", data: &HandlerData{GueClient: &gue.Client{}, WorkerCount: 10, WSHandler: handlerEHMock}, wantErr: true},
		{name: "Fail no gue", data: &HandlerData{DB: dbMock, WorkerCount: 10, WSHandler: handlerEHMock}, wantErr: true},
		{name: "Fail no workers", data: &HandlerData{DB: dbMock, GueClient: &gue.Client{}, WSHandler: handlerEHMock}, wantErr: true},
		{name: "Fail no ws", data: &HandlerData{DB: dbMock, GueClient: &gue.Client{}, WorkerCount: 10}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateHandler(tt.data); (err != nil) != tt.wantErr {
				t.Errorf("validateHandler() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type mockWSConn struct{ mock.Mock }

func (m *mockWSConn) ReadMessage() (messageType int, p []byte, err error) {
	args := m.Called()
	return args.Int(0), args.Get(1).([]byte), args.Error(2)
}

func (m *mockWSConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockWSConn) WriteJSON(v interface{}) error {
	args := m.Called(v)
	return args.Error(0)
}
