package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/airenas/callscribe/internal/pkg/ami"
	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDB struct {
	lock    sync.Mutex
	calls   map[string]*persistence.CallRecord
	events  []string
	nextID  int64
	findErr error
}

func newMemDB() *memDB {
	return &memDB{calls: map[string]*persistence.CallRecord{}}
}

func (m *memDB) CreateCall(ctx context.Context, rec *persistence.CallRecord) (int64, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if r, ok := m.calls[rec.UniqueID]; ok {
		return r.ID, false, nil
	}
	m.nextID++
	r := *rec
	r.ID = m.nextID
	m.calls[rec.UniqueID] = &r
	return r.ID, true, nil
}

func (m *memDB) FindCallByUniqueID(ctx context.Context, uniqueID string) (*persistence.CallRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	if r, ok := m.calls[uniqueID]; ok {
		res := *r
		return &res, nil
	}
	return nil, nil
}

func (m *memDB) byID(id int64) *persistence.CallRecord {
	for _, r := range m.calls {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *memDB) UpdateCallAnswered(ctx context.Context, id int64, at time.Time) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	r := m.byID(id)
	r.State = status.Answered.String()
	r.AnswerTime = &at
	return nil
}

func (m *memDB) UpdateCallDestination(ctx context.Context, id int64, destination, destChannel string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	r := m.byID(id)
	r.Destination, r.DestChannel = destination, destChannel
	return nil
}

func (m *memDB) UpdateCallEnded(ctx context.Context, id int64, end *persistence.CallEnd) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	r := m.byID(id)
	r.State = status.Ended.String()
	r.EndTime = &end.EndTime
	r.DurationSeconds = end.DurationSeconds
	r.HangupCause.String, r.HangupCause.Valid = end.Cause, true
	r.HangupCauseText.String, r.HangupCauseText.Valid = end.CauseText, true
	return nil
}

func (m *memDB) LogEvent(ctx context.Context, callID int64, eventType string, payload map[string]string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.events = append(m.events, eventType)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func initTest(t *testing.T) (*Tracker, *memDB, *clock) {
	t.Helper()
	db := newMemDB()
	tr, err := New(db)
	require.Nil(t, err)
	c := &clock{t: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	tr.now = c.now
	return tr, db, c
}

func newChannel(uid string) ami.Event {
	return ami.NewEvent("Newchannel", map[string]string{"Uniqueid": uid, "CallerIDNum": "100",
		"CallerIDName": "Olia", "Exten": "200", "Channel": "PJSIP/100-0001"})
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.NotNil(t, err)
}

func TestScenario_AnsweredCall(t *testing.T) {
	tr, db, c := initTest(t)
	tr.OnNewChannel(newChannel("abc.1"))
	tr.OnStateChange(ami.NewEvent("Newstate", map[string]string{"Uniqueid": "abc.1", "ChannelState": "6"}))
	c.add(2000 * time.Millisecond)
	tr.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "abc.1", "Cause": "16"}))

	r := db.calls["abc.1"]
	require.NotNil(t, r)
	assert.Equal(t, "ended", r.State)
	assert.Equal(t, 2, r.DurationSeconds)
	assert.Equal(t, "16", r.HangupCause.String)
	assert.Equal(t, "Normal Clearing", r.HangupCauseText.String)
	assert.Equal(t, 0, tr.ActiveCalls())
	assert.Equal(t, []string{"new_channel", "state_change", "hangup"}, db.events)
}

func TestScenario_NotAnswered(t *testing.T) {
	tr, db, c := initTest(t)
	tr.OnNewChannel(newChannel("abc.2"))
	c.add(5 * time.Second)
	tr.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "abc.2", "Cause": "21", "Cause-txt": "Call Rejected"}))

	r := db.calls["abc.2"]
	assert.Equal(t, "ended", r.State)
	assert.Equal(t, 0, r.DurationSeconds)
	assert.Nil(t, r.AnswerTime)
	assert.Equal(t, "Call Rejected", r.HangupCauseText.String)
}

func TestDuration_RoundsDown(t *testing.T) {
	tr, db, c := initTest(t)
	tr.OnNewChannel(newChannel("abc.1"))
	tr.OnStateChange(ami.NewEvent("Newstate", map[string]string{"Uniqueid": "abc.1", "ChannelState": "6"}))
	c.add(2999 * time.Millisecond)
	tr.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "abc.1", "Cause": "16"}))
	assert.Equal(t, 2, db.calls["abc.1"].DurationSeconds)
}

func TestNewChannel_Duplicate(t *testing.T) {
	tr, db, _ := initTest(t)
	tr.OnNewChannel(newChannel("abc.1"))
	tr.OnNewChannel(newChannel("abc.1"))
	assert.Equal(t, 1, len(db.calls))
	assert.Equal(t, 1, tr.ActiveCalls())
	assert.Equal(t, "initiated", db.calls["abc.1"].State)
}

func TestNewChannel_NoUniqueID(t *testing.T) {
	tr, db, _ := initTest(t)
	tr.OnNewChannel(ami.NewEvent("Newchannel", nil))
	assert.Equal(t, 0, len(db.calls))
}

func TestHangup_Unknown(t *testing.T) {
	tr, db, _ := initTest(t)
	tr.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "olia", "Cause": "16"}))
	assert.Equal(t, 0, len(db.calls))
	assert.Empty(t, db.events)
}

func TestHangup_StoreError(t *testing.T) {
	tr, db, _ := initTest(t)
	db.findErr = fmt.Errorf("olia")
	tr.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "abc.1"}))
	assert.Empty(t, db.events)
}

func TestStateChange_NotAnswered(t *testing.T) {
	tr, db, _ := initTest(t)
	tr.OnNewChannel(newChannel("abc.1"))
	tr.OnStateChange(ami.NewEvent("Newstate", map[string]string{"Uniqueid": "abc.1", "ChannelState": "5"}))
	assert.Equal(t, "initiated", db.calls["abc.1"].State)
	assert.Nil(t, db.calls["abc.1"].AnswerTime)
	assert.Equal(t, []string{"new_channel", "state_change"}, db.events)
}

func TestStateChange_AnswerStampedOnce(t *testing.T) {
	tr, db, c := initTest(t)
	tr.OnNewChannel(newChannel("abc.1"))
	tr.OnStateChange(ami.NewEvent("Newstate", map[string]string{"Uniqueid": "abc.1", "ChannelState": "6"}))
	first := *db.calls["abc.1"].AnswerTime
	c.add(time.Second)
	tr.OnStateChange(ami.NewEvent("Newstate", map[string]string{"Uniqueid": "abc.1", "ChannelState": "6"}))
	assert.Equal(t, first, *db.calls["abc.1"].AnswerTime)
}

func TestDial(t *testing.T) {
	tests := []struct {
		name     string
		ev       ami.Event
		wantDest string
	}{
		{name: "DialBegin", ev: ami.NewEvent("DialBegin", map[string]string{"Uniqueid": "abc.1",
			"DestChannel": "PJSIP/200-0002", "DialString": "200"}), wantDest: "200"},
		{name: "Dial begin", ev: ami.NewEvent("Dial", map[string]string{"Uniqueid": "abc.1", "SubEvent": "Begin",
			"Destination": "SIP/200-0002", "Dialstring": "200"}), wantDest: "200"},
		{name: "Dial end", ev: ami.NewEvent("Dial", map[string]string{"Uniqueid": "abc.1", "SubEvent": "End",
			"Dialstring": "300"}), wantDest: "200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, db, _ := initTest(t)
			tr.OnNewChannel(newChannel("abc.1"))
			tr.OnDial(tt.ev)
			assert.Equal(t, "200", db.calls["abc.1"].Destination, "not persisted before hangup")
			tr.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "abc.1", "Cause": "16"}))
			assert.Equal(t, tt.wantDest, db.calls["abc.1"].Destination)
		})
	}
}

func TestHangup_AfterRestart(t *testing.T) {
	tr, db, c := initTest(t)
	tr.OnNewChannel(newChannel("abc.1"))
	tr.OnStateChange(ami.NewEvent("Newstate", map[string]string{"Uniqueid": "abc.1", "ChannelState": "6"}))

	tr2, err := New(db)
	require.Nil(t, err)
	c.add(3 * time.Second)
	tr2.now = c.now
	tr2.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "abc.1", "Cause": "16"}))
	assert.Equal(t, "ended", db.calls["abc.1"].State)
	assert.Equal(t, 3, db.calls["abc.1"].DurationSeconds)
}

func TestHangup_Twice(t *testing.T) {
	tr, db, _ := initTest(t)
	tr.OnNewChannel(newChannel("abc.1"))
	tr.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "abc.1", "Cause": "16"}))
	tr.OnHangup(ami.NewEvent("Hangup", map[string]string{"Uniqueid": "abc.1", "Cause": "17"}))
	assert.Equal(t, "16", db.calls["abc.1"].HangupCause.String)
}

func TestCauseText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "16", want: "Normal Clearing"},
		{in: " 17 ", want: "User busy"},
		{in: "999", want: ""},
		{in: "olia", want: ""},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CauseText(tt.in))
		})
	}
}

type fakeSub struct{ names []string }

func (f *fakeSub) On(name string, h ami.Handler) { f.names = append(f.names, name) }

func TestRegister(t *testing.T) {
	tr, _, _ := initTest(t)
	s := &fakeSub{}
	tr.Register(s)
	assert.Contains(t, s.names, "Newchannel")
	assert.Contains(t, s.names, "Hangup")
	assert.Contains(t, s.names, "DialBegin")
}
