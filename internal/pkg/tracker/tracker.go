package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airenas/callscribe/internal/pkg/ami"
	"github.com/airenas/callscribe/internal/pkg/persistence"
	"github.com/airenas/callscribe/internal/pkg/status"
	"github.com/airenas/go-app/pkg/goapp"
)

// DB is the call record store used by the tracker
type DB interface {
	// CreateCall returns the id and created=false if the record for the unique id already exists
	CreateCall(ctx context.Context, rec *persistence.CallRecord) (int64, bool, error)
	// FindCallByUniqueID returns nil if no record
	FindCallByUniqueID(ctx context.Context, uniqueID string) (*persistence.CallRecord, error)
	UpdateCallAnswered(ctx context.Context, id int64, at time.Time) error
	UpdateCallDestination(ctx context.Context, id int64, destination, destChannel string) error
	UpdateCallEnded(ctx context.Context, id int64, end *persistence.CallEnd) error
	LogEvent(ctx context.Context, callID int64, eventType string, payload map[string]string) error
}

// Subscriber provides event stream events
type Subscriber interface {
	On(name string, h ami.Handler)
}

const (
	answeredState = "6"
	storeTimeout  = 10 * time.Second
)

type activeCall struct {
	id          int64
	answerTime  *time.Time
	destination string
	destChannel string
	dialed      bool
}

// Tracker keeps call records in sync with the event stream
type Tracker struct {
	db  DB
	now func() time.Time

	lock  sync.Mutex
	calls map[string]*activeCall
}

// New creates call lifecycle tracker
func New(db DB) (*Tracker, error) {
	if db == nil {
		return nil, fmt.Errorf("no DB")
	}
	return &Tracker{db: db, now: time.Now, calls: map[string]*activeCall{}}, nil
}

// Register subscribes handlers. Handlers run on the client read goroutine,
// so events of one call are applied in arrival order
func (t *Tracker) Register(sub Subscriber) {
	sub.On("Newchannel", t.OnNewChannel)
	sub.On("Newstate", t.OnStateChange)
	sub.On("DialBegin", t.OnDial)
	sub.On("Dial", t.OnDial)
	sub.On("BridgeEnter", t.OnBridge)
	sub.On("Bridge", t.OnBridge)
	sub.On("Hangup", t.OnHangup)
	sub.On("DTMFEnd", t.OnDtmf)
	sub.On("DTMF", t.OnDtmf)
}

// ActiveCalls returns the count of calls in progress
func (t *Tracker) ActiveCalls() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.calls)
}

// OnNewChannel creates the call record if absent
func (t *Tracker) OnNewChannel(e ami.Event) {
	uid := e.Get("Uniqueid")
	if uid == "" {
		goapp.Log.Warn().Msg("no uniqueid in new channel event")
		return
	}
	ctx, cf := context.WithTimeout(context.Background(), storeTimeout)
	defer cf()

	rec := &persistence.CallRecord{UniqueID: uid, CallerID: e.Get("CallerIDNum"), CallerName: e.Get("CallerIDName"),
		Destination: e.Get("Exten"), Channel: e.Get("Channel"), State: status.Initiated.String(), StartTime: t.now()}
	id, created, err := t.db.CreateCall(ctx, rec)
	if err != nil {
		goapp.Log.Error().Err(err).Str("uniqueID", uid).Msg("can't create call")
		return
	}
	goapp.Log.Info().Str("uniqueID", uid).Int64("ID", id).Bool("created", created).
		Str("caller", goapp.Sanitize(rec.CallerID)).Msg("new channel")
	if created {
		t.put(uid, &activeCall{id: id, destination: rec.Destination})
	} else if _, err := t.resolve(ctx, uid); err != nil {
		goapp.Log.Error().Err(err).Str("uniqueID", uid).Msg("can't load call")
	}
	t.logEvent(ctx, id, "new_channel", e)
}

// OnStateChange stamps the answer time when the channel goes up
func (t *Tracker) OnStateChange(e ami.Event) {
	uid := e.Get("Uniqueid")
	ctx, cf := context.WithTimeout(context.Background(), storeTimeout)
	defer cf()
	c, err := t.resolve(ctx, uid)
	if err != nil {
		goapp.Log.Error().Err(err).Str("uniqueID", uid).Msg("can't load call")
		return
	}
	if c == nil {
		goapp.Log.Debug().Str("uniqueID", uid).Msg("state change of untracked call")
		return
	}
	if e.Get("ChannelState") == answeredState {
		at := t.now()
		if t.markAnswered(uid, at) {
			if err := t.db.UpdateCallAnswered(ctx, c.id, at); err != nil {
				goapp.Log.Error().Err(err).Str("uniqueID", uid).Msg("can't update answered")
			} else {
				goapp.Log.Info().Str("uniqueID", uid).Msg("answered")
			}
		}
	}
	t.logEvent(ctx, c.id, "state_change", e)
}

// OnDial keeps destination data of the begin phase in the cache
func (t *Tracker) OnDial(e ami.Event) {
	if !isDialBegin(e) {
		return
	}
	uid := e.Get("Uniqueid")
	ctx, cf := context.WithTimeout(context.Background(), storeTimeout)
	defer cf()
	c, err := t.resolve(ctx, uid)
	if err != nil {
		goapp.Log.Error().Err(err).Str("uniqueID", uid).Msg("can't load call")
		return
	}
	if c == nil {
		goapp.Log.Debug().Str("uniqueID", uid).Msg("dial of untracked call")
		return
	}
	dest := firstNotEmpty(e.Get("DestCallerIDNum"), e.Get("DialString"), e.Get("Dialstring"))
	destCh := firstNotEmpty(e.Get("DestChannel"), e.Get("Destination"))
	t.lock.Lock()
	if ac, ok := t.calls[uid]; ok {
		ac.destination = firstNotEmpty(dest, ac.destination)
		ac.destChannel = firstNotEmpty(destCh, ac.destChannel)
		ac.dialed = true
	}
	t.lock.Unlock()
	goapp.Log.Info().Str("uniqueID", uid).Str("dest", goapp.Sanitize(dest)).Msg("dial")
	t.logEvent(ctx, c.id, "dial", e)
}

// OnBridge only logs the event for the call
func (t *Tracker) OnBridge(e ami.Event) {
	uid := e.Get("Uniqueid")
	ctx, cf := context.WithTimeout(context.Background(), storeTimeout)
	defer cf()
	c, err := t.resolve(ctx, uid)
	if err != nil || c == nil {
		goapp.Log.Debug().Err(err).Str("uniqueID", uid).Msg("bridge of untracked call")
		return
	}
	t.logEvent(ctx, c.id, "bridge", e)
}

// OnHangup finishes the call record and evicts the call
func (t *Tracker) OnHangup(e ami.Event) {
	uid := e.Get("Uniqueid")
	ctx, cf := context.WithTimeout(context.Background(), storeTimeout)
	defer cf()
	c, err := t.resolve(ctx, uid)
	if err != nil {
		goapp.Log.Error().Err(err).Str("uniqueID", uid).Msg("can't load call")
		return
	}
	if c == nil {
		goapp.Log.Info().Str("uniqueID", uid).Msg("hangup of untracked call")
		return
	}
	defer t.evict(uid)

	end := &persistence.CallEnd{EndTime: t.now(), Cause: e.Get("Cause"), CauseText: e.Get("Cause-txt")}
	if c.answerTime != nil {
		end.DurationSeconds = duration(*c.answerTime, end.EndTime)
	}
	if end.CauseText == "" {
		end.CauseText = CauseText(end.Cause)
	}
	if c.dialed {
		if err := t.db.UpdateCallDestination(ctx, c.id, c.destination, c.destChannel); err != nil {
			goapp.Log.Error().Err(err).Str("uniqueID", uid).Msg("can't update destination")
		}
	}
	if err := t.db.UpdateCallEnded(ctx, c.id, end); err != nil {
		goapp.Log.Error().Err(err).Str("uniqueID", uid).Msg("can't update ended")
		return
	}
	goapp.Log.Info().Str("uniqueID", uid).Int("duration", end.DurationSeconds).Str("cause", end.Cause).Msg("ended")
	t.logEvent(ctx, c.id, "hangup", e)
}

// OnDtmf is a notification only
func (t *Tracker) OnDtmf(e ami.Event) {
	goapp.Log.Debug().Str("uniqueID", e.Get("Uniqueid")).Str("digit", goapp.Sanitize(e.Get("Digit"))).Msg("dtmf")
}

// resolve returns a copy of the cached call, loads it from the store on a miss
func (t *Tracker) resolve(ctx context.Context, uid string) (*activeCall, error) {
	if uid == "" {
		return nil, nil
	}
	t.lock.Lock()
	if c, ok := t.calls[uid]; ok {
		res := *c
		t.lock.Unlock()
		return &res, nil
	}
	t.lock.Unlock()

	rec, err := t.db.FindCallByUniqueID(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("can't find call: %w", err)
	}
	if rec == nil || rec.State == status.Ended.String() {
		return nil, nil
	}
	c := &activeCall{id: rec.ID, answerTime: rec.AnswerTime, destination: rec.Destination, destChannel: rec.DestChannel}
	t.put(uid, c)
	res := *c
	return &res, nil
}

func (t *Tracker) put(uid string, c *activeCall) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.calls[uid]; !ok {
		t.calls[uid] = c
	}
}

func (t *Tracker) evict(uid string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.calls, uid)
}

// markAnswered returns false if the call is already answered
func (t *Tracker) markAnswered(uid string, at time.Time) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	c, ok := t.calls[uid]
	if !ok || c.answerTime != nil {
		return false
	}
	c.answerTime = &at
	return true
}

func (t *Tracker) logEvent(ctx context.Context, id int64, eventType string, e ami.Event) {
	payload := make(map[string]string, len(e.Message))
	for k, v := range e.Message {
		payload[k] = v
	}
	if err := t.db.LogEvent(ctx, id, eventType, payload); err != nil {
		goapp.Log.Error().Err(err).Int64("ID", id).Str("type", eventType).Msg("can't log event")
	}
}

func isDialBegin(e ami.Event) bool {
	if strings.EqualFold(e.Name(), "DialBegin") {
		return true
	}
	return strings.EqualFold(e.Get("SubEvent"), "Begin")
}

func duration(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Second)
}

func firstNotEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}

var causeText = map[int]string{
	0:   "Unknown",
	1:   "Unallocated (unassigned) number",
	16:  "Normal Clearing",
	17:  "User busy",
	18:  "No user responding",
	19:  "User alerting, no answer",
	21:  "Call Rejected",
	27:  "Destination out of order",
	28:  "Invalid number format (addressed incomplete)",
	31:  "Normal, unspecified",
	34:  "Circuit/channel congestion",
	38:  "Network out of order",
	41:  "Temporary failure",
	42:  "Switching equipment congestion",
	58:  "Bearer capability not available",
	88:  "Incompatible destination",
	127: "Interworking, unspecified",
}

// CauseText returns description of the numeric hangup cause
func CauseText(cause string) string {
	c, err := strconv.Atoi(strings.TrimSpace(cause))
	if err != nil {
		return ""
	}
	return causeText[c]
}
