package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/gorilla/websocket"
)

// Options keeps control channel endpoint data
type Options struct {
	URL            string
	User           string
	Password       string
	App            string
	CommandTimeout time.Duration
}

// Handler is invoked for each subscribed event
type Handler func(*Event)

// Client is the control channel client: REST commands plus a websocket event feed
type Client struct {
	httpclient *http.Client
	baseURL    string
	eventsURL  string
	user       string
	password   string
	timeout    time.Duration

	lock sync.Mutex
	conn *websocket.Conn

	hLock    sync.RWMutex
	handlers map[string][]Handler
}

// NewClient creates control channel client
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("no URL")
	}
	if !strings.HasPrefix(opts.URL, "http") {
		return nil, fmt.Errorf("no http in URL")
	}
	if opts.App == "" {
		return nil, fmt.Errorf("no app")
	}
	res := &Client{handlers: map[string][]Handler{}}
	res.baseURL = strings.TrimSuffix(opts.URL, "/") + "/ari"
	u, err := url.Parse(strings.Replace(res.baseURL, "http", "ws", 1) + "/events")
	if err != nil {
		return nil, fmt.Errorf("can't parse URL: %w", err)
	}
	q := u.Query()
	q.Set("app", opts.App)
	q.Set("api_key", opts.User+":"+opts.Password)
	u.RawQuery = q.Encode()
	res.eventsURL = u.String()
	res.user = opts.User
	res.password = opts.Password
	res.timeout = opts.CommandTimeout
	if res.timeout <= 0 {
		res.timeout = 5 * time.Second
	}
	res.httpclient = &http.Client{Transport: newTransport()}
	return res, nil
}

// On subscribes the handler to the event type
func (c *Client) On(eventType string, h Handler) {
	c.hLock.Lock()
	defer c.hLock.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Connect opens the event websocket, returns a channel notified when it drops
func (c *Client) Connect(ctx context.Context) (<-chan error, error) {
	goapp.Log.Info().Str("url", c.baseURL).Msg("connect events")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.eventsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("can't dial events: %w", err)
	}
	c.lock.Lock()
	c.conn = conn
	c.lock.Unlock()
	res := make(chan error, 1)
	go c.readLoop(conn, res)
	return res, nil
}

// Disconnect closes the event websocket
func (c *Client) Disconnect() error {
	c.lock.Lock()
	conn := c.conn
	c.conn = nil
	c.lock.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, res chan<- error) {
	var err error
	for {
		var message []byte
		_, message, err = conn.ReadMessage()
		if err != nil {
			break
		}
		var e Event
		if errJ := json.Unmarshal(message, &e); errJ != nil {
			goapp.Log.Warn().Err(errJ).Msg("can't unmarshal event")
			continue
		}
		c.dispatch(&e)
	}
	goapp.Log.Warn().Err(err).Msg("control channel read loop ended")
	c.lock.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.lock.Unlock()
	_ = conn.Close()
	res <- err
	close(res)
}

func (c *Client) dispatch(e *Event) {
	c.hLock.RLock()
	hs := append([]Handler{}, c.handlers[e.Type]...)
	c.hLock.RUnlock()
	if len(hs) == 0 {
		goapp.Log.Debug().Str("type", e.Type).Msg("no handler")
	}
	for _, h := range hs {
		h(e)
	}
}

// Answer answers the channel
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.invoke(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil)
}

// Play starts media playback on the channel with the provided playback id
func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) error {
	return c.invoke(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play/"+url.PathEscape(playbackID),
		url.Values{"media": []string{media}})
}

// Record starts a live recording on the channel
func (c *Client) Record(ctx context.Context, channelID string, opts RecordOptions) error {
	if opts.Name == "" {
		return fmt.Errorf("no recording name")
	}
	prm := url.Values{}
	prm.Set("name", opts.Name)
	prm.Set("format", defaultStr(opts.Format, "wav"))
	if opts.MaxDurationSeconds > 0 {
		prm.Set("maxDurationSeconds", strconv.Itoa(opts.MaxDurationSeconds))
	}
	if opts.MaxSilenceSeconds > 0 {
		prm.Set("maxSilenceSeconds", strconv.Itoa(opts.MaxSilenceSeconds))
	}
	prm.Set("ifExists", "overwrite")
	prm.Set("beep", strconv.FormatBool(opts.Beep))
	prm.Set("terminateOn", defaultStr(opts.TerminateOn, "none"))
	return c.invoke(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/record", prm)
}

// StopRecording stops the live recording and stores it
func (c *Client) StopRecording(ctx context.Context, name string) error {
	return c.invoke(ctx, http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/stop", nil)
}

// Hangup hangs up the channel, failed pipeline steps are sent as a Q.850 cause code
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	return c.invoke(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), hangupParams(reason))
}

var stepCauses = map[string]int{"answer_failed": 41, "prompt_failed": 47, "record_failed": 63}

func hangupParams(reason string) url.Values {
	if code, ok := stepCauses[reason]; ok {
		return url.Values{"reason_code": []string{strconv.Itoa(code)}}
	}
	return url.Values{"reason": []string{hangupReason(reason)}}
}

var knownReasons = map[string]bool{"normal": true, "busy": true, "congestion": true, "no_answer": true,
	"timeout": true, "rejected": true, "unallocated": true, "normal_unspecified": true,
	"number_incomplete": true, "codec_mismatch": true, "interworking": true, "failure": true,
	"answered_elsewhere": true}

// hangupReason maps application reasons to the ones the switch accepts
func hangupReason(r string) string {
	if r == "" {
		return "normal"
	}
	if knownReasons[r] {
		return r
	}
	goapp.Log.Debug().Str("reason", r).Msg("map hangup reason to failure")
	return "failure"
}

func (c *Client) invoke(ctx context.Context, method, path string, prm url.Values) error {
	ctx, cancelF := context.WithTimeout(ctx, c.timeout)
	defer cancelF()
	urlStr := c.baseURL + path
	if len(prm) > 0 {
		urlStr += "?" + prm.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.password)
	goapp.Log.Debug().Str("url", path).Str("method", method).Msg("call")
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return fmt.Errorf("can't call: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
		_ = resp.Body.Close()
	}()
	if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
		return fmt.Errorf("can't invoke '%s %s': %w", method, path, err)
	}
	return nil
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func newTransport() http.RoundTripper {
	res := http.DefaultTransport.(*http.Transport).Clone()
	res.MaxIdleConns = 20
	res.MaxIdleConnsPerHost = 20
	res.IdleConnTimeout = 90 * time.Second
	return res
}
