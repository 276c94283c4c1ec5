package ami

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/google/uuid"
)

// Options keeps event stream endpoint data
type Options struct {
	Host   string
	Port   int
	User   string
	Secret string
}

// Handler is invoked for each subscribed event, in arrival order
type Handler func(Event)

// Client is the event stream client: a persistent authenticated TCP connection
// that delivers switch events and accepts actions
type Client struct {
	opts Options
	addr string

	lock    sync.Mutex
	conn    net.Conn
	pending map[string]chan Message

	wLock sync.Mutex

	hLock    sync.RWMutex
	handlers map[string][]Handler
}

// AllEvents subscribes to every event
const AllEvents = "*"

// NewClient creates event stream client
func NewClient(opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("no host")
	}
	if opts.Port <= 0 {
		opts.Port = 5038
	}
	if opts.User == "" {
		return nil, fmt.Errorf("no user")
	}
	return &Client{opts: opts, addr: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		handlers: map[string][]Handler{}}, nil
}

// On subscribes the handler to the named event
func (c *Client) On(name string, h Handler) {
	c.hLock.Lock()
	defer c.hLock.Unlock()
	key := strings.ToLower(name)
	c.handlers[key] = append(c.handlers[key], h)
}

// Connect dials and logs in, returns a channel notified when the connection drops
func (c *Client) Connect(ctx context.Context) (<-chan error, error) {
	goapp.Log.Info().Str("addr", c.addr).Msg("connect")
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("can't dial %s: %w", c.addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	r := bufio.NewReader(conn)
	greeting, err := r.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("can't read greeting: %w", err)
	}
	goapp.Log.Info().Str("greeting", strings.TrimSpace(greeting)).Msg("connected")

	login := Action{Name: "Login", Fields: map[string]string{"Username": c.opts.User,
		"Secret": c.opts.Secret, "Events": "on"}}
	id := uuid.NewString()
	if err := writeAction(conn, login, id); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("can't send login: %w", err)
	}
	for {
		msg, err := readMessage(r)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("can't read login response: %w", err)
		}
		if msg.Get("ActionID") != id {
			continue
		}
		if !msg.IsSuccess() {
			_ = conn.Close()
			return nil, fmt.Errorf("login failed: %s", msg.Get("Message"))
		}
		break
	}
	_ = conn.SetDeadline(time.Time{})

	c.lock.Lock()
	c.conn = conn
	c.pending = map[string]chan Message{}
	c.lock.Unlock()

	res := make(chan error, 1)
	go c.readLoop(conn, r, res)
	return res, nil
}

// Disconnect logs off and closes the connection
func (c *Client) Disconnect() error {
	c.lock.Lock()
	conn := c.conn
	c.conn = nil
	c.lock.Unlock()
	if conn == nil {
		return nil
	}
	c.wLock.Lock()
	_ = writeAction(conn, Action{Name: "Logoff"}, uuid.NewString())
	c.wLock.Unlock()
	return conn.Close()
}

// SendAction sends the action and waits for the matching response
func (c *Client) SendAction(ctx context.Context, a Action) (Message, error) {
	id := uuid.NewString()
	ch := make(chan Message, 1)
	c.lock.Lock()
	conn := c.conn
	if conn == nil {
		c.lock.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	c.pending[id] = ch
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.pending, id)
		c.lock.Unlock()
	}()

	c.wLock.Lock()
	err := writeAction(conn, a, id)
	c.wLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("can't send %s: %w", a.Name, err)
	}
	select {
	case m, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for %s", a.Name)
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(conn net.Conn, r *bufio.Reader, res chan<- error) {
	var err error
	for {
		var msg Message
		msg, err = readMessage(r)
		if err != nil {
			break
		}
		if msg.Has("Response") {
			c.deliver(msg)
			continue
		}
		if msg.Has("Event") {
			c.dispatch(Event{msg})
		}
	}
	goapp.Log.Warn().Err(err).Msg("event stream read loop ended")
	c.lock.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for k, ch := range c.pending {
		close(ch)
		delete(c.pending, k)
	}
	c.lock.Unlock()
	_ = conn.Close()
	res <- err
	close(res)
}

func (c *Client) deliver(msg Message) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if ch, ok := c.pending[msg.Get("ActionID")]; ok {
		ch <- msg
		delete(c.pending, msg.Get("ActionID"))
	}
}

func (c *Client) dispatch(e Event) {
	c.hLock.RLock()
	hs := append([]Handler{}, c.handlers[strings.ToLower(e.Name())]...)
	hs = append(hs, c.handlers[AllEvents]...)
	c.hLock.RUnlock()
	for _, h := range hs {
		h(e)
	}
}

func writeAction(w io.Writer, a Action, id string) error {
	var sb strings.Builder
	sb.WriteString("Action: " + a.Name + "\r\n")
	sb.WriteString("ActionID: " + id + "\r\n")
	for k, v := range a.Fields {
		sb.WriteString(k + ": " + v + "\r\n")
	}
	sb.WriteString("\r\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// readMessage reads one blank-line terminated block
func readMessage(r *bufio.Reader) (Message, error) {
	res := Message{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(res) == 0 {
				continue
			}
			return res, nil
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		res[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
}
