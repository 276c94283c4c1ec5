package ami

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/airenas/callscribe/internal/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSwitch struct {
	ln      net.Listener
	loginOK bool
	onConn  func(net.Conn, *bufio.Reader)
}

func startFakeSwitch(t *testing.T, loginOK bool, onConn func(net.Conn, *bufio.Reader)) (*fakeSwitch, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	fs := &fakeSwitch{ln: ln, loginOK: loginOK, onConn: onConn}
	t.Cleanup(func() { _ = ln.Close() })
	go fs.serve()
	return fs, ln.Addr().(*net.TCPAddr).Port
}

func (fs *fakeSwitch) serve() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			_, _ = conn.Write([]byte("Asterisk Call Manager/5.0.1\r\n"))
			r := bufio.NewReader(conn)
			msg, err := readMessage(r)
			if err != nil {
				return
			}
			resp := "Success"
			if !fs.loginOK || msg.Get("Username") != "admin" {
				resp = "Error"
			}
			_, _ = fmt.Fprintf(conn, "Response: %s\r\nActionID: %s\r\nMessage: Authentication\r\n\r\n", resp, msg.Get("ActionID"))
			if resp != "Success" {
				return
			}
			if fs.onConn != nil {
				fs.onConn(conn, r)
			}
		}()
	}
}

func newTestClient(t *testing.T, port int) *Client {
	t.Helper()
	c, err := NewClient(Options{Host: "127.0.0.1", Port: port, User: "admin", Secret: "s"})
	require.Nil(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Options{User: "a"})
	assert.NotNil(t, err)
	_, err = NewClient(Options{Host: "h"})
	assert.NotNil(t, err)
	c, err := NewClient(Options{Host: "h", User: "a"})
	require.Nil(t, err)
	assert.Equal(t, "h:5038", c.addr)
}

func TestConnect_LoginFail(t *testing.T) {
	_, port := startFakeSwitch(t, false, nil)
	c := newTestClient(t, port)
	_, err := c.Connect(test.Ctx(t))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "login failed")
}

func TestConnect_Events(t *testing.T) {
	_, port := startFakeSwitch(t, true, func(conn net.Conn, r *bufio.Reader) {
		_, _ = conn.Write([]byte("Event: Newchannel\r\nUniqueid: abc.1\r\nCallerIDNum: 100\r\n\r\n"))
		_, _ = conn.Write([]byte("Event: Hangup\r\nUniqueid: abc.1\r\nCause: 16\r\n\r\n"))
		time.Sleep(100 * time.Millisecond)
	})
	c := newTestClient(t, port)
	got := make(chan Event, 5)
	c.On("newchannel", func(e Event) { got <- e })
	c.On("Hangup", func(e Event) { got <- e })
	dropped, err := c.Connect(test.Ctx(t))
	require.Nil(t, err)
	e := <-got
	assert.Equal(t, "Newchannel", e.Name())
	assert.Equal(t, "100", e.Get("CallerIDNum"))
	e = <-got
	assert.Equal(t, "Hangup", e.Name())
	assert.Equal(t, "16", e.Get("cause"))
	select {
	case <-dropped:
	case <-time.After(time.Second):
		require.Fail(t, "no drop notification")
	}
}

func TestSendAction(t *testing.T) {
	_, port := startFakeSwitch(t, true, func(conn net.Conn, r *bufio.Reader) {
		msg, err := readMessage(r)
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("Event: Noise\r\n\r\n"))
		_, _ = fmt.Fprintf(conn, "Response: Success\r\nActionID: %s\r\nPing: Pong\r\n\r\n", msg.Get("ActionID"))
		_, _ = readMessage(r)
	})
	c := newTestClient(t, port)
	_, err := c.Connect(test.Ctx(t))
	require.Nil(t, err)
	m, err := c.SendAction(test.Ctx(t), Action{Name: "Ping"})
	require.Nil(t, err)
	assert.True(t, m.IsSuccess())
	assert.Equal(t, "Pong", m.Get("Ping"))
}

func TestSendAction_NotConnected(t *testing.T) {
	c, _ := NewClient(Options{Host: "h", User: "a"})
	_, err := c.SendAction(test.Ctx(t), Action{Name: "Ping"})
	assert.NotNil(t, err)
}

func Test_readMessage(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\r\nEvent: Newstate\r\nChannelState: 6\r\nChannelStateDesc: Up\r\nbroken\r\n\r\n"))
	m, err := readMessage(r)
	require.Nil(t, err)
	assert.Equal(t, Message{"Event": "Newstate", "ChannelState": "6", "ChannelStateDesc": "Up"}, m)
	_, err = readMessage(r)
	assert.NotNil(t, err)
}

func Test_writeAction(t *testing.T) {
	var sb strings.Builder
	require.Nil(t, writeAction(&sb, Action{Name: "Ping", Fields: map[string]string{"A": "b"}}, "1"))
	assert.Equal(t, "Action: Ping\r\nActionID: 1\r\nA: b\r\n\r\n", sb.String())
}

func TestMessage_Get(t *testing.T) {
	m := Message{"Uniqueid": "1"}
	assert.Equal(t, "1", m.Get("UniqueID"))
	assert.True(t, m.Has("uniqueid"))
	assert.False(t, m.Has("Cause"))
	assert.Equal(t, "", m.Get("Cause"))
}

func TestNewEvent(t *testing.T) {
	e := NewEvent("Hangup", map[string]string{"Cause": "21"})
	assert.Equal(t, "Hangup", e.Name())
	assert.Equal(t, "21", e.Get("Cause"))
}
