package queryservice

import (
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// WsConn is interface for websocket handling in query service
type WsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	WriteJSON(v interface{}) error
}

// WSConnKeeper keeps subscribed connections by transcription job id
type WSConnKeeper struct {
	idConnectionMap map[string]map[WsConn]struct{}
	connectionIDMap map[WsConn]string
	mapLock         *sync.Mutex
	timeOut         time.Duration
}

// NewWSConnKeeper creates manager, idle connections are dropped after timeOut
func NewWSConnKeeper(timeOut time.Duration) *WSConnKeeper {
	if timeOut <= 0 {
		timeOut = 30 * time.Minute
	}
	return &WSConnKeeper{idConnectionMap: map[string]map[WsConn]struct{}{},
		connectionIDMap: map[WsConn]string{}, mapLock: &sync.Mutex{}, timeOut: timeOut}
}

// HandleConnection reads job ids from the connection until it is closed or idle,
// the last read id is the subscription of the connection
func (kp *WSConnKeeper) HandleConnection(conn WsConn) error {
	defer kp.deleteConnection(conn)
	defer conn.Close()
	readCh := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(readCh)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				goapp.Log.Debug().Err(err).Msg("ws read ended")
				return
			}
			msg := strings.TrimSpace(string(message))
			goapp.Log.Debug().Str("msg", goapp.Sanitize(msg)).Msg("got ws msg")
			if msg == "" {
				continue
			}
			select {
			case readCh <- msg:
			case <-done:
				return
			}
		}
	}()

	timer := time.NewTimer(kp.timeOut)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			goapp.Log.Debug().Msg("ws conn idle timeout")
			return nil
		case msg, ok := <-readCh:
			if !ok {
				return nil
			}
			kp.saveConnection(conn, msg)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(kp.timeOut)
		}
	}
}

func (kp *WSConnKeeper) deleteConnection(conn WsConn) {
	kp.mapLock.Lock()
	defer kp.mapLock.Unlock()
	kp.deleteConnectionNoSync(conn)
	goapp.Log.Debug().Int("active", len(kp.connectionIDMap)).Msg("ws conn removed")
}

func (kp *WSConnKeeper) deleteConnectionNoSync(conn WsConn) {
	id, found := kp.connectionIDMap[conn]
	if !found {
		return
	}
	if conns, found := kp.idConnectionMap[id]; found {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(kp.idConnectionMap, id)
		}
	}
	delete(kp.connectionIDMap, conn)
}

func (kp *WSConnKeeper) saveConnection(conn WsConn, id string) {
	kp.mapLock.Lock()
	defer kp.mapLock.Unlock()
	kp.deleteConnectionNoSync(conn)
	kp.connectionIDMap[conn] = id
	conns, found := kp.idConnectionMap[id]
	if !found {
		conns = map[WsConn]struct{}{}
		kp.idConnectionMap[id] = conns
	}
	conns[conn] = struct{}{}
	goapp.Log.Debug().Str("ID", goapp.Sanitize(id)).Int("active", len(kp.connectionIDMap)).Msg("ws conn subscribed")
}

// GetConnections returns saved connections by job id
func (kp *WSConnKeeper) GetConnections(id string) ([]WsConn, bool) {
	kp.mapLock.Lock()
	defer kp.mapLock.Unlock()
	cm, found := kp.idConnectionMap[id]
	if !found {
		return nil, false
	}
	res := make([]WsConn, 0, len(cm))
	for c := range cm {
		res = append(res, c)
	}
	return res, true
}
