package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 4096
	// wsSendBuffer 待发快照上限；写满说明客户端卡住，直接断开
	wsSendBuffer = 16
)

var (
	errSubscriberClosed = errors.New("subscriber closed")
	errSubscriberSlow   = errors.New("subscriber send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origin 校验交给反向代理
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSubscriber adapts one dashboard connection to botmanager.Subscriber.
// Send only queues; writeLoop owns every write on conn.
type wsSubscriber struct {
	conn *websocket.Conn
	send chan []byte
	open atomic.Bool
	once sync.Once
	done chan struct{}
	log  *logrus.Entry
}

func newWSSubscriber(conn *websocket.Conn, log *logrus.Entry) *wsSubscriber {
	s := &wsSubscriber{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
		log:  log,
	}
	s.open.Store(true)
	return s
}

func (s *wsSubscriber) IsOpen() bool { return s.open.Load() }

// Send 非阻塞入队；队列满时关闭连接
func (s *wsSubscriber) Send(payload []byte) error {
	if !s.IsOpen() {
		return errSubscriberClosed
	}
	select {
	case s.send <- payload:
		return nil
	default:
		s.log.Warn("ws subscriber too slow, closing")
		s.close()
		return errSubscriberSlow
	}
}

func (s *wsSubscriber) close() {
	s.once.Do(func() {
		s.open.Store(false)
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop 发送排队的快照并定时 ping；写失败即关闭连接
func (s *wsSubscriber) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debugf("ws write failed: %v", err)
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.log.Debugf("ws ping failed: %v", err)
				s.close()
				return
			}
		}
	}
}

// readLoop 丢弃客户端消息，只用来感知断开和 pong
func (s *wsSubscriber) readLoop() {
	s.conn.SetReadLimit(wsReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugf("ws read: %v", err)
			}
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写过错误响应
		s.log.Warnf("ws upgrade failed: %v", err)
		return
	}

	sub := newWSSubscriber(conn, s.log.WithField("remote", r.RemoteAddr))
	go sub.writeLoop()
	s.manager.AddClient(r.Context(), sub)
	sub.log.Debug("dashboard subscriber connected")

	sub.readLoop()

	sub.close()
	s.manager.RemoveClient(sub)
	sub.log.Debug("dashboard subscriber disconnected")
}
