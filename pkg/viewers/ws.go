package viewers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSServer exposes the registry over websocket connections, one per
// viewer per stream id.
type WSServer struct {
	registry *Registry
	log      logging.Logger
	upgrader websocket.Upgrader
}

func NewWSServer(registry *Registry, log logging.Logger) *WSServer {
	return &WSServer{
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeWS upgrades the request and streams registry events until the
// viewer goes away. The subscription's count bookkeeping is tied to the
// connection lifetime.
func (s *WSServer) ServeWS(w http.ResponseWriter, req *http.Request, streamID string) {
	streamID = signal.NormalizeStreamID(streamID)
	if !signal.ValidateStreamID(streamID) {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.WithError(err).Error("viewer websocket upgrade failed")
		return
	}

	sub := s.registry.Connect(streamID)
	go s.writePump(conn, sub)
	go s.readPump(conn, sub)
}

// readPump discards incoming messages; viewers only listen. It exists to
// observe pongs and connection teardown.
func (s *WSServer) readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WSServer) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
