package stream

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Subscribers never send payloads, only control frames
	maxMessageSize = 4 * 1024
)

// ServeWebSocket pumps the frames of sub to conn as JSON text messages and
// closes conn when the subscription ends. A client disconnect cancels the
// subscription. It blocks until both pumps are done.
func ServeWebSocket(conn *websocket.Conn, sub *Subscription, log *logger.Logger) {
	log = log.WithSessionID(sub.sessionID)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readPump(conn, sub, log)
	}()
	writePump(conn, sub, log)
	_ = conn.Close()
	<-readDone
}

// readPump discards client messages and notices disconnects.
func readPump(conn *websocket.Conn, sub *Subscription, log *logger.Logger) {
	defer sub.cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *Subscription, log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				sub.cancel()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.cancel()
				return
			}
		}
	}
}
