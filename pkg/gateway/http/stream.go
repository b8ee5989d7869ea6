package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = time.Second

// Push a drive snapshot every stream period until the peer goes away
func (g *GatewayServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warnf("websocket upgrade failed : %v", err)
		return
	}
	defer conn.Close()
	g.logger.Infof("stream opened by %v", r.RemoteAddr)

	// Reader is only used to detect peer close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.streamPeriod)
	defer ticker.Stop()
	for {
		snapshot := g.Status()
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		err := conn.WriteJSON(snapshot)
		if err != nil {
			g.logger.Debugf("stream closed : %v", err)
			return
		}
		select {
		case <-closed:
			g.logger.Infof("stream closed by %v", r.RemoteAddr)
			return
		case <-ticker.C:
		}
	}
}

// Close a stream connection gracefully
func closeStream(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
	return conn.Close()
}
