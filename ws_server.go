package signalrelay

import (
	"net/http"

	"go.uber.org/zap"
)

// ServeHTTP upgrades the request to a websocket and runs the client session until the
// socket closes. Mount it on `Config.WSPath()`.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", zap.Error(err))

		return
	}

	ws.SetReadLimit(r.cfg.MaxMessageSize)

	conn := newWSConn(ws, r.cfg.SendQueueSize, r.cfg.WriteTimeout, r.logger)

	ctx := req.Context()

	session, err := r.Accept(ctx, conn, HandshakeFromQuery(req.URL.Query()))
	if err != nil {
		<-conn.Done()

		return
	}

	for {
		_, data, readErr := ws.ReadMessage()
		if readErr != nil {
			session.Close(readErr)

			break
		}

		_, _ = session.Receive(ctx, data)
	}

	<-conn.Done()
}
