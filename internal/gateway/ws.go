package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// handleWS streams the transcript over a websocket, one JSON event per
// message. The optional after query parameter mirrors Last-Event-ID.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	b, ok := s.reg.Get(serverID)
	if !ok {
		http.Error(w, "unknown server id: "+serverID, http.StatusNotFound)
		return
	}
	after := int64(-1)
	if q := r.URL.Query().Get("after"); q != "" {
		if n, err := strconv.ParseInt(q, 10, 64); err == nil && n >= 0 {
			after = n
		}
	}
	opts := &websocket.AcceptOptions{}
	if len(s.origins) > 0 {
		opts.OriginPatterns = s.origins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead pumps control frames and cancels the context when the
	// peer goes away; the transcript stream is write-only.
	ctx := conn.CloseRead(r.Context())
	replay, ch, cancel := b.SubscribeFrom(after)
	defer cancel()
	for _, ev := range replay {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return
		}
	}
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
