package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

const wsWriteTimeout = 10 * time.Second

// GET /ws
// Pushes {type:"connection"} once, then every scan_update published on the
// bus. The client never needs to send anything; reads only serve close
// frames and pings.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	if r.bus == nil {
		http.Error(w, "push channel disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: originHosts(r.origins),
	})
	if err != nil {
		r.log.Warnw("ws accept error", "error", err)
		return
	}
	defer conn.CloseNow()

	sub, err := r.bus.Subscribe()
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer r.bus.Unsubscribe(sub)

	ctx := conn.CloseRead(req.Context())

	hello := domain.Event{Type: domain.EventConnection, Message: "connected to scan updates"}
	if err := writeEvent(ctx, conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				// dropped as a slow consumer, or the bus closed
				conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					r.log.Debugw("ws write error", "error", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// originHosts turns configured origins into the host patterns websocket
// origin checks expect.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}
