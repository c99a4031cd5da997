package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openfroyo/storefront/pkg/telemetry"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// The stream only serves a local storefront view.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents streams telemetry events as JSON text frames. Optional query
// filters: type (comma separated), app, attempt and level. A client that
// falls behind loses events rather than slowing down the publisher.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.FromContext(r.Context(), s.logger).WithError(err).Warn("Event stream upgrade failed")
		return
	}
	defer conn.Close()

	stream := make(chan telemetry.Event, streamBuffer)
	filter := streamFilter(r)
	id := s.events.Subscribe(func(e telemetry.Event) {
		select {
		case stream <- e:
		default:
		}
	}, filter)
	defer s.events.Unsubscribe(id)

	// The reader only handles control frames and notices when the client goes away.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	logger := telemetry.FromContext(r.Context(), s.logger).WithField("remote", r.RemoteAddr)
	logger.Debug("Event stream opened")
	defer logger.Debug("Event stream closed")

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case e := <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func streamFilter(r *http.Request) telemetry.EventFilter {
	q := r.URL.Query()
	var filters []telemetry.EventFilter
	if v := q.Get("type"); v != "" {
		filters = append(filters, telemetry.FilterByType(strings.Split(v, ",")...))
	}
	if v := q.Get("app"); v != "" {
		filters = append(filters, telemetry.FilterByApp(v))
	}
	if v := q.Get("attempt"); v != "" {
		filters = append(filters, telemetry.FilterByAttempt(v))
	}
	if v := q.Get("level"); v != "" {
		filters = append(filters, telemetry.FilterByLevel(v))
	}
	if len(filters) == 0 {
		return nil
	}
	return func(e telemetry.Event) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	}
}
