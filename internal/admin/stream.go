package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamBufferSize   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The route already sits behind the bearer token check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamSessions upgrades to a websocket and forwards session lifecycle and
// activity events until the client disconnects. A session query parameter
// narrows the stream to one session.
func (a *API) streamSessions(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	subjects := []string{
		events.SessionCreated,
		events.SessionActive,
		events.SessionCompleted,
		events.SessionFailed,
		events.SessionStopped,
	}
	if sessionID := c.Query("session"); sessionID != "" {
		subjects = append(subjects, events.BuildSessionActivitySubject(sessionID))
	} else {
		subjects = append(subjects, events.BuildSessionActivityWildcardSubject())
	}

	// Bus handlers run on bus goroutines; a buffered channel hands events to
	// the single writer below so writes stay serialized.
	feed := make(chan *bus.Event, streamBufferSize)
	for _, subject := range subjects {
		sub, err := a.bus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			select {
			case feed <- event:
			default:
				// Slow consumer; drop rather than block the bus.
			}
			return nil
		})
		if err != nil {
			a.logger.Warn("stream subscription failed",
				zap.String("subject", subject), zap.Error(err))
			return
		}
		defer sub.Unsubscribe()
	}

	// Reader goroutine notices the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case event := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
