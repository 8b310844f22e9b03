package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/liminal-technologies/readylab-curriculum/internal/mediaupload"
)

const subscriberBuffer = 32

// eventHub fans processing events out to connected watchers. A subscriber
// that falls behind drops events rather than blocking publishers.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan mediaupload.ProcessingEvent]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[chan mediaupload.ProcessingEvent]struct{}{}}
}

func (h *eventHub) subscribe() (<-chan mediaupload.ProcessingEvent, func()) {
	ch := make(chan mediaupload.ProcessingEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

func (h *eventHub) publish(ev mediaupload.ProcessingEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for ch := range h.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *eventHub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleMediaEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("media events accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	events, unsubscribe := s.events.subscribe()
	defer unsubscribe()
	ctx := conn.CloseRead(c.Request.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.log.Debug("media events write failed", "error", err)
				return
			}
		}
	}
}
