package mediaupload

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// ProcessingEvent is published by the hosting API once asynchronous
// processing of an uploaded asset settles.
type ProcessingEvent struct {
	MediaID         string `json:"media_id"`
	Status          string `json:"status"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// DurationApplier stores a measured duration on the lessons using a media id.
type DurationApplier interface {
	ApplyMediaProcessed(mediaID string, durationSeconds int) error
}

type Watcher struct {
	url          string
	token        string
	log          *logger.Logger
	reconnectMin time.Duration
	reconnectMax time.Duration
}

func NewWatcher(eventsURL, token string, log *logger.Logger) *Watcher {
	return &Watcher{
		url:          strings.TrimSpace(eventsURL),
		token:        strings.TrimSpace(token),
		log:          logger.OrNop(log),
		reconnectMin: 250 * time.Millisecond,
		reconnectMax: 10 * time.Second,
	}
}

// Watch streams events to handle until ctx is done, reconnecting with
// backoff when the connection drops. It returns ctx.Err() on shutdown.
func (w *Watcher) Watch(ctx context.Context, handle func(ProcessingEvent) error) error {
	delay := w.reconnectMin
	for {
		received, err := w.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			delay = w.reconnectMin
		}
		w.log.Warn("media events connection lost", "url", w.url, "error", err, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > w.reconnectMax {
			delay = w.reconnectMax
		}
	}
}

func (w *Watcher) session(ctx context.Context, handle func(ProcessingEvent) error) (bool, error) {
	opts := &websocket.DialOptions{}
	if w.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + w.token}}
	}
	conn, _, err := websocket.Dial(ctx, w.url, opts)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	w.log.Debug("media events connected", "url", w.url)

	received := false
	for {
		var ev ProcessingEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return received, errors.New("server closed the stream")
			}
			return received, err
		}
		received = true
		if strings.TrimSpace(ev.MediaID) == "" {
			continue
		}
		if err := handle(ev); err != nil {
			w.log.Warn("media event not applied", "media_id", ev.MediaID, "status", ev.Status, "error", err)
		}
	}
}

// ApplyTo returns a handler that applies ready events to target.
func ApplyTo(target DurationApplier) func(ProcessingEvent) error {
	return func(ev ProcessingEvent) error {
		if ev.Status != StatusReady {
			return nil
		}
		return target.ApplyMediaProcessed(ev.MediaID, ev.DurationSeconds)
	}
}
