package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/runs"
)

// WSRelay implements SPEC_FULL.md §6's subscriber protocol over a WebSocket:
// connect, read the current response range, subscribe to the notification
// channel, re-read on each "new", and close once a control-channel broadcast
// (END_STREAM/ERROR/STOP) is observed. Grounded on the platform's
// streaming.Hub register/unregister/broadcast loop, trimmed from a
// multi-client/multi-task hub down to the one-connection, one-run replay
// contract this system's subscriber protocol actually needs.
type WSRelay struct {
	bus      Bus
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewWSRelay builds a WSRelay serving subscribers over bus.
func NewWSRelay(bus Bus, log *logger.Logger) *WSRelay {
	return &WSRelay{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "ws_relay")),
	}
}

// ServeHTTP upgrades the request to a WebSocket and relays run_id's response
// stream to it. run_id is read from the "run_id" query parameter (the
// namespace alias, per SPEC_FULL.md §9's mandatory stream_namespace).
func (r *WSRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	namespace := req.URL.Query().Get("run_id")
	if namespace == "" {
		http.Error(w, "run_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	r.serve(req.Context(), conn, namespace)
}

// serve drives one subscriber connection end to end and always closes conn
// before returning.
func (r *WSRelay) serve(ctx context.Context, conn *websocket.Conn, namespace string) {
	defer conn.Close()
	log := r.logger.WithFields(zap.String("namespace", namespace))

	events, err := r.bus.ReadResponses(ctx, namespace, 0)
	if err != nil {
		log.Warn("initial read failed", zap.Error(err))
		return
	}
	lastSeq := uint64(len(events))
	if err := r.writeAll(conn, events); err != nil {
		log.Debug("subscriber disconnected during initial replay", zap.Error(err))
		return
	}

	notify := make(chan struct{}, 1)
	notifySub, err := r.bus.SubscribeNotifications(ctx, namespace, func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	if err != nil {
		log.Warn("subscribe notifications failed", zap.Error(err))
		return
	}
	defer notifySub.Unsubscribe()

	var once sync.Once
	closed := make(chan struct{})
	signalClosed := func() { once.Do(func() { close(closed) }) }

	controlSub, err := r.bus.SubscribeControl(ctx, namespace, "", func(payload string) {
		switch payload {
		case runs.ControlEndStream, runs.ControlError, runs.ControlStop:
			signalClosed()
		}
	})
	if err != nil {
		log.Warn("subscribe control failed", zap.Error(err))
		return
	}
	defer controlSub.Unsubscribe()

	// A background reader drains (and discards) client frames so the
	// underlying connection's read deadline/pong handling keeps working and
	// client-initiated disconnects are observed promptly.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnected:
			return
		case <-notify:
			more, err := r.bus.ReadResponses(ctx, namespace, lastSeq)
			if err != nil {
				log.Warn("replay read failed", zap.Error(err))
				return
			}
			lastSeq += uint64(len(more))
			if err := r.writeAll(conn, more); err != nil {
				log.Debug("subscriber disconnected mid-stream", zap.Error(err))
				return
			}
		case <-closed:
			// Drain anything appended between the last notification and the
			// terminal broadcast before closing, since notify and the
			// control broadcast race independently (SPEC_FULL.md §5).
			more, err := r.bus.ReadResponses(ctx, namespace, lastSeq)
			if err == nil {
				_ = r.writeAll(conn, more)
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
				time.Now().Add(2*time.Second))
			return
		}
	}
}

func (r *WSRelay) writeAll(conn *websocket.Conn, events []json.RawMessage) error {
	for _, ev := range events {
		if err := conn.WriteMessage(websocket.TextMessage, ev); err != nil {
			return err
		}
	}
	return nil
}
