package broadcast

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

const wsWriteTimeout = 5 * time.Second

// ControlFunc handles a control message sent by an observer, for example
// "client_connected".
type ControlFunc func(event string)

// Message is the WebSocket wire form of an Event.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebSocketHandler streams hub events over a WebSocket as Message frames.
// Text frames received from the observer are decoded as Message and passed
// to onControl, which may be nil.
func (h *Hub) WebSocketHandler(onControl ControlFunc, opts *websocket.AcceptOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			monitoring.Warnf("%s websocket accept failed: %v", LogTag, err)
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		id, events := h.Subscribe(eventFilter(r)...)
		defer h.Unsubscribe(id)

		go h.readControl(ctx, cancel, conn, onControl)

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "hub closed")
					return
				}
				data, err := json.Marshal(Message{Event: ev.Name, Data: ev.Data})
				if err != nil {
					continue
				}
				wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
				err = conn.Write(wctx, websocket.MessageText, data)
				wcancel()
				if err != nil {
					return
				}
			}
		}
	})
}

func (h *Hub) readControl(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, onControl ControlFunc) {
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText || onControl == nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			monitoring.Debugf("%s ignoring malformed control message", LogTag)
			continue
		}
		onControl(msg.Event)
	}
}
