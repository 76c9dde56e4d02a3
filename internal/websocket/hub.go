package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/internal/progress"
	"github.com/framesync/api/pkg/logger"
	"github.com/framesync/api/pkg/metrics"
)

const pingInterval = 30 * time.Second

// Hub attaches WebSocket connections to the progress bus. Each connection
// subscribes to one batch; events the client missed are replayed from the
// sequence number it supplies, then live events follow in order.
type Hub struct {
	bus *progress.Bus
}

// NewHub creates a hub over the given bus.
func NewHub(bus *progress.Bus) *Hub {
	return &Hub{bus: bus}
}

// HandleConnection serves one WebSocket client until it disconnects.
func (h *Hub) HandleConnection(c *websocket.Conn, batchID string, fromSeq int64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, batchID, fromSeq)
	if err != nil {
		logger.L().Error("websocket subscribe failed", "batchId", batchID, "error", err)
		c.WriteMessage(websocket.CloseMessage, []byte{})
		return
	}
	defer sub.Close()

	metrics.SubscriberConnected()
	defer metrics.SubscriberDisconnected()
	logger.L().Debug("websocket client connected", "batchId", batchID, "fromSeq", fromSeq)

	pongs := make(chan struct{}, 8)

	// Writer goroutine: event stream, keep-alive pings, pong replies.
	go func() {
		defer cancel()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-sub.Events:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				data, err := json.Marshal(model.WSEventMessage{
					Type:  model.WSMessageTypeEvent,
					Event: event,
				})
				if err != nil {
					logger.L().Error("failed to marshal progress event", "error", err)
					continue
				}
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-pongs:
				data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader loop: application-level pings and close detection.
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.L().Debug("websocket read error", "batchId", batchID, "error", err)
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
