package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/andikarp/medsync/internal/progress"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// RegisterProgressRoutes exposes the live progress stream for one batch as
// a websocket. The stream ends when the batch completes or the client
// disconnects; a reconnecting client sees only events published after it
// resubscribed, current state comes from the status endpoint.
func RegisterProgressRoutes(router fiber.Router, broker progress.Broker, logger *zap.Logger) error {
	if broker == nil {
		return fmt.Errorf("progress broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router.Use("/v1/sync/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/v1/sync/events/:batchId", websocket.New(func(conn *websocket.Conn) {
		streamProgress(conn, broker, logger)
	}))

	return nil
}

func streamProgress(conn *websocket.Conn, broker progress.Broker, logger *zap.Logger) {
	defer conn.Close()

	batchID := strings.TrimSpace(conn.Params("batchId"))
	if batchID == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe, err := broker.Subscribe(ctx, batchID)
	if err != nil {
		logger.Warn("progress subscription failed",
			zap.String("batchId", batchID),
			zap.Error(err),
		)
		return
	}
	defer unsubscribe()

	// Clients never send application data; the read loop only detects
	// disconnects so the subscription can be torn down promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		if event.Phase == progress.PhaseComplete {
			return
		}
	}
}
