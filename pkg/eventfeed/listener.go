package eventfeed

import (
	"context"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxRetries     = 10
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 60 * time.Second
	pingInterval   = 30 * time.Second
)

func FeedURL(host string) string {
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	return u.String()
}

// Listen subscribes to the feed at wsURL and calls handle for each message.
// Dropped connections are retried with exponential backoff until ctx ends or
// maxRetries consecutive attempts fail.
func Listen(ctx context.Context, wsURL string, handle func(Message), logger zerolog.Logger) error {
	return listen(ctx, wsURL, handle, logger, baseRetryDelay)
}

func listen(ctx context.Context, wsURL string, handle func(Message), logger zerolog.Logger, baseDelay time.Duration) error {
	retryCount := 0
	var lastErr error

	for {
		if retryCount > 0 {
			// Calculate retry delay with exponential backoff
			retryDelay := time.Duration(1<<retryCount) * baseDelay
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
			logger.Info().Dur("delay", retryDelay).Int("attempt", retryCount+1).Msg("retrying feed connection")
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil
			}
		}

		logger.Info().Str("url", wsURL).Msg("connecting to feed")
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = 10 * time.Second
		c, _, err := dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lastErr = err
			logger.Warn().Err(err).Msg("feed connection failed")
			retryCount++
			if retryCount >= maxRetries {
				logger.Error().Int("retries", maxRetries).Msg("max retries reached, giving up")
				return lastErr
			}
			continue
		}

		logger.Info().Msg("connected, receiving card events")
		retryCount = 0

		broken := handleConnection(ctx, c, handle, logger)
		c.Close()
		if !broken {
			return nil
		}
		logger.Warn().Msg("feed connection lost, will retry")
		retryCount = 1
	}
}

func handleConnection(ctx context.Context, c *websocket.Conn, handle func(Message), logger zerolog.Logger) bool {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			messageType, payload, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("websocket error")
				} else {
					logger.Debug().Err(err).Msg("connection closed")
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if m := MessageFromJsonBytes(payload); m != nil {
				handle(*m)
			} else {
				logger.Warn().Str("payload", string(payload)).Msg("failed to parse feed message")
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return true
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug().Err(err).Msg("failed to send ping")
			}
		case <-ctx.Done():
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				logger.Debug().Err(err).Msg("error sending close message")
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return false
		}
	}
}
