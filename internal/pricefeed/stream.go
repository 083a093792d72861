package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trade-bot-radar/internal/retry"
)

// StreamOptions parameterise the oracle push connection.
type StreamOptions struct {
	URL         string
	Instruments []string
	DialTimeout time.Duration
}

// Stream maintains the WebSocket subscription feeding a Feed. Disconnects
// trigger reconnection with capped backoff; the feed keeps serving the last
// known observation in the meantime.
type Stream struct {
	opts   StreamOptions
	feed   *Feed
	logger zerolog.Logger
}

// NewStream constructs a price stream bound to a feed.
func NewStream(opts StreamOptions, feed *Feed, logger zerolog.Logger) *Stream {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Stream{
		opts:   opts,
		feed:   feed,
		logger: logger.With().Str("component", "price_stream").Logger(),
	}
}

type subscribeRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

// Run blocks, consuming push messages until ctx is cancelled. Connection
// failures are absorbed with backoff and a fresh dial; only cancellation
// terminates the loop.
func (s *Stream) Run(ctx context.Context) error {
	if s.opts.URL == "" {
		return errors.New("price stream url not configured")
	}

	for {
		err := retry.Do(ctx, retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			OnRetry: func(attempt int, wait time.Duration, err error) {
				s.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("price stream reconnect")
			},
		}, s.consumeOnce)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Exhausted the dial budget; start a fresh backoff cycle rather
		// than going permanently blind. Staleness stays observable to
		// scoring via PublishTime.
		s.logger.Error().Err(err).Msg("price stream unavailable, retrying from scratch")
	}
}

func (s *Stream) consumeOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if len(s.opts.Instruments) > 0 {
		sub := subscribeRequest{Type: "subscribe", IDs: s.opts.Instruments}
		payload, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
	}

	s.logger.Info().Str("url", s.opts.URL).Int("instruments", len(s.opts.Instruments)).Msg("price stream connected")

	// Unblock ReadMessage promptly on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.feed.Observe(raw); err != nil {
			// A single malformed message is absorbed locally.
			s.logger.Warn().Err(err).Msg("dropping malformed price message")
		}
	}
}
