// Package wsfeed is the shared websocket transport for venue adapters: a
// dial/read/reconnect loop with exponential backoff, ping keepalive and read
// deadlines. Adapters supply the URL and a raw message handler and own the
// wire format themselves.
package wsfeed

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Name        string // venue name, for logs
	URL         string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	PingPeriod  time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 25 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
}

// Run dials and reads until ctx is cancelled, reconnecting with backoff on
// every failure. onMsg is called for each raw frame and must not block.
func Run(ctx context.Context, cfg Config, onMsg func([]byte)) {
	cfg.applyDefaults()
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		log.Error().Str("feed", cfg.Name).Msg("ws url empty, feed disabled")
		return
	}

	backoff := cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Warn().Str("feed", cfg.Name).Str("url", cfg.URL).Msg("ws connecting")
		cctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, cfg.URL, nil)
		cancel()
		if err != nil {
			log.Error().Str("feed", cfg.Name).Err(err).Msg("ws dial failed")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, cfg.MaxBackoff)
			continue
		}

		backoff = cfg.MinBackoff
		log.Info().Str("feed", cfg.Name).Msg("ws connected")

		err = readLoop(ctx, conn, cfg, onMsg)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		log.Warn().Str("feed", cfg.Name).Err(err).Msg("ws disconnected, reconnecting")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = minDur(backoff*2, cfg.MaxBackoff)
	}
}

// sleep waits for d but returns early, reporting false, once ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, cfg Config, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	pingTicker := time.NewTicker(cfg.PingPeriod)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err == nil {
				_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
			}
			if err != nil {
				errCh <- err
				return
			}
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
