package vision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"thirdeye/internal/fusion"
)

// Message is one classifier result, sent as a newline-delimited JSON
// object. Either Label or Score must be present; Score is the raw sigmoid
// output and is thresholded locally.
type Message struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Score      *float64 `json:"score"`
}

// Decode turns a message into a label using threshold for raw scores.
func (m Message) Decode(threshold float64) (fusion.Label, float64, error) {
	if m.Label != "" {
		l, err := fusion.ParseLabel(m.Label)
		if err != nil {
			return fusion.LabelClear, 0, err
		}
		return l, m.Confidence, nil
	}
	if m.Score != nil {
		if *m.Score > threshold {
			return fusion.LabelObstacle, *m.Score, nil
		}
		return fusion.LabelClear, *m.Score, nil
	}
	return fusion.LabelClear, 0, fmt.Errorf("vision message has neither label nor score")
}

type ClientConfig struct {
	Addr string

	ReconnectDelay time.Duration
	MaxLineBytes   int
	DialTimeout    time.Duration
	// Threshold applies to raw scores.
	Threshold float64
}

// Client reads classifier results from a TCP endpoint and stores them in a
// Cache. It reconnects until closed.
type Client struct {
	cfg   ClientConfig
	cache *Cache
	now   func() time.Time

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type ClientSnapshot struct {
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Messages    uint64 `json:"messages"`
}

func NewClient(cfg ClientConfig, cache *Cache) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("vision client addr is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("vision client cache is nil")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 4 * 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	return &Client{cfg: cfg, cache: cache, now: time.Now, state: "stopped", done: make(chan struct{})}, nil
}

func (c *Client) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("vision client is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("vision client is closed")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("vision client already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx)
	}()
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.started.Load() {
		<-c.done
	}
}

func (c *Client) Snapshot() ClientSnapshot {
	if c == nil {
		return ClientSnapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := ClientSnapshot{
		Addr:      c.cfg.Addr,
		State:     c.state,
		LastError: c.lastErr,
		Messages:  c.count,
	}
	if !c.lastSeen.IsZero() {
		out.LastSeenUTC = c.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) runLoop(ctx context.Context) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState("error", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}

		c.setState("connected", "")
		c.readConn(ctx, conn)

		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

func (c *Client) readConn(ctx context.Context, conn net.Conn) {
	// Unblock the reader on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, c.cfg.MaxLineBytes)
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			c.setState("error", fmt.Sprintf("vision line too large (> %d bytes)", c.cfg.MaxLineBytes))
			// Drain the rest of the oversized line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = reader.ReadSlice('\n')
			}
			if err != nil {
				c.disconnected(ctx, err)
				return
			}
			continue
		}
		if err != nil {
			c.disconnected(ctx, err)
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := c.handleLine(line); err != nil {
			c.setState("error", err.Error())
			continue
		}
	}
}

func (c *Client) handleLine(line []byte) error {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return fmt.Errorf("json parse: %w", err)
	}
	label, conf, err := m.Decode(c.cfg.Threshold)
	if err != nil {
		return err
	}
	now := c.now()
	c.cache.Set(label, conf, now)

	c.mu.Lock()
	c.state = "connected"
	c.lastSeen = now
	c.count++
	c.mu.Unlock()
	return nil
}

func (c *Client) disconnected(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		c.setState("disconnected", "")
		return
	}
	c.setState("disconnected", err.Error())
}

func (c *Client) setState(state string, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "connecting" || state == "stopped" {
		// Clear stale errors once healthy again.
		c.lastErr = ""
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
