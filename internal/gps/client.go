package gps

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type ClientConfig struct {
	Addr           string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	MaxLineBytes   int
}

// Client follows a relay's NDJSON stream and remembers the newest fix.
// While the relay itself is unreachable the held fix reports LinkLost.
type Client struct {
	cfg ClientConfig
	log zerolog.Logger

	mu        sync.RWMutex
	state     string
	lastErr   string
	last      Fix
	haveFix   bool
	connected bool
	count     uint64
}

type ClientSnapshot struct {
	Addr      string `json:"addr"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
	Fixes     uint64 `json:"fixes"`
}

func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("gps client addr is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}
	return &Client{cfg: cfg, log: log, state: "stopped"}, nil
}

// Run connects and reads until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	for {
		if ctx.Err() != nil {
			c.setState("stopped", "", false)
			return nil
		}

		c.setState("connecting", "", false)
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState("error", err.Error(), false)
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "", false)
				return nil
			}
			continue
		}

		c.setState("connected", "", true)
		c.log.Debug().Str("addr", c.cfg.Addr).Msg("gps relay connected")
		err = c.read(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			c.setState("stopped", "", false)
			return nil
		}
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		c.setState("disconnected", msg, false)
		c.log.Warn().Str("addr", c.cfg.Addr).Str("error", msg).Msg("gps relay disconnected")
		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "", false)
			return nil
		}
	}
}

func (c *Client) read(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), c.cfg.MaxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var fix Fix
		if err := json.Unmarshal(line, &fix); err != nil {
			c.log.Debug().Err(err).Msg("gps relay line rejected")
			continue
		}
		c.mu.Lock()
		c.last = fix
		c.haveFix = true
		c.count++
		c.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("relay closed the connection")
}

// Latest returns the newest fix seen on the stream.
func (c *Client) Latest() (Fix, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.haveFix {
		return Fix{}, false
	}
	fix := c.last
	if !c.connected {
		fix.Link = LinkLost
	}
	return fix, true
}

func (c *Client) Snapshot() ClientSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientSnapshot{Addr: c.cfg.Addr, State: c.state, LastError: c.lastErr, Fixes: c.count}
}

func (c *Client) setState(state, lastErr string, connected bool) {
	c.mu.Lock()
	c.state = state
	c.connected = connected
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}
