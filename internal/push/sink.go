package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
)

var (
	// ErrRemoteUnreachable covers network failures and 5xx answers.
	ErrRemoteUnreachable = errors.New("remote unreachable")
	// ErrRemoteRejected covers 4xx answers.
	ErrRemoteRejected = errors.New("remote rejected batch")
)

// Sink delivers batches to the remote collector. Send returns nil only once
// the remote has accepted the whole batch.
type Sink interface {
	Send(ctx context.Context, b Batch) error
	Close() error
}

// NewSink builds the sink named by remote.Transport.
func NewSink(remote config.RemoteConfig, timeout time.Duration) (Sink, error) {
	switch remote.Transport {
	case "", config.TransportHTTP:
		return NewHTTPSink(remote, timeout), nil
	case config.TransportWebsocket:
		return NewWebsocketSink(remote, timeout), nil
	}
	return nil, fmt.Errorf("unknown transport %q", remote.Transport)
}

func remoteURL(remote config.RemoteConfig, websocket bool) string {
	scheme := "http"
	switch {
	case websocket && remote.TLS:
		scheme = "wss"
	case websocket:
		scheme = "ws"
	case remote.TLS:
		scheme = "https"
	}
	path := remote.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: remote.Host, Path: path}
	return u.String()
}

// classifyStatus maps an HTTP status to the sink error taxonomy.
func classifyStatus(code int, detail string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: status %d %s", ErrRemoteRejected, code, detail)
	default:
		return fmt.Errorf("%w: status %d %s", ErrRemoteUnreachable, code, detail)
	}
}

// HTTPSink POSTs each batch as JSON. The API key travels in the KISMET
// cookie, like Kismet's own REST clients.
type HTTPSink struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPSink(remote config.RemoteConfig, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		url:    remoteURL(remote, false),
		apiKey: remote.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) URL() string { return s.url }

func (s *HTTPSink) Send(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.AddCookie(&http.Cookie{Name: "KISMET", Value: s.apiKey})
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classifyStatus(resp.StatusCode, strings.TrimSpace(string(detail)))
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// WebsocketSink keeps one connection open and writes each batch as a JSON
// text message. With AwaitAck it waits for any reply before counting the
// batch as delivered. A failed send drops the connection; the next Send
// redials.
type WebsocketSink struct {
	url      string
	apiKey   string
	awaitAck bool
	timeout  time.Duration
	dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebsocketSink(remote config.RemoteConfig, timeout time.Duration) *WebsocketSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebsocketSink{
		url:      remoteURL(remote, true),
		apiKey:   remote.APIKey,
		awaitAck: remote.AwaitAck,
		timeout:  timeout,
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

func (s *WebsocketSink) URL() string { return s.url }

func (s *WebsocketSink) Send(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		hdr := http.Header{}
		if s.apiKey != "" {
			hdr.Set("Cookie", (&http.Cookie{Name: "KISMET", Value: s.apiKey}).String())
		}
		conn, resp, err := s.dialer.DialContext(ctx, s.url, hdr)
		if err != nil {
			if resp != nil {
				return classifyStatus(resp.StatusCode, "websocket handshake")
			}
			return fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
		}
		s.conn = conn
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(b); err != nil {
		s.dropLocked()
		return fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	}
	if !s.awaitAck {
		return nil
	}
	_ = s.conn.SetReadDeadline(deadline)
	if _, _, err := s.conn.ReadMessage(); err != nil {
		s.dropLocked()
		return fmt.Errorf("%w: no ack: %v", ErrRemoteUnreachable, err)
	}
	return nil
}

func (s *WebsocketSink) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *WebsocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
