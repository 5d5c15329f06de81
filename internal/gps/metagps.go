package gps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
)

// FixSource is anything that can hand out the newest fix.
type FixSource interface {
	Latest() (Fix, bool)
}

type MetaGPSConfig struct {
	Host   string
	Name   string
	APIKey string
	TLS    bool

	// Interval between updates. Kismet expects roughly one per second.
	Interval   time.Duration
	RetryDelay time.Duration
	// ReplyTimeout bounds the wait for Kismet's reply to each update.
	ReplyTimeout time.Duration
	// MaxAge skips fixes older than this even if not flagged stale.
	MaxAge time.Duration
}

// MetaGPS pushes positions into a Kismet meta GPS data source over the
// webgps websocket.
type MetaGPS struct {
	cfg    MetaGPSConfig
	src    FixSource
	log    zerolog.Logger
	dialer *websocket.Dialer
	now    func() time.Time
}

func NewMetaGPS(cfg MetaGPSConfig, src FixSource, log zerolog.Logger) (*MetaGPS, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("metagps host is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("metagps name is required")
	}
	if src == nil {
		return nil, fmt.Errorf("metagps fix source is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}
	return &MetaGPS{
		cfg:    cfg,
		src:    src,
		log:    log.With().Str("metagps", cfg.Name).Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		now:    time.Now,
	}, nil
}

// URL is the Kismet endpoint for this meta GPS source.
func (m *MetaGPS) URL() string {
	scheme := "ws"
	if m.cfg.TLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     m.cfg.Host,
		Path:     "/gps/meta/" + m.cfg.Name + "/update.ws",
		RawQuery: url.Values{"KISMET": []string{m.cfg.APIKey}}.Encode(),
	}
	return u.String()
}

// Run keeps a session open until ctx is cancelled, reconnecting after
// RetryDelay on any failure.
func (m *MetaGPS) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		m.log.Info().Str("host", m.cfg.Host).Msg("connecting to kismet")
		conn, resp, err := m.dialer.DialContext(ctx, m.URL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metaGPSFailures.WithLabelValues(m.cfg.Name).Inc()
			m.logDialError(resp, err)
			if !sleepCtx(ctx, m.cfg.RetryDelay) {
				return nil
			}
			continue
		}

		m.log.Info().Msg("sending location updates")
		err = m.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		metaGPSFailures.WithLabelValues(m.cfg.Name).Inc()
		m.log.Warn().Err(err).Dur("retry_in", m.cfg.RetryDelay).Msg("connection to kismet lost")
		if !sleepCtx(ctx, m.cfg.RetryDelay) {
			return nil
		}
	}
}

func (m *MetaGPS) logDialError(resp *http.Response, err error) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	switch {
	case status == http.StatusNotFound:
		m.log.Error().Msg("kismet has no meta gps source by this name; check it matches the data source's metagps option")
	case status == http.StatusUnauthorized:
		m.log.Error().Msg("kismet rejected the api key; check it is valid and has the admin or WEBGPS role")
	case errors.Is(err, websocket.ErrBadHandshake):
		m.log.Error().Int("status", status).Msg("kismet refused the websocket handshake")
	default:
		m.log.Error().Err(err).Msg("failed to connect; check kismet is running and the host is valid")
	}
}

func (m *MetaGPS) session(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	rl := ratelimit.New(1, ratelimit.Per(m.cfg.Interval))
	waiting := false
	for {
		rl.Take()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fix, ok := m.src.Latest()
		if !ok || !fix.Usable(m.now(), m.cfg.MaxAge) {
			if !waiting {
				m.log.Info().Msg("waiting for gps fix")
				waiting = true
			}
			continue
		}
		waiting = false

		msg := metaGPSMessage(fix)
		m.log.Debug().Interface("location", msg).Msg("sending location")
		_ = conn.SetWriteDeadline(m.now().Add(m.cfg.ReplyTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(m.now().Add(m.cfg.ReplyTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		metaGPSSent.WithLabelValues(m.cfg.Name).Inc()
	}
}

// metaGPSMessage builds Kismet's update body: lat/lon always, alt only with
// a 3D fix, spd in km/h only when moving.
func metaGPSMessage(fix Fix) map[string]float64 {
	msg := map[string]float64{"lat": fix.Lat, "lon": fix.Lon}
	if fix.Mode >= 3 && fix.AltM != nil {
		msg["alt"] = *fix.AltM
	}
	if fix.SpeedMS != nil && *fix.SpeedMS > 0 {
		msg["spd"] = *fix.SpeedMS * 3.6
	}
	return msg
}
