package supervisor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
)

// WaitForPort dials addr until it accepts a connection or tries run out.
func WaitForPort(ctx context.Context, addr string, tries int, delay time.Duration) error {
	if tries <= 0 {
		tries = 1
	}
	var lastErr error
	for i := 0; i < tries; i++ {
		d := net.Dialer{Timeout: time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
		if i == tries-1 {
			break
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s not reachable after %d tries: %w", addr, tries, lastErr)
}

// captureAddrs returns the unique host:port pairs agents push to.
func captureAddrs(agents []config.Agent, defaultPort int) []string {
	seen := map[string]bool{}
	for _, a := range agents {
		if !a.IsEnabled() || a.Remote.Host == "" {
			continue
		}
		host := a.Remote.Host
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, strconv.Itoa(defaultPort))
		}
		seen[host] = true
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// BootWait blocks until gpsd (when any agent tags positions) and every
// remote capture endpoint accept connections. Unreachable endpoints are
// logged and do not block startup beyond their tries.
func BootWait(ctx context.Context, cfg config.BootConfig, agents []config.Agent, log zerolog.Logger) error {
	anyGPS := false
	for _, a := range agents {
		if a.IsEnabled() && a.GPS.Enable {
			anyGPS = true
			break
		}
	}

	addrs := captureAddrs(agents, cfg.CapturePort)
	if anyGPS {
		addrs = append([]string{cfg.GPSDAddr}, addrs...)
	}
	for _, addr := range addrs {
		log.Info().Str("addr", addr).Msg("waiting for endpoint")
		if err := WaitForPort(ctx, addr, cfg.Tries, cfg.Delay); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("addr", addr).Msg("endpoint not ready, continuing")
		}
	}
	return nil
}
