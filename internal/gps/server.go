package gps

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Server streams broadcaster fixes as newline-delimited JSON to every TCP
// client. A client that stops reading gets disconnected after WriteTimeout.
type Server struct {
	b            *Broadcaster
	log          zerolog.Logger
	WriteTimeout time.Duration
}

func NewServer(b *Broadcaster, log zerolog.Logger) *Server {
	return &Server{b: b, log: log, WriteTimeout: 5 * time.Second}
}

// Serve accepts until ctx is cancelled, then closes ln and returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.log.Debug().Str("remote", remote).Msg("fix subscriber connected")

	id, ch := s.b.Subscribe(4)
	defer s.b.Unsubscribe(id)

	enc := json.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
			if err := enc.Encode(fix); err != nil {
				s.log.Debug().Err(err).Str("remote", remote).Msg("fix subscriber gone")
				return
			}
		}
	}
}
