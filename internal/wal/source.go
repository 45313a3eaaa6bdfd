package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
)

// Handler receives what a Source produces.
type Handler struct {
	// Ready is called once the stream is established.
	Ready func()
	// Payload is called with each wal2json document, in stream order.
	Payload func([]byte)
}

// Source streams wal2json payloads. Stream blocks until ctx is done or the
// stream fails; it returns nil only when ctx ended it.
type Source interface {
	Name() string
	Stream(ctx context.Context, h Handler) error
}

// SidecarSource reads wal2json documents from a replication sidecar that
// writes them to every TCP client.
type SidecarSource struct {
	Addr   string
	Dialer net.Dialer
	Log    *zap.Logger
}

func (s *SidecarSource) Name() string { return "sidecar " + s.Addr }

func (s *SidecarSource) Stream(ctx context.Context, h Handler) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := s.Dialer.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("dial wal sidecar %s: %w", s.Addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Info("connected to wal sidecar", zap.String("addr", s.Addr))
	if h.Ready != nil {
		h.Ready()
	}

	// Payloads may be pretty-printed over several lines, so decode JSON
	// values rather than splitting on newlines.
	dec := json.NewDecoder(bufio.NewReaderSize(conn, 64<<10))
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("wal sidecar %s closed the stream", s.Addr)
			}
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				return fmt.Errorf("wal sidecar %s sent malformed json at offset %d: %w", s.Addr, syn.Offset, err)
			}
			return fmt.Errorf("read wal sidecar %s: %w", s.Addr, err)
		}
		if h.Payload != nil {
			h.Payload(raw)
		}
	}
}
