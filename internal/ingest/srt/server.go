package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/remux/internal/ingest"
)

// readBufferSize holds ten SRT payloads of seven TS packets each.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receiver latency, 120ms.
const latencyNs = 120_000_000

// Server accepts SRT publish connections and registers each one with the
// ingest registry under the key carried in its stream ID.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server listening on addr. A nil log selects
// slog.Default().
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		key := StreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handle(ctx, conn, key)
	}
}

func (s *Server) handle(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	stream, w := s.registry.Register(key, ingest.ProtocolSRT)
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	if err := pump(ctx, conn, stream, w); err != nil {
		s.log.Debug("ingest ended", "stream_key", key, "error", err)
	}

	st := stream.Stats()
	s.registry.Unregister(stream)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
}

// pump copies src into w until src ends, w is closed or ctx is done. A
// clean end of input returns nil.
func pump(ctx context.Context, src io.Reader, stream *ingest.Stream, w io.Writer) error {
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := src.Read(buf)
		if n > 0 {
			stream.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("srt: pipe write: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("srt: read: %w", err)
		}
	}
	return ctx.Err()
}

// StreamKey derives the ingest key from an SRT stream ID such as
// "/live/cam1". An empty ID maps to "default".
func StreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
