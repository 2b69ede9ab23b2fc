// Package distribution stores the fMP4 output of live transmux sessions
// and serves it over HTTPS and HTTP/3.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/remux/internal/certs"
	"github.com/zsiec/remux/internal/metrics"
	"github.com/zsiec/remux/internal/stream"
)

// initWaitTimeout bounds how long a request for init.mp4 waits for the
// first segment of a stream that has just connected.
const initWaitTimeout = 10 * time.Second

const shutdownTimeout = 5 * time.Second

// StreamLister returns the live sessions for the /api/streams endpoint.
type StreamLister func() []stream.Snapshot

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr    string
	HTTP3   bool
	Cert    *certs.Certificate
	Store   *Store
	Metrics *metrics.Metrics
	Streams StreamLister
	Logger  *slog.Logger
}

// Server serves the feeds of a Store. Routes:
//
//	GET /api/streams                      live sessions
//	GET /api/cert-hash                    certificate fingerprint
//	GET /streams/{key}/index.json         window listing
//	GET /streams/{key}/init.mp4           init segment
//	GET /streams/{key}/seg-N.m4s          media segment N
//	GET /streams/{key}/captions.json      recent caption cues
//	GET /streams/{key}/metadata.json      recent ID3 tags
//	GET /metrics                          Prometheus exposition
//
// Stream keys may contain slashes.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer validates config and creates a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Store == nil {
		return nil, errors.New("distribution: Store is required")
	}
	if config.Metrics == nil {
		return nil, errors.New("distribution: Metrics is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "distribution")}, nil
}

// Handler returns the HTTP handler shared by both listeners.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /streams/{path...}", s.handleStreamFile)
	mux.Handle("GET /metrics", s.config.Metrics.Handler())
	return s.altSvcMiddleware(corsMiddleware(s.instrument(mux)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener on TCP responses.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil && r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc header", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeOf(r.URL.Path)
		s.config.Metrics.HTTPRequests.WithLabelValues(protoLabel(r), route, strconv.Itoa(rec.status)).Inc()
		s.config.Metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func protoLabel(r *http.Request) string {
	if r.ProtoMajor >= 3 {
		return "h3"
	}
	if r.ProtoMajor == 2 {
		return "h2"
	}
	return "h1"
}

// routeOf collapses stream paths so metric labels stay bounded.
func routeOf(p string) string {
	if !strings.HasPrefix(p, "/streams/") {
		return p
	}
	name := path.Base(p)
	if _, ok := ParseSegmentName(name); ok {
		return "/streams/segment"
	}
	switch name {
	case "index.json", "init.mp4", "captions.json", "metadata.json":
		return "/streams/" + name
	}
	return "/streams/other"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	resp := []stream.Snapshot{}
	if s.config.Streams != nil {
		resp = append(resp, s.config.Streams()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hash": s.config.Cert.FingerprintBase64(),
		"addr": s.config.Addr,
	})
}

func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	key, name := path.Split(r.PathValue("path"))
	key = strings.TrimSuffix(key, "/")
	feed, ok := s.config.Store.Feed(key)
	if key == "" || !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	switch name {
	case "index.json":
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(w, http.StatusOK, feed.Index())
	case "captions.json":
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(w, http.StatusOK, feed.Cues())
	case "metadata.json":
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(w, http.StatusOK, feed.Tags())
	case "init.mp4":
		ctx, cancel := context.WithTimeout(r.Context(), initWaitTimeout)
		defer cancel()
		if !feed.WaitInit(ctx) {
			writeError(w, http.StatusServiceUnavailable, "no init segment yet")
			return
		}
		data, _ := feed.Init()
		writeMP4(w, data, "no-cache")
	default:
		seq, ok := ParseSegmentName(name)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown file")
			return
		}
		seg, ok := feed.Segment(seq)
		if !ok {
			writeError(w, http.StatusNotFound, "segment not in window")
			return
		}
		writeMP4(w, seg.Data, "max-age=60, immutable")
	}
}

func writeMP4(w http.ResponseWriter, data []byte, cache string) {
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", cache)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Start serves HTTPS on TCP and, when enabled, HTTP/3 on UDP at the same
// address. It blocks until ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Cert == nil {
		return errors.New("distribution: Cert is required to serve")
	}
	if s.config.Addr == "" {
		return errors.New("distribution: Addr is required to serve")
	}
	tlsConfig := s.config.Cert.TLSConfig()

	if s.config.HTTP3 {
		s.h3 = &http3.Server{
			Addr:      s.config.Addr,
			Handler:   s.Handler(),
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig.Clone()),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}
	tcp := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTPS segment server listening", "addr", s.config.Addr)
		if err := tcp.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("distribution: https: %w", err)
		}
		return nil
	})
	if s.h3 != nil {
		g.Go(func() error {
			s.log.Info("HTTP/3 segment server listening", "addr", s.config.Addr)
			if err := s.h3.ListenAndServe(); err != nil && gctx.Err() == nil {
				return fmt.Errorf("distribution: http3: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.h3 != nil {
			s.h3.Close()
		}
		return tcp.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
