package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/remux/internal/certs"
	"github.com/zsiec/remux/internal/config"
	"github.com/zsiec/remux/internal/distribution"
	"github.com/zsiec/remux/internal/ingest"
	"github.com/zsiec/remux/internal/ingest/srt"
	"github.com/zsiec/remux/internal/metrics"
	"github.com/zsiec/remux/internal/pipeline"
	"github.com/zsiec/remux/internal/stream"
)

const (
	// takeoverWait bounds how long a reconnecting source waits for the
	// session it replaces to be torn down.
	takeoverWait = 2 * time.Second
	takeoverPoll = 50 * time.Millisecond
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest live SRT streams and serve fMP4 segments",
		Long: `Accept MPEG-TS over SRT and serve each stream as a rolling window of
fragmented MP4 segments over HTTPS and HTTP/3.

Publishers connect with a stream ID of "live/<key>" (or "publish:<key>").
Players fetch:
  /streams/<key>/index.json     window listing and codecs
  /streams/<key>/init.mp4       init segment
  /streams/<key>/seg-N.m4s      media segments
  /streams/<key>/captions.json  recent caption cues
  /streams/<key>/metadata.json  recent ID3 tags
Prometheus metrics are served at /metrics.

Remote SRT listeners can be pulled by listing them under serve.pulls in
the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("srt-addr", ":6000", "SRT listen address")
	f.String("http-addr", ":8443", "HTTPS and HTTP/3 listen address")
	f.Bool("http3", true, "serve HTTP/3 next to HTTPS")
	f.Duration("segment-interval", 2*time.Second, "target segment duration")
	f.Int("segment-window", 6, "media segments kept per stream")
	return cmd
}

// server owns the per-stream resources of a running serve command.
type server struct {
	cfg      *config.Config
	log      *slog.Logger
	mgr      *stream.Manager
	store    *distribution.Store
	metrics  *metrics.Metrics
	registry *ingest.Registry
}

func (a *app) runServe(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.Serve.CertValidity, cfg.Serve.CertHosts...)
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	s := &server{
		cfg:     cfg,
		log:     log,
		mgr:     stream.NewManager(log),
		store:   distribution.NewStore(cfg.Serve.SegmentWindow),
		metrics: metrics.New(),
	}

	g, ctx := errgroup.WithContext(ctx)

	// The registry and caller are created after the errgroup so stream
	// handlers stop when any component fails.
	s.registry = ingest.NewRegistry(func(in *ingest.Stream, input io.Reader) {
		s.handleStream(ctx, in, input)
	})
	caller := srt.NewCaller(s.registry, log)

	dist, err := distribution.NewServer(distribution.ServerConfig{
		Addr:    cfg.Serve.HTTPAddr,
		HTTP3:   cfg.Serve.HTTP3,
		Cert:    cert,
		Store:   s.store,
		Metrics: s.metrics,
		Streams: s.snapshots,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	srtSrv := srt.NewServer(cfg.Serve.SRTAddr, s.registry, log)

	log.Info("remux starting",
		"version", version,
		"srt", cfg.Serve.SRTAddr,
		"http", cfg.Serve.HTTPAddr,
		"http3", cfg.Serve.HTTP3,
		"segment_interval", cfg.Serve.SegmentInterval,
		"segment_window", cfg.Serve.SegmentWindow,
	)

	g.Go(func() error { return srtSrv.Start(ctx) })
	g.Go(func() error { return dist.Start(ctx) })
	for _, req := range cfg.Serve.Pulls {
		g.Go(func() error {
			if err := caller.Pull(ctx, req); err != nil && ctx.Err() == nil {
				log.Warn("srt pull failed", "address", req.Address, "stream_key", req.StreamKey, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *server) snapshots() []stream.Snapshot {
	streams := s.mgr.List()
	out := make([]stream.Snapshot, len(streams))
	for i, st := range streams {
		out[i] = st.Snapshot()
	}
	return out
}

// handleStream runs the pipeline of one ingest stream until its source
// ends.
func (s *server) handleStream(ctx context.Context, in *ingest.Stream, input io.Reader) {
	log := s.log.With("stream", in.Key)
	log.Info("new stream from ingest", "protocol", in.Protocol)

	st, ok := s.create(ctx, in)
	if !ok {
		log.Warn("rejecting stream, previous session did not end")
		s.registry.Unregister(in)
		return
	}
	defer s.teardown(in.Key)

	feed := s.store.Open(in.Key)
	s.metrics.ActiveStreams.Inc()

	p := pipeline.New(pipeline.Config{
		Key:      in.Key,
		Options:  s.cfg.TransmuxOptions(log),
		Interval: s.cfg.Serve.SegmentInterval,
		Sink:     feed,
		Stream:   st,
		Metrics:  s.metrics,
		Logger:   log,
	})
	if err := p.Run(ctx, input); err != nil {
		log.Warn("pipeline stopped", "error", err)
	}

	d, ingested := p.Debug(), in.Stats()
	log.Info("stream ended",
		"segments", d.Segments,
		"forced_cuts", d.ForcedCuts,
		"dropped", d.Dropped,
		"bytes", ingested.BytesReceived,
		"uptime_ms", ingested.UptimeMs,
	)
}

// create registers the session of in. A source that reconnects under the
// same key replaces the old ingest stream, whose handler may still be
// tearing down, so creation is retried for a short while.
func (s *server) create(ctx context.Context, in *ingest.Stream) (*stream.Stream, bool) {
	deadline := time.Now().Add(takeoverWait)
	for {
		if _, live := s.mgr.Get(in.Key); !live {
			if st, ok := s.mgr.Create(in.Key, string(in.Protocol)); ok {
				return st, true
			}
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-time.After(takeoverPoll):
		case <-in.Done():
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// teardown removes every resource of key. The session goes last so a
// replacing stream cannot open the feed before it is dropped.
func (s *server) teardown(key string) {
	s.store.Close(key)
	s.metrics.ForgetStream(key)
	s.metrics.ActiveStreams.Dec()
	s.mgr.Remove(key)
}
