package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/remux/internal/ingest"
)

const dialTimeout = 10 * time.Second

// PullRequest names a remote SRT listener to pull a stream from.
type PullRequest struct {
	Address   string `json:"address" mapstructure:"address"`
	StreamKey string `json:"streamKey" mapstructure:"stream_key"`
	StreamID  string `json:"streamId,omitempty" mapstructure:"stream_id"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller dials remote SRT listeners and registers their streams with the
// ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller. A nil log selects slog.Default().
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials req.Address and, once connected, streams in the background
// until Stop, the end of the remote stream or the cancellation of ctx.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return fmt.Errorf("srt: pull address is required")
	}
	if req.StreamKey == "" {
		return fmt.Errorf("srt: pull stream key is required")
	}
	if c.active(req.StreamKey) {
		return fmt.Errorf("srt: pull already active for %q", req.StreamKey)
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}
	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()
	// Close a connection that completes after we stopped waiting.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", req.Address, res.err)
		}
		return c.start(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return fmt.Errorf("srt: dial %s timed out after %s", req.Address, dialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (c *Caller) start(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, ok := c.pulls[req.StreamKey]; ok {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("srt: pull already active for %q", req.StreamKey)
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)
	stream, w := c.registry.Register(req.StreamKey, ingest.ProtocolPull)
	stream.SetRemoteAddr(req.Address)

	go func() {
		stop := context.AfterFunc(pullCtx, func() { conn.Close() })
		defer stop()
		err := pump(pullCtx, conn, stream, w)
		conn.Close()

		st := stream.Stats()
		c.registry.Unregister(stream)
		c.mu.Lock()
		delete(c.pulls, req.StreamKey)
		c.mu.Unlock()
		cancel()
		c.log.Info("pull ended", "stream_key", req.StreamKey, "error", err,
			"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
	}()
	return nil
}

// Stop cancels the pull registered under streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("srt: no active pull for %q", streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}
