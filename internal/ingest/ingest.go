// Package ingest is the rendezvous between live byte-stream sources and the
// transmux pipelines. A source registers a stream key and writes container
// bytes; the registry hands the reading end to the pipeline callback.
package ingest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol names the transport a stream arrived on.
type Protocol string

// Supported ingest transports.
const (
	ProtocolSRT  Protocol = "srt"
	ProtocolPull Protocol = "srt-pull"
	ProtocolFile Protocol = "file"
)

// Stats are the connection-level counters of an ingest stream.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Stream is one live source. Bytes written by the source are read by the
// pipeline through an in-memory pipe, so a slow transmuxer applies
// backpressure to the socket reader.
type Stream struct {
	Key       string
	Protocol  Protocol
	StartedAt time.Time

	input io.ReadCloser
	pw    *io.PipeWriter
	done  chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead counts one successful read of n bytes from the source.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr records the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Handler receives the reading end of a newly registered stream. It runs on
// its own goroutine and owns the stream until it returns.
type Handler func(s *Stream, input io.Reader)

// Registry tracks active ingest streams by key.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream Handler
}

// NewRegistry creates a Registry that dispatches every registered stream
// to onStream, which may be nil.
func NewRegistry(onStream Handler) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream under key and returns it with the writer the
// source should feed. A stream already registered under key is closed and
// replaced.
func (r *Registry) Register(key string, proto Protocol) (*Stream, io.Writer) {
	pr, pw := io.Pipe()
	s := &Stream{
		Key:       key,
		Protocol:  proto,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	old := r.streams[key]
	r.streams[key] = s
	r.mu.Unlock()

	if old != nil {
		old.close(io.ErrClosedPipe)
	}
	if r.onStream != nil {
		go r.onStream(s, pr)
	}
	return s, pw
}

// Unregister ends the stream registered under key: its reader sees EOF and
// Done is closed. It is a no-op when s is no longer the registered stream.
func (r *Registry) Unregister(s *Stream) {
	r.mu.Lock()
	cur, ok := r.streams[s.Key]
	if ok && cur == s {
		delete(r.streams, s.Key)
	}
	r.mu.Unlock()

	if ok && cur == s {
		s.close(nil)
	}
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

func (s *Stream) close(err error) {
	if err != nil {
		s.pw.CloseWithError(err)
	} else {
		s.pw.Close()
	}
	close(s.done)
}
