// Package stream tracks the live transmux sessions, one per ingest stream
// key, and the counters the segment server reports for them.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stream is one live session.
type Stream struct {
	Key       string
	Protocol  string
	StartedAt time.Time

	segments    atomic.Int64
	bytes       atomic.Int64
	captions    atomic.Int64
	id3Frames   atomic.Int64
	warnings    atomic.Int64
	lastSegment atomic.Int64

	mu       sync.Mutex
	hasVideo bool
	hasAudio bool
	width    int
	height   int
}

// Snapshot is the JSON view of a session.
type Snapshot struct {
	Key           string `json:"key"`
	Protocol      string `json:"protocol,omitempty"`
	UptimeMs      int64  `json:"uptimeMs"`
	Segments      int64  `json:"segments"`
	Bytes         int64  `json:"bytes"`
	Captions      int64  `json:"captions"`
	ID3Frames     int64  `json:"id3Frames"`
	Warnings      int64  `json:"warnings"`
	LastSegmentAt int64  `json:"lastSegmentAt,omitempty"`
	HasVideo      bool   `json:"hasVideo"`
	HasAudio      bool   `json:"hasAudio"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
}

// RecordSegment counts one emitted media segment of n bytes.
func (s *Stream) RecordSegment(n int) {
	s.segments.Add(1)
	s.bytes.Add(int64(n))
	s.lastSegment.Store(time.Now().UnixMilli())
}

// RecordCaption counts one caption cue.
func (s *Stream) RecordCaption() { s.captions.Add(1) }

// RecordID3Frame counts one timed-metadata tag.
func (s *Stream) RecordID3Frame() { s.id3Frames.Add(1) }

// RecordWarning counts one pipeline diagnostic.
func (s *Stream) RecordWarning() { s.warnings.Add(1) }

// SetTracks records which tracks the input carries.
func (s *Stream) SetTracks(hasVideo, hasAudio bool) {
	s.mu.Lock()
	s.hasVideo, s.hasAudio = hasVideo, hasAudio
	s.mu.Unlock()
}

// SetVideoSize records the coded picture size.
func (s *Stream) SetVideoSize(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

// Snapshot returns the session's current counters.
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:           s.Key,
		Protocol:      s.Protocol,
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		Segments:      s.segments.Load(),
		Bytes:         s.bytes.Load(),
		Captions:      s.captions.Load(),
		ID3Frames:     s.id3Frames.Load(),
		Warnings:      s.warnings.Load(),
		LastSegmentAt: s.lastSegment.Load(),
		HasVideo:      s.hasVideo,
		HasAudio:      s.hasAudio,
		Width:         s.width,
		Height:        s.height,
	}
}

// Manager holds the live sessions by key.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a Manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a session. It returns false, and no stream, when key is
// already live.
func (m *Manager) Create(key, protocol string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	s := &Stream{Key: key, Protocol: protocol, StartedAt: time.Now()}
	m.streams[key] = s
	m.log.Info("stream created", "key", key, "protocol", protocol)
	return s, true
}

// Get returns the session registered under key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove ends the session registered under key.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	_, ok := m.streams[key]
	delete(m.streams, key)
	m.mu.Unlock()

	if ok {
		m.log.Info("stream removed", "key", key)
	}
}

// List returns the live sessions ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}
