package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/transmux"
)

// cueHistory is the number of caption cues and metadata tags a feed keeps.
const cueHistory = 256

// MediaSegment is one stored moof+mdat.
type MediaSegment struct {
	Seq       uint64
	Type      string
	Data      []byte
	CreatedAt time.Time
}

// Cue is the JSON form of a caption cue, in seconds on the player timeline.
type Cue struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Text   string  `json:"text"`
	Stream string  `json:"stream"`
}

// Tag is the JSON form of a timed-metadata tag.
type Tag struct {
	Time         float64           `json:"time"`
	DispatchType string            `json:"dispatchType,omitempty"`
	Frames       map[string]string `json:"frames"`
}

// Index describes what a feed currently holds.
type Index struct {
	Init     string   `json:"init"`
	Codecs   []string `json:"codecs"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
	First    uint64   `json:"first"`
	Segments []string `json:"segments"`
}

// Feed keeps the init segment and a rolling window of media segments of
// one stream, plus its recent captions and metadata.
type Feed struct {
	log    *slog.Logger
	window int

	mu        sync.RWMutex
	initSeg   []byte
	info      transmux.SegmentInfo
	codecs    []string
	next      uint64
	segments  []MediaSegment
	cues      []Cue
	tags      []Tag
	initSet   bool
	initReady chan struct{}
}

// NewFeed creates a feed keeping the last window media segments.
func NewFeed(key string, window int) *Feed {
	if window < 1 {
		window = 1
	}
	return &Feed{
		log:       slog.With("component", "feed", "stream", key),
		window:    window,
		initReady: make(chan struct{}),
	}
}

// Publish stores a coalesced segment. The init segment is replaced when it
// changes; the oldest media segment is evicted once the window is full.
func (f *Feed) Publish(seg *transmux.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(seg.InitSegment) > 0 && !slices.Equal(seg.InitSegment, f.initSeg) {
		f.initSeg = seg.InitSegment
		f.info = seg.Info
		f.codecs = Codecs(seg)
		if !f.initSet {
			f.initSet = true
			close(f.initReady)
		}
		f.log.Debug("init segment updated", "codecs", f.codecs, "bytes", len(seg.InitSegment))
	}
	if len(seg.Data) > 0 {
		f.segments = append(f.segments, MediaSegment{
			Seq:       f.next,
			Type:      seg.Type,
			Data:      seg.Data,
			CreatedAt: time.Now(),
		})
		f.next++
		if n := len(f.segments) - f.window; n > 0 {
			f.segments = slices.Delete(f.segments, 0, n)
		}
	}
	for _, c := range seg.Captions {
		f.cues = append(f.cues, CueOf(c))
	}
	for _, t := range seg.Metadata {
		f.tags = append(f.tags, TagOf(t))
	}
	f.cues = trimHistory(f.cues)
	f.tags = trimHistory(f.tags)
}

func trimHistory[T any](s []T) []T {
	if n := len(s) - cueHistory; n > 0 {
		return slices.Delete(s, 0, n)
	}
	return s
}

// CueOf converts a caption to its JSON form.
func CueOf(c *media.Caption) Cue {
	return Cue{Start: c.StartTime, End: c.EndTime, Text: c.Text, Stream: c.Stream}
}

// TagOf converts an ID3 tag to its JSON form. Binary frames are reported
// by size.
func TagOf(t *media.ID3Tag) Tag {
	out := Tag{Time: t.CueTime, DispatchType: t.DispatchType, Frames: make(map[string]string, len(t.Frames))}
	for _, fr := range t.Frames {
		switch {
		case fr.URL != "":
			out.Frames[fr.ID] = fr.URL
		case fr.Value != "":
			out.Frames[fr.ID] = fr.Value
		case fr.Owner != "":
			out.Frames[fr.ID] = fr.Owner
		default:
			out.Frames[fr.ID] = fmt.Sprintf("%d bytes", len(fr.Data))
		}
	}
	return out
}

// Init returns the current init segment.
func (f *Feed) Init() ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.initSeg, f.initSet
}

// WaitInit blocks until the first init segment is published or ctx is done.
func (f *Feed) WaitInit(ctx context.Context) bool {
	select {
	case <-f.initReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// Segment returns the media segment with sequence number seq if it is
// still in the window.
func (f *Feed) Segment(seq uint64) (MediaSegment, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.segments) == 0 {
		return MediaSegment{}, false
	}
	first := f.segments[0].Seq
	if seq < first || seq-first >= uint64(len(f.segments)) {
		return MediaSegment{}, false
	}
	return f.segments[seq-first], true
}

// Index lists the window.
func (f *Feed) Index() Index {
	f.mu.RLock()
	defer f.mu.RUnlock()
	idx := Index{
		Init:     "init.mp4",
		Codecs:   slices.Clone(f.codecs),
		Width:    f.info.Width,
		Height:   f.info.Height,
		Segments: make([]string, len(f.segments)),
	}
	if len(f.segments) > 0 {
		idx.First = f.segments[0].Seq
	}
	for i, s := range f.segments {
		idx.Segments[i] = SegmentName(s.Seq)
	}
	return idx
}

// Cues returns the recent caption cues.
func (f *Feed) Cues() []Cue {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.cues)
}

// Tags returns the recent metadata tags.
func (f *Feed) Tags() []Tag {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.tags)
}

// SegmentName is the file name a media segment is served under.
func SegmentName(seq uint64) string {
	return fmt.Sprintf("seg-%d.m4s", seq)
}

// ParseSegmentName is the inverse of SegmentName.
func ParseSegmentName(name string) (uint64, bool) {
	var seq uint64
	var rest string
	if n, _ := fmt.Sscanf(name, "seg-%d.%s", &seq, &rest); n != 2 || rest != "m4s" {
		return 0, false
	}
	return seq, name == SegmentName(seq)
}

// Codecs returns the RFC 6381 codec strings of a segment's tracks.
func Codecs(seg *transmux.Segment) []string {
	var out []string
	i := seg.Info
	if seg.Type != "audio" && i.ProfileIdc != 0 {
		out = append(out, fmt.Sprintf("avc1.%02x%02x%02x", i.ProfileIdc, i.ProfileCompatibility, i.LevelIdc))
	}
	if seg.Type == "audio" && i.AudioObjectType != 0 {
		out = append(out, fmt.Sprintf("mp4a.40.%d", i.AudioObjectType))
	} else if seg.Type == "combined" {
		// Combined segments describe their video track only.
		out = append(out, "mp4a.40.2")
	}
	return out
}

// Store holds the feeds of all live streams.
type Store struct {
	window int

	mu    sync.RWMutex
	feeds map[string]*Feed
}

// NewStore creates a store whose feeds keep window media segments.
func NewStore(window int) *Store {
	return &Store{window: window, feeds: make(map[string]*Feed)}
}

// Open returns the feed of key, creating it on first use.
func (s *Store) Open(key string) *Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[key]
	if !ok {
		f = NewFeed(key, s.window)
		s.feeds[key] = f
	}
	return f
}

// Feed returns the feed of key.
func (s *Store) Feed(key string) (*Feed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[key]
	return f, ok
}

// Close drops the feed of key.
func (s *Store) Close(key string) {
	s.mu.Lock()
	delete(s.feeds, key)
	s.mu.Unlock()
}

// Keys lists the open feeds in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.feeds))
	for k := range s.feeds {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
