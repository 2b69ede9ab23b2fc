// Package event provides the synchronous publish/subscribe primitive that
// every transmux stage is built on, plus the stage graph used to wire
// stages into a pipeline.
//
// Emission is synchronous: Emit invokes every listener for the event, in
// subscription order, on the caller's goroutine before returning. A
// Publisher is not safe for concurrent use; a pipeline and all of its
// stages are owned by a single goroutine.
package event

import "log/slog"

// Event identifies a kind of notification emitted by a stage.
type Event int

// Events emitted by pipeline stages. The set is closed; stages dispatch on
// these values rather than on names.
const (
	Data Event = iota
	Done
	PartialDone
	EndedTimeline
	Reset
	TrackInfo
	ID3Frame
	Caption
	AudioTimingInfo
	VideoTimingInfo
	GopInfo
	VideoSegmentTimingInfo
	AudioSegmentTimingInfo
	SegmentTimingInfo
	ProcessedGopsInfo
	TimelineStartInfo
	BaseMediaDecodeTime
	Timestamp
	Log
)

var eventNames = [...]string{
	Data:                   "data",
	Done:                   "done",
	PartialDone:            "partialdone",
	EndedTimeline:          "endedtimeline",
	Reset:                  "reset",
	TrackInfo:              "trackinfo",
	ID3Frame:               "id3Frame",
	Caption:                "caption",
	AudioTimingInfo:        "audioTimingInfo",
	VideoTimingInfo:        "videoTimingInfo",
	GopInfo:                "gopInfo",
	VideoSegmentTimingInfo: "videoSegmentTimingInfo",
	AudioSegmentTimingInfo: "audioSegmentTimingInfo",
	SegmentTimingInfo:      "segmentTimingInfo",
	ProcessedGopsInfo:      "processedGopsInfo",
	TimelineStartInfo:      "timelineStartInfo",
	BaseMediaDecodeTime:    "baseMediaDecodeTime",
	Timestamp:              "timestamp",
	Log:                    "log",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Listener receives the payload of an emitted event.
type Listener func(payload any)

// Subscription identifies one registered listener so it can be removed.
type Subscription struct {
	ev Event
	id uint64
}

type entry struct {
	id uint64
	fn Listener
}

// Publisher maps events to ordered listener lists. The zero value is ready
// to use.
type Publisher struct {
	listeners map[Event][]entry
	nextID    uint64
}

// Subscribe registers fn for ev and returns a handle for Unsubscribe.
func (p *Publisher) Subscribe(ev Event, fn Listener) Subscription {
	if p.listeners == nil {
		p.listeners = make(map[Event][]entry)
	}
	p.nextID++
	p.listeners[ev] = append(p.listeners[ev], entry{id: p.nextID, fn: fn})
	return Subscription{ev: ev, id: p.nextID}
}

// Unsubscribe removes a listener. It reports whether the listener was found.
func (p *Publisher) Unsubscribe(s Subscription) bool {
	list := p.listeners[s.ev]
	for i, e := range list {
		if e.id != s.id {
			continue
		}
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		p.listeners[s.ev] = next
		return true
	}
	return false
}

// Emit calls every listener registered for ev. Listeners added or removed
// while an emit is in progress take effect from the next Emit.
func (p *Publisher) Emit(ev Event, payload any) {
	list := p.listeners[ev]
	for _, e := range list {
		e.fn(payload)
	}
}

// Listeners returns the number of listeners registered for ev.
func (p *Publisher) Listeners(ev Event) int {
	return len(p.listeners[ev])
}

// Clear drops every listener.
func (p *Publisher) Clear() {
	p.listeners = nil
}

// Diagnostic is the payload of a Log event: a non-fatal problem a stage
// recovered from.
type Diagnostic struct {
	Level   slog.Level
	Message string
	Stream  string
	Args    []any
}

// Warn emits a warning-level Diagnostic on p.
func (p *Publisher) Warn(stream, msg string, args ...any) {
	p.Emit(Log, Diagnostic{Level: slog.LevelWarn, Message: msg, Stream: stream, Args: args})
}
