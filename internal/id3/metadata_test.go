package id3

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/remux/internal/event"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/mpegts"
)

func syncSafeBytes(n int) []byte {
	return []byte{byte(n>>21) & 0x7F, byte(n>>14) & 0x7F, byte(n>>7) & 0x7F, byte(n) & 0x7F}
}

func buildFrame(id string, body []byte) []byte {
	f := append([]byte(id), syncSafeBytes(len(body))...)
	f = append(f, 0x00, 0x00)
	return append(f, body...)
}

func buildTag(frames ...[]byte) []byte {
	var body []byte
	for _, f := range frames {
		body = append(body, f...)
	}
	tag := append([]byte{'I', 'D', '3', 0x04, 0x00, 0x00}, syncSafeBytes(len(body))...)
	return append(tag, body...)
}

func txxx(desc, value string) []byte {
	body := append([]byte{encodingUTF8}, desc...)
	body = append(body, 0)
	body = append(body, value...)
	return buildFrame("TXXX", append(body, 0))
}

func tsPriv(ts int64) []byte {
	body := append([]byte(TransportStreamTimestampOwner), 0)
	body = append(body, 0, 0, 0, byte(ts>>32)&0x01, byte(ts>>24), byte(ts>>16), byte(ts>>8), byte(ts))
	return buildFrame("PRIV", body)
}

type tagRecorder struct {
	tags       []*media.ID3Tag
	timestamps []int64
	warnings   int
}

func record(s *MetadataStream) *tagRecorder {
	r := &tagRecorder{}
	s.Events().Subscribe(event.Data, func(p any) { r.tags = append(r.tags, p.(*media.ID3Tag)) })
	s.Events().Subscribe(event.Timestamp, func(p any) { r.timestamps = append(r.timestamps, p.(*media.ID3Frame).TimeStamp) })
	s.Events().Subscribe(event.Log, func(any) { r.warnings++ })
	return r
}

func TestParseFrames(t *testing.T) {
	t.Parallel()
	wxxxBody := append([]byte{encodingUTF8}, []byte("home\x00https://example.com/")...)
	tag := buildTag(
		txxx("track", "intro\x00\x00"),
		buildFrame("WXXX", wxxxBody),
		buildFrame("PRIV", []byte("owner.example\x00\x01\x02")),
		buildFrame("TIT2", []byte{0x03, 'T'}),
	)

	frames, err := ParseFrames(tag)
	if err != nil {
		t.Fatalf("ParseFrames error: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	if f := frames[0]; f.ID != "TXXX" || f.Description != "track" || f.Value != "intro" {
		t.Errorf("TXXX = %+v", f)
	}
	if f := frames[1]; f.Description != "home" || f.URL != "https://example.com/" {
		t.Errorf("WXXX = %+v", f)
	}
	if f := frames[2]; f.Owner != "owner.example" || !bytes.Equal(f.Data, []byte{0x01, 0x02}) {
		t.Errorf("PRIV = %+v", f)
	}
	if f := frames[3]; f.ID != "TIT2" || f.Value != "T" || !bytes.Equal(f.Data, []byte{0x03, 'T'}) {
		t.Errorf("TIT2 = %+v", f)
	}
}

func TestParseFrames_ExtendedHeaderAndPadding(t *testing.T) {
	t.Parallel()
	frame := txxx("k", "v")
	ext := append(syncSafeBytes(6), 0x01, 0x00)
	ext = append(ext, syncSafeBytes(16)...)
	body := append(append(ext, frame...), make([]byte, 16)...)
	tag := append([]byte{'I', 'D', '3', 0x04, 0x00, 0x40}, syncSafeBytes(len(body))...)
	tag = append(tag, body...)

	frames, err := ParseFrames(tag)
	if err != nil {
		t.Fatalf("ParseFrames error: %v", err)
	}
	if len(frames) != 1 || frames[0].Value != "v" {
		t.Errorf("frames = %+v, want one TXXX", frames)
	}
}

func TestParseFrames_ZeroSizeFrame(t *testing.T) {
	t.Parallel()
	tag := buildTag(txxx("a", "b"), []byte{'T', 'X', 'X', 'X', 0, 0, 0, 0, 0, 0})
	frames, err := ParseFrames(tag)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("error = %v, want ErrMalformedFrame", err)
	}
	if len(frames) != 1 || frames[0].Value != "b" {
		t.Errorf("frames = %+v, want the TXXX before the bad frame", frames)
	}
}

func TestParseFrames_TextEncodings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		frame []byte
		want  media.ID3Frame
	}{
		{"latin-1 TXXX", buildFrame("TXXX", []byte("\x00caf\xe9\x00cr\xe8me\x00")),
			media.ID3Frame{ID: "TXXX", Description: "café", Value: "crème"}},
		{"utf-8 TXXX", buildFrame("TXXX", []byte("\x03café\x00crème")),
			media.ID3Frame{ID: "TXXX", Description: "café", Value: "crème"}},
		{"utf-16 TXXX", buildFrame("TXXX", []byte{0x01, 0xFE, 0xFF, 0x00, 'k', 0x00, 0x00, 0xFE, 0xFF, 0x00, 'v'}),
			media.ID3Frame{ID: "TXXX", Description: "k", Value: "v"}},
		{"latin-1 WXXX", buildFrame("WXXX", []byte("\x00h\xf4te\x00https://example.com/")),
			media.ID3Frame{ID: "WXXX", Description: "hôte", URL: "https://example.com/"}},
		{"latin-1 TIT2", buildFrame("TIT2", []byte("\x00Caf\xe9\x00")),
			media.ID3Frame{ID: "TIT2", Value: "Café"}},
		{"utf-8 TPE1", buildFrame("TPE1", []byte("\x03Beyoncé")),
			media.ID3Frame{ID: "TPE1", Value: "Beyoncé"}},
		{"utf-16be TALB", buildFrame("TALB", []byte{0x02, 0x00, 'O', 0x00, 'K'}),
			media.ID3Frame{ID: "TALB", Value: "OK"}},
		{"unknown encoding", buildFrame("TIT2", []byte("\x07title")),
			media.ID3Frame{ID: "TIT2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			frames, err := ParseFrames(buildTag(tt.frame))
			if err != nil {
				t.Fatalf("ParseFrames error: %v", err)
			}
			got := frames[0]
			if got.ID != tt.want.ID || got.Description != tt.want.Description ||
				got.Value != tt.want.Value || got.URL != tt.want.URL {
				t.Errorf("frame = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTransportStreamTimestamp(t *testing.T) {
	t.Parallel()
	for _, ts := range []int64{0, 90000, 1<<32 + 12345, 1<<33 - 1} {
		frames, err := ParseFrames(buildTag(tsPriv(ts)))
		if err != nil {
			t.Fatalf("ParseFrames error: %v", err)
		}
		if !frames[0].HasTimeStamp || frames[0].TimeStamp != ts {
			t.Errorf("timestamp = %d, want %d", frames[0].TimeStamp, ts)
		}
	}
}

func TestMetadataStream_ReassemblesAcrossUnits(t *testing.T) {
	t.Parallel()
	s := NewMetadataStream(nil)
	r := record(s)
	tag := buildTag(txxx("k", "value spanning pes units"))

	s.Push(&mpegts.PES{Type: media.TimedMetadata, PTS: 9000, DTS: 9000, HasPTS: true, DataAlignmentIndicator: true, Data: tag[:15]})
	if len(r.tags) != 0 {
		t.Fatal("tag emitted before it was complete")
	}
	s.Push(&mpegts.PES{Type: media.TimedMetadata, Data: tag[15:]})

	if len(r.tags) != 1 {
		t.Fatalf("tags = %d, want 1", len(r.tags))
	}
	got := r.tags[0]
	if got.PTS != 9000 || got.DispatchType != "15" || !bytes.Equal(got.Data, tag) {
		t.Errorf("tag = pts %d dispatch %q len %d", got.PTS, got.DispatchType, len(got.Data))
	}
	if got.Frames[0].Value != "value spanning pes units" {
		t.Errorf("value = %q", got.Frames[0].Value)
	}
}

func TestMetadataStream_TimestampFrameDatesTag(t *testing.T) {
	t.Parallel()
	s := NewMetadataStream(nil)
	r := record(s)
	s.Push(&mpegts.PES{Type: media.TimedMetadata, Data: buildTag(tsPriv(123456))})

	if len(r.timestamps) != 1 || r.timestamps[0] != 123456 {
		t.Fatalf("timestamps = %v, want [123456]", r.timestamps)
	}
	if len(r.tags) != 1 || r.tags[0].PTS != 123456 || r.tags[0].DTS != 123456 {
		t.Errorf("tag timing = %+v", r.tags)
	}
}

func TestMetadataStream_SkipsNonID3(t *testing.T) {
	t.Parallel()
	s := NewMetadataStream([]byte{0xAB, 0x01})
	r := record(s)
	s.Push(&mpegts.PES{Type: media.TimedMetadata, Data: []byte("not an id3 tag")})
	s.Push(&mpegts.PES{Type: media.Audio, Data: buildTag(txxx("a", "b"))})
	if len(r.tags) != 0 || r.warnings != 1 {
		t.Errorf("tags = %d warnings = %d, want 0 and 1", len(r.tags), r.warnings)
	}
	if s.DispatchType() != "15ab01" {
		t.Errorf("DispatchType() = %q, want 15ab01", s.DispatchType())
	}
}

func TestMetadataStream_MalformedFrameWarns(t *testing.T) {
	t.Parallel()
	s := NewMetadataStream(nil)
	r := record(s)
	tag := buildTag(tsPriv(123456), txxx("k", "v"), []byte{'P', 'R', 'I', 'V', 0, 0, 0, 0, 0, 0})
	s.Push(&mpegts.PES{Type: media.TimedMetadata, Data: tag})

	if len(r.tags) != 1 || r.warnings != 1 {
		t.Fatalf("tags = %d warnings = %d, want 1 and 1", len(r.tags), r.warnings)
	}
	if len(r.timestamps) != 1 || r.timestamps[0] != 123456 {
		t.Errorf("timestamps = %v, want [123456]", r.timestamps)
	}
	if got := r.tags[0]; len(got.Frames) != 2 || got.PTS != 123456 || got.Frames[1].Value != "v" {
		t.Errorf("tag = %+v, want the two frames before the bad one", got)
	}
}

func TestMetadataStream_AlignedUnitDropsPartialTag(t *testing.T) {
	t.Parallel()
	s := NewMetadataStream(nil)
	r := record(s)
	stale := buildTag(txxx("old", "partial"))
	fresh := buildTag(txxx("new", "complete"))

	s.Push(&mpegts.PES{Type: media.TimedMetadata, DataAlignmentIndicator: true, Data: stale[:12]})
	s.Push(&mpegts.PES{Type: media.TimedMetadata, DataAlignmentIndicator: true, Data: fresh})
	if len(r.tags) != 1 || r.tags[0].Frames[0].Description != "new" {
		t.Fatalf("tags = %+v, want only the fresh tag", r.tags)
	}
}
