// Package mpegts turns a raw MPEG-2 transport stream into timestamped
// elementary stream units. It is a chain of push stages: PacketStream
// resynchronizes 188-byte packets, ParseStream discovers the program through
// PAT/PMT, ElementaryStream reassembles PES packets per track, and
// RolloverStream unwraps 33-bit timestamps.
package mpegts

import "github.com/zsiec/remux/internal/media"

// Stream types the program map resolves.
const (
	StreamTypeH264     uint8 = 0x1B
	StreamTypeADTS     uint8 = 0x0F
	StreamTypeMetadata uint8 = 0x15
)

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// PATData contains the parsed Program Association Table. Only the first
// program is followed.
type PATData struct {
	Programs          []*PATProgram
	SectionNumber     uint8
	LastSectionNumber uint8
	PMTPID            uint16
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table. Table is the map the parse
// stage settled on after applying this section.
type PMTData struct {
	ElementaryStreams []*PMTElementaryStream
	CurrentNext       bool
	Table             *ProgramMapTable
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// ProgramMapTable records the single video and audio PID of the program and
// every timed metadata PID.
type ProgramMapTable struct {
	Video         uint16
	HasVideo      bool
	Audio         uint16
	HasAudio      bool
	TimedMetadata map[uint16]uint8
}

// streamType resolves the stream type carried by pid. Unknown PIDs return 0.
func (t *ProgramMapTable) streamType(pid uint16) uint8 {
	switch {
	case t.HasVideo && pid == t.Video:
		return StreamTypeH264
	case t.HasAudio && pid == t.Audio:
		return StreamTypeADTS
	}
	return t.TimedMetadata[pid]
}

// PESPacket is one transport packet's share of an elementary stream.
type PESPacket struct {
	PID                       uint16
	PayloadUnitStartIndicator bool
	StreamType                uint8
	Data                      []byte
}

// PES is a reassembled packetized elementary stream unit. Timestamps are in
// 90 kHz ticks; HasPTS reports whether the header carried them. DTS equals
// PTS when only a PTS was present.
type PES struct {
	Type                   media.TrackType
	TrackID                int
	PTS                    int64
	DTS                    int64
	HasPTS                 bool
	DataAlignmentIndicator bool
	PacketLength           int
	Data                   []byte
}

// TrackList announces the tracks declared by the most recent PMT.
type TrackList struct {
	Tracks []*media.Track
}
